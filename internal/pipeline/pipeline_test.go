package pipeline

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/kalbot/internal/config"
	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Cities = map[string][]string{"NYC": {"KNYC"}}
	cfg.Features.Workers = 2
	return cfg
}

var runDate = time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

func tickerFor(d time.Time) string {
	return "KXLOWTNYC-" + strings.ToUpper(d.Format("06Jan02")) + "-B42"
}

// seedPipelineData writes a month of forecast/observation history, ten
// settled markets, and one open market for the day after the run date.
func seedPipelineData(t *testing.T, st *store.Store) {
	t.Helper()

	for d := 1; d <= 30; d++ {
		day := runDate.AddDate(0, 0, -d)
		low := 40.0 + float64(d%7)
		wobble := float64(d%2)*2 - 1

		err := st.InsertForecast(models.ForecastPoint{
			Source: "nws", StationID: "KNYC",
			IssuedAt: day.AddDate(0, 0, -1).Add(18 * time.Hour),
			ValidAt:  day.Add(6 * time.Hour),
			Metric:   "temperature", Value: low + 2 + wobble, Unit: "F",
		})
		if err != nil {
			t.Fatalf("InsertForecast: %v", err)
		}
		err = st.InsertObservation(models.ObservationPoint{
			StationID: "KNYC", ObservedAt: day.Add(6 * time.Hour),
			Metric: "temperature", Value: low, Unit: "F",
		})
		if err != nil {
			t.Fatalf("InsertObservation: %v", err)
		}
	}

	for d := 5; d < 15; d++ {
		day := runDate.AddDate(0, 0, -d)
		low := 40.0 + float64(d%7)
		ticker := tickerFor(day)
		err := st.UpsertMarket(models.Market{
			Ticker: ticker, EventTicker: "KXLOWTNYC-" + strings.ToUpper(day.Format("06Jan02")),
			Title:     "Will the low temperature in New York City be below 42° on " + day.Format("Jan 2") + "?",
			CloseTime: day.Add(14 * time.Hour), Status: "settled",
		})
		if err != nil {
			t.Fatalf("UpsertMarket: %v", err)
		}
		err = st.UpsertSettlement(models.Settlement{
			MarketTicker: ticker, SettledYes: low < 42,
			ObservedLow: low, SettledAt: day.AddDate(0, 0, 1),
		})
		if err != nil {
			t.Fatalf("UpsertSettlement: %v", err)
		}
	}

	tomorrow := runDate.AddDate(0, 0, 1)
	ticker := tickerFor(tomorrow)
	err := st.UpsertMarket(models.Market{
		Ticker: ticker, EventTicker: "KXLOWTNYC-" + strings.ToUpper(tomorrow.Format("06Jan02")),
		Title:     "Will the low temperature in New York City be below 42° on " + tomorrow.Format("Jan 2") + "?",
		CloseTime: tomorrow.Add(14 * time.Hour), Status: "open",
	})
	if err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	err = st.InsertForecast(models.ForecastPoint{
		Source: "nws", StationID: "KNYC",
		IssuedAt: runDate.Add(6 * time.Hour),
		ValidAt:  tomorrow.Add(6 * time.Hour),
		Metric:   "temperature", Value: 40.5, Unit: "F",
	})
	if err != nil {
		t.Fatalf("InsertForecast: %v", err)
	}
	err = st.InsertQuote(models.MarketQuote{
		MarketTicker: ticker,
		BidYes:       sql.NullFloat64{Valid: true, Float64: 0.50},
		AskYes:       sql.NullFloat64{Valid: true, Float64: 0.60},
		Volume:       sql.NullInt64{Valid: true, Int64: 900},
		CapturedAt:   runDate.Add(10 * time.Hour),
	})
	if err != nil {
		t.Fatalf("InsertQuote: %v", err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	st := setupTestStore(t)
	seedPipelineData(t, st)
	p := New(st, testConfig(t))

	summary, err := p.Run(runDate)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != "succeeded" {
		t.Fatalf("status = %q, want succeeded; steps: %+v", summary.Status, summary.Steps)
	}
	if len(summary.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(summary.Steps))
	}
	if summary.Counts.ExamplesBuilt != 1 {
		t.Errorf("ExamplesBuilt = %d, want 1", summary.Counts.ExamplesBuilt)
	}
	if summary.Counts.SignalsPublished != 1 {
		t.Errorf("SignalsPublished = %d, want 1", summary.Counts.SignalsPublished)
	}
	if !summary.ModelArtifactID.Valid {
		t.Error("no model artifact recorded")
	}

	cur, err := st.CurrentArtifact()
	if err != nil {
		t.Fatalf("CurrentArtifact: %v", err)
	}
	if cur == nil {
		t.Fatal("no current artifact after run")
	}

	active, err := st.ActiveSignals()
	if err != nil {
		t.Fatalf("ActiveSignals: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active signals = %d, want 1", len(active))
	}
	// Forecast 40.5 with a +2 bias says the low lands well under the 42
	// strike, so the model should be long YES against a 55c market.
	if active[0].Edge <= 0 {
		t.Errorf("edge = %v, want positive", active[0].Edge)
	}

	persisted, err := st.GetRunSummary(runDate)
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	if persisted == nil {
		t.Fatal("run summary not persisted")
	}
	if persisted.Status != summary.Status {
		t.Errorf("persisted status = %q, want %q", persisted.Status, summary.Status)
	}
}

func TestRunIdempotentRerun(t *testing.T) {
	st := setupTestStore(t)
	seedPipelineData(t, st)
	p := New(st, testConfig(t))

	first, err := p.Run(runDate)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := p.Run(runDate)
	if err != nil {
		t.Fatalf("Run rerun: %v", err)
	}

	if first.Counts != second.Counts {
		t.Errorf("counts differ across reruns: %+v vs %+v", first.Counts, second.Counts)
	}
	if first.Status != second.Status {
		t.Errorf("status differs across reruns: %q vs %q", first.Status, second.Status)
	}

	orders, err := st.OrdersForRun(runDate)
	if err != nil {
		t.Fatalf("OrdersForRun: %v", err)
	}
	if len(orders) != first.Counts.OrdersPlaced {
		t.Errorf("ledger has %d orders, first run reported %d", len(orders), first.Counts.OrdersPlaced)
	}

	notional1, err := st.RunNotional(runDate)
	if err != nil {
		t.Fatalf("RunNotional: %v", err)
	}
	// A rerun must not have added notional.
	cfg := testConfig(t)
	if notional1 > cfg.Risk.MaxDailyNotional {
		t.Errorf("notional %v breaches daily cap after rerun", notional1)
	}

	active, err := st.ActiveSignals()
	if err != nil {
		t.Fatalf("ActiveSignals: %v", err)
	}
	if len(active) != first.Counts.SignalsPublished {
		t.Errorf("active signals = %d after rerun, want %d", len(active), first.Counts.SignalsPublished)
	}
}

func TestRunWithNoHistoryDegrades(t *testing.T) {
	st := setupTestStore(t)
	p := New(st, testConfig(t))

	summary, err := p.Run(runDate)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != "degraded" {
		t.Fatalf("status = %q, want degraded; steps: %+v", summary.Status, summary.Steps)
	}

	byStep := make(map[string]models.StepResult)
	for _, s := range summary.Steps {
		byStep[s.Step] = s
	}
	if byStep["train_model"].Status != models.StepSkipped {
		t.Errorf("train_model = %s, want skipped on insufficient data", byStep["train_model"].Status)
	}
	if byStep["rank_and_publish"].Status != models.StepSkipped {
		t.Errorf("rank_and_publish = %s, want skipped with no model", byStep["rank_and_publish"].Status)
	}
	if byStep["simulate_execution"].Status != models.StepSkipped {
		t.Errorf("simulate_execution = %s, want skipped with no signals", byStep["simulate_execution"].Status)
	}

	// The summary is still written even though most steps skipped.
	persisted, err := st.GetRunSummary(runDate)
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	if persisted == nil {
		t.Fatal("run summary not persisted")
	}
}
