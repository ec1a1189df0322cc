package features

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

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

func date(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func testBuilder(st *store.Store) *Builder {
	resolver := NewResolver(map[string][]string{"NYC": {"KNYC"}})
	return NewBuilder(st, resolver, 24, 4)
}

func seedForecast(t *testing.T, st *store.Store, station string, issued, valid time.Time, value float64) {
	t.Helper()
	err := st.InsertForecast(models.ForecastPoint{
		Source: "nws", StationID: station, IssuedAt: issued, ValidAt: valid,
		Metric: "temperature", Value: value, Unit: "F",
	})
	if err != nil {
		t.Fatalf("InsertForecast: %v", err)
	}
}

func nycMarket(targetDate string) models.Market {
	d := date(targetDate)
	return models.Market{
		Ticker:      "KXLOWTNYC-" + tickerDate(d) + "-B42",
		EventTicker: "KXLOWTNYC-" + tickerDate(d),
		Title:       "Will the low temperature in New York City be below 42° on " + d.Format("Jan 2") + "?",
		CloseTime:   d.Add(14 * time.Hour),
		Status:      "open",
	}
}

func tickerDate(d time.Time) string {
	return strings.ToUpper(d.Format("06Jan02"))
}

func TestBuildExamples(t *testing.T) {
	st := setupTestStore(t)
	b := testBuilder(st)

	asOf := date("2026-08-29").Add(12 * time.Hour)
	target := date("2026-08-30")
	m := nycMarket("2026-08-30")
	if err := st.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	issued := asOf.Add(-6 * time.Hour)
	seedForecast(t, st, "KNYC", issued, target.Add(6*time.Hour), 40.5)

	if err := st.InsertQuote(models.MarketQuote{
		MarketTicker: m.Ticker,
		BidYes:       sql.NullFloat64{Valid: true, Float64: 0.50},
		AskYes:       sql.NullFloat64{Valid: true, Float64: 0.60},
		Volume:       sql.NullInt64{Valid: true, Int64: 850},
		CapturedAt:   asOf.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("InsertQuote: %v", err)
	}

	examples, err := b.BuildExamples([]models.Market{m}, asOf)
	if err != nil {
		t.Fatalf("BuildExamples: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("len(examples) = %d, want 1", len(examples))
	}

	ex := examples[0]
	if ex.CityCode != "NYC" {
		t.Errorf("CityCode = %q, want NYC", ex.CityCode)
	}
	if ex.StationID != "KNYC" || ex.Strategy != "city_table" {
		t.Errorf("station = %q via %q, want KNYC via city_table", ex.StationID, ex.Strategy)
	}
	if !ex.ForecastLow.Valid || ex.ForecastLow.Float64 != 40.5 {
		t.Errorf("ForecastLow = %+v, want 40.5", ex.ForecastLow)
	}
	if ex.ForecastAgeHours != 6 {
		t.Errorf("ForecastAgeHours = %v, want 6", ex.ForecastAgeHours)
	}
	// 6h old against a 24h SLA leaves three quarters of coverage.
	if diff := ex.ForecastCoverage - 0.75; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ForecastCoverage = %v, want 0.75", ex.ForecastCoverage)
	}
	if !ex.MarketImpliedYes.Valid || ex.MarketImpliedYes.Float64 != 0.55 {
		t.Errorf("MarketImpliedYes = %+v, want 0.55 (bid/ask mid)", ex.MarketImpliedYes)
	}
	if ex.Liquidity != 850 {
		t.Errorf("Liquidity = %v, want 850", ex.Liquidity)
	}
	if ex.Strike != (models.Strike{Kind: models.StrikeBelow, Lower: 42}) {
		t.Errorf("Strike = %+v, want below 42", ex.Strike)
	}
	if ex.Label.Valid {
		t.Error("Label set at build time, want null until settlement")
	}
}

func TestBuildExamplesNoStationData(t *testing.T) {
	st := setupTestStore(t)
	b := testBuilder(st)

	asOf := date("2026-08-29").Add(12 * time.Hour)
	m := nycMarket("2026-08-30")
	if err := st.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	examples, err := b.BuildExamples([]models.Market{m}, asOf)
	if err != nil {
		t.Fatalf("BuildExamples: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("len(examples) = %d, want 1 degraded example", len(examples))
	}
	ex := examples[0]
	if ex.ForecastCoverage != 0 {
		t.Errorf("ForecastCoverage = %v, want 0", ex.ForecastCoverage)
	}
	if ex.StationID != "" {
		t.Errorf("StationID = %q, want empty", ex.StationID)
	}
	if ex.ForecastLow.Valid {
		t.Errorf("ForecastLow = %+v, want null", ex.ForecastLow)
	}
}

func TestBuildExamplesSkipsUnparseable(t *testing.T) {
	st := setupTestStore(t)
	b := testBuilder(st)

	asOf := date("2026-08-29").Add(12 * time.Hour)
	bad := models.Market{
		Ticker: "KXRAINNYC-26AUG30", EventTicker: "KXRAINNYC-26AUG30",
		Title: "Will it rain in New York City on Aug 30?", CloseTime: asOf.Add(24 * time.Hour), Status: "open",
	}
	if err := st.UpsertMarket(bad); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	examples, err := b.BuildExamples([]models.Market{bad}, asOf)
	if err != nil {
		t.Fatalf("BuildExamples: %v", err)
	}
	if len(examples) != 0 {
		t.Fatalf("len(examples) = %d, want 0", len(examples))
	}
}

func TestBuildExamplesDeterministicOrder(t *testing.T) {
	st := setupTestStore(t)
	b := testBuilder(st)

	asOf := date("2026-08-29").Add(12 * time.Hour)
	var markets []models.Market
	for _, day := range []string{"2026-08-30", "2026-08-31", "2026-09-01", "2026-09-02"} {
		m := nycMarket(day)
		if err := st.UpsertMarket(m); err != nil {
			t.Fatalf("UpsertMarket: %v", err)
		}
		markets = append(markets, m)
	}

	first, err := b.BuildExamples(markets, asOf)
	if err != nil {
		t.Fatalf("BuildExamples: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, err := b.BuildExamples(markets, asOf)
		if err != nil {
			t.Fatalf("BuildExamples: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d examples, want %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i].MarketTicker != first[i].MarketTicker {
				t.Fatalf("run %d: example %d = %s, want %s", run, i, again[i].MarketTicker, first[i].MarketTicker)
			}
		}
	}
}
