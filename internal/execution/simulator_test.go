package execution

import (
	"database/sql"
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

var (
	runDate = time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	asOf    = runDate.Add(12 * time.Hour)
)

func testConfig() RiskConfig {
	return RiskConfig{
		EdgeThreshold:        0.05,
		MaxNotionalPerSignal: 50,
		MaxDailyNotional:     250,
		MaxContractsPerOrder: 20,
	}
}

func seedMarket(t *testing.T, st *store.Store, ticker string) {
	t.Helper()
	err := st.UpsertMarket(models.Market{
		Ticker: ticker, EventTicker: ticker,
		Title:     "Will the low temperature in New York City be below 42°?",
		CloseTime: asOf.Add(2 * time.Hour), Status: "open",
	})
	if err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
}

func signal(ticker string, edge, implied, coverage float64) models.PublishedSignal {
	return models.PublishedSignal{
		RunDate: runDate, MarketTicker: ticker,
		ProbabilityYes: implied + edge, MarketImpliedYes: implied,
		Edge: edge, Confidence: 0.7, ForecastCoverage: coverage,
		Liquidity: 100, PublishedAt: asOf,
	}
}

func TestExecuteApprovesAndSizes(t *testing.T) {
	st := setupTestStore(t)
	sim := NewSimulator(st, testConfig())

	seedMarket(t, st, "M1")
	res, err := sim.Execute(runDate, []models.PublishedSignal{
		signal("M1", 0.08, 0.55, 1.0),
	}, asOf)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(res.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(res.Orders))
	}
	o := res.Orders[0]
	// Per-signal $50 at 55c allows 90 contracts, capped at 20 per order.
	if o.Contracts != 20 {
		t.Errorf("Contracts = %d, want 20", o.Contracts)
	}
	if o.LimitPrice != 0.55 {
		t.Errorf("LimitPrice = %v, want 0.55", o.LimitPrice)
	}
	if o.Side != models.SideYes {
		t.Errorf("Side = %s, want yes for positive edge", o.Side)
	}
	if o.OrderRef != "paper-2026-08-29-M1" {
		t.Errorf("OrderRef = %q", o.OrderRef)
	}
	if res.State.CommittedNotional != 11.0 {
		t.Errorf("CommittedNotional = %v, want 11.0", res.State.CommittedNotional)
	}

	pos, err := st.OpenPosition("M1")
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if pos == nil || pos.Contracts != 20 || pos.EntryPrice != 0.55 {
		t.Fatalf("position = %+v, want 20 @ 0.55", pos)
	}

	if len(res.Decisions) != 1 || !res.Decisions[0].Approved || res.Decisions[0].Reason != "approved" {
		t.Fatalf("decision = %+v, want approved", res.Decisions)
	}
}

func TestExecuteNegativeEdgeBuysNo(t *testing.T) {
	st := setupTestStore(t)
	sim := NewSimulator(st, testConfig())

	seedMarket(t, st, "M1")
	res, err := sim.Execute(runDate, []models.PublishedSignal{
		signal("M1", -0.10, 0.60, 1.0),
	}, asOf)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(res.Orders))
	}
	o := res.Orders[0]
	if o.Side != models.SideNo {
		t.Errorf("Side = %s, want no for negative edge", o.Side)
	}
	// NO price is one minus the implied YES.
	if diff := o.LimitPrice - 0.40; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("LimitPrice = %v, want 0.40", o.LimitPrice)
	}
}

func TestExecuteRejectionReasons(t *testing.T) {
	tests := []struct {
		name   string
		cfg    RiskConfig
		setup  func(t *testing.T, st *store.Store)
		sig    models.PublishedSignal
		reason string
	}{
		{
			"no station match",
			testConfig(),
			func(t *testing.T, st *store.Store) { seedMarket(t, st, "M1") },
			signal("M1", 0.20, 0.55, 0),
			"no station match",
		},
		{
			"edge below threshold",
			testConfig(),
			func(t *testing.T, st *store.Store) { seedMarket(t, st, "M1") },
			signal("M1", 0.03, 0.55, 1.0),
			"edge below threshold",
		},
		{
			"market expired",
			testConfig(),
			func(t *testing.T, st *store.Store) {
				err := st.UpsertMarket(models.Market{
					Ticker: "M1", EventTicker: "M1", Title: "below 42°?",
					CloseTime: asOf.Add(-time.Hour), Status: "open",
				})
				if err != nil {
					t.Fatalf("UpsertMarket: %v", err)
				}
			},
			signal("M1", 0.08, 0.55, 1.0),
			"market expired",
		},
		{
			"duplicate open position",
			testConfig(),
			func(t *testing.T, st *store.Store) {
				seedMarket(t, st, "M1")
				err := st.InsertPosition(models.Position{
					MarketTicker: "M1", Side: models.SideYes,
					EntryPrice: 0.5, Contracts: 10, OpenedAt: asOf.AddDate(0, 0, -1),
				})
				if err != nil {
					t.Fatalf("InsertPosition: %v", err)
				}
			},
			signal("M1", 0.08, 0.55, 1.0),
			"duplicate open position",
		},
		{
			"size rounds to zero",
			RiskConfig{EdgeThreshold: 0.05, MaxNotionalPerSignal: 0.3, MaxDailyNotional: 250, MaxContractsPerOrder: 20},
			func(t *testing.T, st *store.Store) { seedMarket(t, st, "M1") },
			signal("M1", 0.08, 0.55, 1.0),
			"size rounds to zero",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupTestStore(t)
			tt.setup(t, st)
			sim := NewSimulator(st, tt.cfg)

			res, err := sim.Execute(runDate, []models.PublishedSignal{tt.sig}, asOf)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if len(res.Orders) != 0 {
				t.Fatalf("orders = %d, want 0", len(res.Orders))
			}
			if len(res.Decisions) != 1 {
				t.Fatalf("decisions = %d, want 1", len(res.Decisions))
			}
			d := res.Decisions[0]
			if d.Approved {
				t.Error("decision approved, want rejection")
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.reason)
			}
		})
	}
}

func TestExecuteOpenPositionBlocksOnlySameSide(t *testing.T) {
	t.Run("opposite side still trades", func(t *testing.T) {
		st := setupTestStore(t)
		sim := NewSimulator(st, testConfig())

		seedMarket(t, st, "M1")
		if err := st.InsertPosition(models.Position{
			MarketTicker: "M1", Side: models.SideYes,
			EntryPrice: 0.55, Contracts: 20, OpenedAt: asOf.AddDate(0, 0, -1),
		}); err != nil {
			t.Fatalf("InsertPosition: %v", err)
		}

		res, err := sim.Execute(runDate, []models.PublishedSignal{
			signal("M1", -0.10, 0.60, 1.0),
		}, asOf)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(res.Orders) != 1 || res.Orders[0].Side != models.SideNo {
			t.Fatalf("orders = %+v, want one NO order against the YES position", res.Orders)
		}

		open, err := st.OpenPositions("M1")
		if err != nil {
			t.Fatalf("OpenPositions: %v", err)
		}
		if len(open) != 2 {
			t.Fatalf("open positions = %d, want YES and NO", len(open))
		}
	})

	t.Run("same side at a better new price trades", func(t *testing.T) {
		st := setupTestStore(t)
		sim := NewSimulator(st, testConfig())

		seedMarket(t, st, "M1")
		if err := st.InsertPosition(models.Position{
			MarketTicker: "M1", Side: models.SideYes,
			EntryPrice: 0.60, Contracts: 20, OpenedAt: asOf.AddDate(0, 0, -1),
		}); err != nil {
			t.Fatalf("InsertPosition: %v", err)
		}

		// New YES entry at 0.55 beats the held 0.60, so the position does
		// not block it.
		res, err := sim.Execute(runDate, []models.PublishedSignal{
			signal("M1", 0.08, 0.55, 1.0),
		}, asOf)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(res.Orders) != 1 || res.Orders[0].Side != models.SideYes {
			t.Fatalf("orders = %+v, want one YES order at the better price", res.Orders)
		}
	})
}

func TestExecuteDailyCap(t *testing.T) {
	st := setupTestStore(t)
	cfg := testConfig()
	cfg.MaxDailyNotional = 11.2
	sim := NewSimulator(st, cfg)

	seedMarket(t, st, "M1")
	seedMarket(t, st, "M2")

	res, err := sim.Execute(runDate, []models.PublishedSignal{
		signal("M1", 0.08, 0.55, 1.0),
		signal("M2", 0.07, 0.55, 1.0),
	}, asOf)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// First fills 20 @ 0.55 = 11.0; the 0.2 left buys no whole contract.
	if len(res.Orders) != 1 || res.Orders[0].MarketTicker != "M1" {
		t.Fatalf("orders = %+v, want only M1", res.Orders)
	}
	if res.Decisions[1].Reason != "daily cap exceeded" {
		t.Errorf("second reason = %q, want daily cap exceeded", res.Decisions[1].Reason)
	}
	if res.State.CommittedNotional > cfg.MaxDailyNotional {
		t.Errorf("committed %v breaches cap %v", res.State.CommittedNotional, cfg.MaxDailyNotional)
	}
}

func TestExecuteCapNeverBreached(t *testing.T) {
	st := setupTestStore(t)
	cfg := testConfig()
	cfg.MaxDailyNotional = 30
	sim := NewSimulator(st, cfg)

	var signals []models.PublishedSignal
	for _, tk := range []string{"M1", "M2", "M3", "M4", "M5"} {
		seedMarket(t, st, tk)
		signals = append(signals, signal(tk, 0.08, 0.55, 1.0))
	}

	res, err := sim.Execute(runDate, signals, asOf)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State.CommittedNotional > cfg.MaxDailyNotional {
		t.Fatalf("committed %v breaches cap %v", res.State.CommittedNotional, cfg.MaxDailyNotional)
	}
	total := 0.0
	for _, o := range res.Orders {
		total += o.Notional()
	}
	if total != res.State.CommittedNotional {
		t.Errorf("order notionals sum to %v, state says %v", total, res.State.CommittedNotional)
	}
}

func TestExecuteRerunIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	sim := NewSimulator(st, testConfig())

	seedMarket(t, st, "M1")
	seedMarket(t, st, "M2")
	signals := []models.PublishedSignal{
		signal("M1", 0.08, 0.55, 1.0),
		signal("M2", 0.03, 0.55, 1.0), // below threshold
	}

	first, err := sim.Execute(runDate, signals, asOf)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second, err := sim.Execute(runDate, signals, asOf)
	if err != nil {
		t.Fatalf("Execute rerun: %v", err)
	}

	if len(second.Orders) != len(first.Orders) {
		t.Fatalf("rerun orders = %d, want %d", len(second.Orders), len(first.Orders))
	}
	for i := range first.Orders {
		a, b := first.Orders[i], second.Orders[i]
		if a.OrderRef != b.OrderRef || a.Side != b.Side || a.Contracts != b.Contracts ||
			a.LimitPrice != b.LimitPrice || a.Edge != b.Edge {
			t.Errorf("rerun order %d differs: %+v vs %+v", i, b, a)
		}
	}
	for i := range first.Decisions {
		a, b := first.Decisions[i], second.Decisions[i]
		if a.Approved != b.Approved || a.Reason != b.Reason || a.Edge != b.Edge {
			t.Errorf("rerun decision %d differs: %+v vs %+v", i, b, a)
		}
	}
	if second.State != first.State {
		t.Errorf("rerun state = %+v, want %+v", second.State, first.State)
	}

	// Still only one order row and one position in the ledger.
	orders, err := st.OrdersForRun(runDate)
	if err != nil {
		t.Fatalf("OrdersForRun: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("ledger has %d orders, want 1", len(orders))
	}
	total, err := st.RunNotional(runDate)
	if err != nil {
		t.Fatalf("RunNotional: %v", err)
	}
	if total != 11.0 {
		t.Errorf("RunNotional = %v, want 11.0", total)
	}
}
