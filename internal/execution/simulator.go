package execution

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/store"
)

type RiskConfig struct {
	EdgeThreshold        float64
	MaxNotionalPerSignal float64
	MaxDailyNotional     float64
	MaxContractsPerOrder int
}

// RiskState is the running commitment accumulator threaded through the
// fold over ranked signals. It only grows.
type RiskState struct {
	CommittedNotional float64
	OrdersPlaced      int
}

// Result is everything one execution pass produced, in processing order.
type Result struct {
	Decisions []models.TradeDecision
	Orders    []models.Order
	State     RiskState
}

// Simulator is the paper execution engine: it turns published signals
// into decision rows, simulated orders and open positions under the
// configured risk caps. No external venue is involved; fills are assumed
// at the limit price.
type Simulator struct {
	store *store.Store
	cfg   RiskConfig
}

func NewSimulator(st *store.Store, cfg RiskConfig) *Simulator {
	return &Simulator{store: st, cfg: cfg}
}

// Execute folds over signals in rank order, strictly sequentially: each
// decision sees the notional committed by everything before it. Re-running
// a date replays its own prior orders instead of placing new ones, so the
// pass is idempotent.
func (s *Simulator) Execute(runDate time.Time, signals []models.PublishedSignal, asOf time.Time) (*Result, error) {
	res := &Result{}

	for _, sig := range signals {
		decision, order, err := s.decide(runDate, sig, asOf, &res.State)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpsertDecision(*decision); err != nil {
			return nil, fmt.Errorf("record decision for %s: %w", sig.MarketTicker, err)
		}
		res.Decisions = append(res.Decisions, *decision)
		if order != nil {
			res.Orders = append(res.Orders, *order)
		}
	}

	log.Printf("execution: %d signals, %d orders, %.2f notional committed",
		len(signals), res.State.OrdersPlaced, res.State.CommittedNotional)
	return res, nil
}

func (s *Simulator) decide(runDate time.Time, sig models.PublishedSignal, asOf time.Time, state *RiskState) (*models.TradeDecision, *models.Order, error) {
	d := &models.TradeDecision{
		RunDate:      runDate,
		MarketTicker: sig.MarketTicker,
		Edge:         sig.Edge,
		Threshold:    s.cfg.EdgeThreshold,
		CreatedAt:    asOf,
	}
	reject := func(reason string) (*models.TradeDecision, *models.Order, error) {
		d.Reason = reason
		return d, nil, nil
	}

	if sig.ForecastCoverage == 0 {
		return reject("no station match")
	}
	if math.Abs(sig.Edge) < s.cfg.EdgeThreshold {
		return reject("edge below threshold")
	}

	market, err := s.store.GetMarket(sig.MarketTicker)
	if err != nil {
		return nil, nil, err
	}
	if market == nil {
		return reject("unknown market")
	}
	if !market.CloseTime.After(asOf) {
		return reject("market expired")
	}

	// A re-run replays the order it already placed, counting its notional
	// toward the cap exactly as the first pass did.
	if prior, err := s.store.OrderForRun(runDate, sig.MarketTicker); err != nil {
		return nil, nil, err
	} else if prior != nil {
		state.CommittedNotional += prior.Notional()
		state.OrdersPlaced++
		d.Approved = true
		d.Reason = "approved"
		return d, prior, nil
	}

	side, price := sideAndPrice(sig.Edge, sig.MarketImpliedYes)

	// Only a same-side position already held at a better-or-equal price
	// blocks the trade. An opposite-side signal still trades.
	open, err := s.store.OpenPositions(sig.MarketTicker)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range open {
		if p.Side == side && p.EntryPrice <= price {
			return reject("duplicate open position")
		}
	}

	perSignal := int(s.cfg.MaxNotionalPerSignal / price)
	remaining := int((s.cfg.MaxDailyNotional - state.CommittedNotional) / price)

	contracts := s.cfg.MaxContractsPerOrder
	if perSignal < contracts {
		contracts = perSignal
	}
	if remaining < contracts {
		contracts = remaining
	}
	if contracts <= 0 {
		if perSignal > 0 {
			return reject("daily cap exceeded")
		}
		return reject("size rounds to zero")
	}

	order := models.Order{
		OrderRef:     fmt.Sprintf("paper-%s-%s", runDate.Format("2006-01-02"), sig.MarketTicker),
		RunDate:      runDate,
		MarketTicker: sig.MarketTicker,
		Side:         side,
		Contracts:    contracts,
		LimitPrice:   price,
		Edge:         sig.Edge,
		Status:       "filled",
		CreatedAt:    asOf,
	}
	if _, err := s.store.InsertOrder(order); err != nil {
		return nil, nil, fmt.Errorf("insert order %s: %w", order.OrderRef, err)
	}
	if err := s.store.InsertPosition(models.Position{
		MarketTicker: sig.MarketTicker,
		Side:         side,
		EntryPrice:   price,
		Contracts:    contracts,
		OpenedAt:     asOf,
	}); err != nil {
		return nil, nil, fmt.Errorf("open position %s: %w", sig.MarketTicker, err)
	}

	state.CommittedNotional += order.Notional()
	state.OrdersPlaced++
	d.Approved = true
	d.Reason = "approved"
	return d, &order, nil
}

// sideAndPrice maps a signed edge to the traded side and its limit price.
// A positive edge buys YES at the implied YES price; a negative edge buys
// NO at one minus it. Prices are clipped to the venue's 1–99c range.
func sideAndPrice(edge, impliedYes float64) (models.OrderSide, float64) {
	if edge > 0 {
		return models.SideYes, clipPrice(impliedYes)
	}
	return models.SideNo, clipPrice(1 - impliedYes)
}

func clipPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}
