package settlement

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lox/kalbot/internal/features"
	"github.com/lox/kalbot/internal/modeling"
	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/store"
)

// Reconciler settles expired markets from our own observation history: a
// market's outcome is decided by the observed daily low at its resolved
// station against the strike in its title.
type Reconciler struct {
	store    *store.Store
	resolver *features.Resolver
	minObs   int
}

func NewReconciler(st *store.Store, resolver *features.Resolver, minObservations int) *Reconciler {
	return &Reconciler{store: st, resolver: resolver, minObs: minObservations}
}

// Reconcile settles every market whose close time and target day have both
// passed and whose station has enough observations to trust the daily low.
// It then refreshes the day's accuracy and PnL metrics. Returns the number
// of markets settled.
func (r *Reconciler) Reconcile(asOf time.Time) (int, error) {
	markets, err := r.store.MarketsNeedingSettlement(asOf)
	if err != nil {
		return 0, fmt.Errorf("load unsettled markets: %w", err)
	}

	settled := 0
	for _, m := range markets {
		ok, err := r.settleOne(m, asOf)
		if err != nil {
			return settled, err
		}
		if ok {
			settled++
		}
	}

	if err := r.updateDailyMetrics(asOf); err != nil {
		return settled, err
	}
	return settled, nil
}

func (r *Reconciler) settleOne(m models.Market, asOf time.Time) (bool, error) {
	cityCode, targetDate, err := features.ParseTicker(m.Ticker)
	if err != nil {
		log.Printf("settlement: skipping %s: %v", m.Ticker, err)
		return false, nil
	}
	strike, err := features.ParseStrike(m.Title)
	if err != nil {
		log.Printf("settlement: skipping %s: %v", m.Ticker, err)
		return false, nil
	}

	// The target day must be fully behind us before its low is final.
	if !asOf.After(targetDate.AddDate(0, 0, 1)) {
		return false, nil
	}

	for _, cand := range r.resolver.Candidates(cityCode) {
		low, count, err := r.store.ObservedLow(cand.StationID, targetDate)
		if err != nil {
			return false, err
		}
		if low == nil || count < r.minObs {
			continue
		}

		settledYes := strike.SettlesYes(*low)
		st := models.Settlement{
			MarketTicker: m.Ticker,
			SettledYes:   settledYes,
			ObservedLow:  *low,
			SettledAt:    asOf,
		}
		if err := r.store.UpsertSettlement(st); err != nil {
			return false, fmt.Errorf("record settlement %s: %w", m.Ticker, err)
		}
		if err := r.store.ClosePosition(m.Ticker, settledYes, asOf); err != nil {
			return false, fmt.Errorf("close position %s: %w", m.Ticker, err)
		}
		log.Printf("settlement: %s settled %s (low %.1f°F at %s)",
			m.Ticker, yesNo(settledYes), *low, cand.StationID)
		return true, nil
	}

	return false, nil
}

// updateDailyMetrics scores the day's settlements against the latest
// published probabilities and rolls up realized PnL and drawdown.
func (r *Reconciler) updateDailyMetrics(asOf time.Time) error {
	settlements, err := r.store.SettlementsOn(asOf)
	if err != nil {
		return err
	}
	if len(settlements) == 0 {
		return nil
	}

	var probs, marketProbs []float64
	var labels []bool
	for _, st := range settlements {
		sig, err := r.store.LatestSignalForMarket(st.MarketTicker)
		if err != nil {
			return err
		}
		if sig == nil {
			continue
		}
		probs = append(probs, sig.ProbabilityYes)
		marketProbs = append(marketProbs, sig.MarketImpliedYes)
		labels = append(labels, st.SettledYes)
	}

	metrics := models.DailyMetrics{
		MetricDate:      asOf,
		ResolvedMarkets: len(settlements),
	}
	if len(probs) > 0 {
		modelBrier := modeling.Brier(probs, labels)
		modelLogLoss := modeling.LogLoss(probs, labels)
		metrics.BrierScore = sql.NullFloat64{Valid: true, Float64: modelBrier}
		metrics.LogLoss = sql.NullFloat64{Valid: true, Float64: modelLogLoss}
		metrics.CalibrationError = sql.NullFloat64{Valid: true, Float64: calibrationGap(probs, labels)}

		// Backtest against the market-implied probabilities frozen at
		// publish time. Positive edge means the model beat the market.
		marketBrier := modeling.Brier(marketProbs, labels)
		marketLogLoss := modeling.LogLoss(marketProbs, labels)
		metrics.MarketBrierScore = sql.NullFloat64{Valid: true, Float64: marketBrier}
		metrics.MarketLogLoss = sql.NullFloat64{Valid: true, Float64: marketLogLoss}
		metrics.BrierEdge = sql.NullFloat64{Valid: true, Float64: marketBrier - modelBrier}
		metrics.LogLossEdge = sql.NullFloat64{Valid: true, Float64: marketLogLoss - modelLogLoss}
	}

	gross, err := r.store.RealizedPnLForDate(asOf)
	if err != nil {
		return err
	}
	metrics.GrossPnL = gross
	metrics.NetPnL = gross

	series, err := r.store.ClosedPnLByDay(asOf)
	if err != nil {
		return err
	}
	metrics.MaxDrawdown = maxDrawdown(series)

	if err := r.store.UpsertDailyMetrics(metrics); err != nil {
		return fmt.Errorf("upsert daily metrics: %w", err)
	}
	return nil
}

func calibrationGap(probs []float64, labels []bool) float64 {
	meanP, meanY := 0.0, 0.0
	for i, p := range probs {
		meanP += p
		if labels[i] {
			meanY++
		}
	}
	n := float64(len(probs))
	return math.Abs(meanP/n - meanY/n)
}

// maxDrawdown is the largest peak-to-trough fall of the cumulative daily
// PnL series, reported as a positive number.
func maxDrawdown(daily []float64) float64 {
	equity, peak, worst := 0.0, 0.0, 0.0
	for _, d := range daily {
		equity += d
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > worst {
			worst = dd
		}
	}
	return worst
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}
