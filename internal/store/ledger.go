package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/kalbot/internal/models"
)

func (s *Store) UpsertDecision(d models.TradeDecision) error {
	_, err := s.db.Exec(`
		INSERT INTO trade_decisions (run_date, market_ticker, edge, threshold, approved, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_date, market_ticker) DO UPDATE SET
			edge = excluded.edge,
			threshold = excluded.threshold,
			approved = excluded.approved,
			reason = excluded.reason
	`, dateStr(d.RunDate), d.MarketTicker, d.Edge, d.Threshold, d.Approved, d.Reason, d.CreatedAt.UTC())
	return err
}

func (s *Store) DecisionsForRun(runDate time.Time) ([]models.TradeDecision, error) {
	rows, err := s.db.Query(`
		SELECT run_date, market_ticker, edge, threshold, approved, reason, created_at
		FROM trade_decisions
		WHERE run_date = ?
		ORDER BY id
	`, dateStr(runDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []models.TradeDecision
	for rows.Next() {
		var d models.TradeDecision
		var rd string
		if err := rows.Scan(&rd, &d.MarketTicker, &d.Edge, &d.Threshold, &d.Approved, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		if d.RunDate, err = time.Parse("2006-01-02", rd); err != nil {
			return nil, fmt.Errorf("parse decision run_date %q: %w", rd, err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// InsertOrder records a simulated fill. The order_ref primary key makes
// repeat runs no-ops; the return value reports whether the row was new.
func (s *Store) InsertOrder(o models.Order) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO orders (order_ref, run_date, market_ticker, side, contracts, limit_price, edge, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_ref) DO NOTHING
	`, o.OrderRef, dateStr(o.RunDate), o.MarketTicker, o.Side, o.Contracts, o.LimitPrice, o.Edge, o.Status, o.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OrderForRun returns the order a run already placed for a market, or
// (nil, nil) if none exists. Re-runs use this to replay earlier approvals.
func (s *Store) OrderForRun(runDate time.Time, ticker string) (*models.Order, error) {
	row := s.db.QueryRow(`
		SELECT order_ref, run_date, market_ticker, side, contracts, limit_price, edge, status, created_at
		FROM orders
		WHERE run_date = ? AND market_ticker = ?
	`, dateStr(runDate), ticker)
	return scanOrder(row)
}

func (s *Store) OrdersForRun(runDate time.Time) ([]models.Order, error) {
	rows, err := s.db.Query(`
		SELECT order_ref, run_date, market_ticker, side, contracts, limit_price, edge, status, created_at
		FROM orders
		WHERE run_date = ?
		ORDER BY market_ticker
	`, dateStr(runDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var rd string
		if err := rows.Scan(&o.OrderRef, &rd, &o.MarketTicker, &o.Side, &o.Contracts, &o.LimitPrice, &o.Edge, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		if o.RunDate, err = time.Parse("2006-01-02", rd); err != nil {
			return nil, fmt.Errorf("parse order run_date %q: %w", rd, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	var rd string
	err := row.Scan(&o.OrderRef, &rd, &o.MarketTicker, &o.Side, &o.Contracts, &o.LimitPrice, &o.Edge, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if o.RunDate, err = time.Parse("2006-01-02", rd); err != nil {
		return nil, fmt.Errorf("parse order run_date %q: %w", rd, err)
	}
	return &o, nil
}

// OpenPosition returns the oldest open position for a market, or (nil, nil).
func (s *Store) OpenPosition(ticker string) (*models.Position, error) {
	row := s.db.QueryRow(`
		SELECT id, market_ticker, side, entry_price, contracts, opened_at, closed_at, realized_pnl, status
		FROM positions
		WHERE market_ticker = ? AND status = 'open'
		ORDER BY id
		LIMIT 1
	`, ticker)

	var p models.Position
	err := row.Scan(&p.ID, &p.MarketTicker, &p.Side, &p.EntryPrice, &p.Contracts, &p.OpenedAt, &p.ClosedAt, &p.RealizedPnL, &p.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenPositions returns every open position for a market, oldest first. A
// market can carry one position per side, so there may be two.
func (s *Store) OpenPositions(ticker string) ([]models.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, market_ticker, side, entry_price, contracts, opened_at, closed_at, realized_pnl, status
		FROM positions
		WHERE market_ticker = ? AND status = 'open'
		ORDER BY id
	`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.MarketTicker, &p.Side, &p.EntryPrice, &p.Contracts, &p.OpenedAt, &p.ClosedAt, &p.RealizedPnL, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertPosition(p models.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (market_ticker, side, entry_price, contracts, opened_at, status)
		VALUES (?, ?, ?, ?, ?, 'open')
	`, p.MarketTicker, p.Side, p.EntryPrice, p.Contracts, p.OpenedAt.UTC())
	return err
}

// ClosePosition settles every open position for a market. A contract pays
// out 1.00 when it settles in the holder's favor, so PnL per contract is
// (1 - entry) on a win and -entry on a loss.
func (s *Store) ClosePosition(ticker string, settledYes bool, settledAt time.Time) error {
	open, err := s.OpenPositions(ticker)
	if err != nil {
		return err
	}

	for _, p := range open {
		won := (p.Side == models.SideYes) == settledYes
		pnl := -p.EntryPrice * float64(p.Contracts)
		if won {
			pnl = (1.0 - p.EntryPrice) * float64(p.Contracts)
		}

		if _, err := s.db.Exec(`
			UPDATE positions
			SET status = 'closed', closed_at = ?, realized_pnl = ?
			WHERE id = ? AND status = 'open'
		`, settledAt.UTC(), pnl, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// RunNotional sums the committed notional of a run's orders. Re-runs seed
// their daily-budget accumulator from this.
func (s *Store) RunNotional(runDate time.Time) (float64, error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(contracts * limit_price), 0)
		FROM orders
		WHERE run_date = ?
	`, dateStr(runDate))
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) UpsertSettlement(st models.Settlement) error {
	_, err := s.db.Exec(`
		INSERT INTO settlements (market_ticker, settled_yes, observed_low, settled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(market_ticker) DO NOTHING
	`, st.MarketTicker, st.SettledYes, st.ObservedLow, st.SettledAt.UTC())
	return err
}

func (s *Store) GetSettlement(ticker string) (*models.Settlement, error) {
	row := s.db.QueryRow(`
		SELECT market_ticker, settled_yes, observed_low, settled_at
		FROM settlements
		WHERE market_ticker = ?
	`, ticker)

	var st models.Settlement
	err := row.Scan(&st.MarketTicker, &st.SettledYes, &st.ObservedLow, &st.SettledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SettlementsOn returns the settlements recorded for one date, ordered by
// ticker.
func (s *Store) SettlementsOn(date time.Time) ([]models.Settlement, error) {
	rows, err := s.db.Query(`
		SELECT market_ticker, settled_yes, observed_low, settled_at
		FROM settlements
		WHERE SUBSTR(settled_at, 1, 10) = ?
		ORDER BY market_ticker
	`, dateStr(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Settlement
	for rows.Next() {
		var st models.Settlement
		if err := rows.Scan(&st.MarketTicker, &st.SettledYes, &st.ObservedLow, &st.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RealizedPnLForDate sums the realized PnL of positions closed on a date.
func (s *Store) RealizedPnLForDate(date time.Time) (float64, error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE status = 'closed' AND SUBSTR(closed_at, 1, 10) = ?
	`, dateStr(date))
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ClosedPnLByDay returns realized PnL summed per close date, in date order.
// Drawdown is computed over this daily equity series.
func (s *Store) ClosedPnLByDay(upTo time.Time) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE status = 'closed' AND closed_at <= ?
		GROUP BY SUBSTR(closed_at, 1, 10)
		ORDER BY SUBSTR(closed_at, 1, 10)
	`, upTo.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var series []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		series = append(series, v)
	}
	return series, rows.Err()
}

func (s *Store) UpsertDailyMetrics(m models.DailyMetrics) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_metrics (metric_date, resolved_markets, brier_score, log_loss, calibration_error,
			market_brier, market_log_loss, brier_edge, log_loss_edge, gross_pnl, net_pnl, max_drawdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_date) DO UPDATE SET
			resolved_markets = excluded.resolved_markets,
			brier_score = excluded.brier_score,
			log_loss = excluded.log_loss,
			calibration_error = excluded.calibration_error,
			market_brier = excluded.market_brier,
			market_log_loss = excluded.market_log_loss,
			brier_edge = excluded.brier_edge,
			log_loss_edge = excluded.log_loss_edge,
			gross_pnl = excluded.gross_pnl,
			net_pnl = excluded.net_pnl,
			max_drawdown = excluded.max_drawdown
	`, dateStr(m.MetricDate), m.ResolvedMarkets, m.BrierScore, m.LogLoss, m.CalibrationError,
		m.MarketBrierScore, m.MarketLogLoss, m.BrierEdge, m.LogLossEdge, m.GrossPnL, m.NetPnL, m.MaxDrawdown)
	return err
}

func (s *Store) GetDailyMetrics(date time.Time) (*models.DailyMetrics, error) {
	row := s.db.QueryRow(`
		SELECT metric_date, resolved_markets, brier_score, log_loss, calibration_error,
		       market_brier, market_log_loss, brier_edge, log_loss_edge, gross_pnl, net_pnl, max_drawdown
		FROM daily_metrics
		WHERE metric_date = ?
	`, dateStr(date))

	var m models.DailyMetrics
	var md string
	err := row.Scan(&md, &m.ResolvedMarkets, &m.BrierScore, &m.LogLoss, &m.CalibrationError,
		&m.MarketBrierScore, &m.MarketLogLoss, &m.BrierEdge, &m.LogLossEdge, &m.GrossPnL, &m.NetPnL, &m.MaxDrawdown)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.MetricDate, err = time.Parse("2006-01-02", md); err != nil {
		return nil, fmt.Errorf("parse metric_date %q: %w", md, err)
	}
	return &m, nil
}
