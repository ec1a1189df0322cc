package store

import (
	"database/sql"
	"time"

	"github.com/lox/kalbot/internal/models"
)

func (s *Store) UpsertMarket(m models.Market) error {
	_, err := s.db.Exec(`
		INSERT INTO markets (market_ticker, event_ticker, title, close_time, settle_time, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_ticker) DO UPDATE SET
			event_ticker = excluded.event_ticker,
			title = excluded.title,
			close_time = excluded.close_time,
			settle_time = excluded.settle_time,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, m.Ticker, m.EventTicker, m.Title, m.CloseTime.UTC(), m.SettleTime, m.Status, time.Now().UTC())
	return err
}

func (s *Store) InsertQuote(q models.MarketQuote) error {
	_, err := s.db.Exec(`
		INSERT INTO market_snapshots (market_ticker, bid_yes, ask_yes, last_price_yes, volume, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.MarketTicker, q.BidYes, q.AskYes, q.LastPriceYes, q.Volume, q.CapturedAt.UTC())
	return err
}

// OpenMarkets returns markets still trading as of the given time, ordered
// by ticker so downstream fan-out starts from a deterministic sequence.
func (s *Store) OpenMarkets(asOf time.Time) ([]models.Market, error) {
	rows, err := s.db.Query(`
		SELECT market_ticker, event_ticker, title, close_time, settle_time, status
		FROM markets
		WHERE close_time > ?
		  AND status NOT IN ('settled', 'closed')
		ORDER BY market_ticker
	`, asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

// GetMarket returns a market by ticker, or (nil, nil) when unknown.
func (s *Store) GetMarket(ticker string) (*models.Market, error) {
	row := s.db.QueryRow(`
		SELECT market_ticker, event_ticker, title, close_time, settle_time, status
		FROM markets
		WHERE market_ticker = ?
	`, ticker)

	var m models.Market
	err := row.Scan(&m.Ticker, &m.EventTicker, &m.Title, &m.CloseTime, &m.SettleTime, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestQuote returns the most recent snapshot for a market captured at or
// before asOf, or (nil, nil) when no snapshot exists yet.
func (s *Store) LatestQuote(ticker string, asOf time.Time) (*models.MarketQuote, error) {
	row := s.db.QueryRow(`
		SELECT id, market_ticker, bid_yes, ask_yes, last_price_yes, volume, captured_at
		FROM market_snapshots
		WHERE market_ticker = ? AND captured_at <= ?
		ORDER BY captured_at DESC
		LIMIT 1
	`, ticker, asOf.UTC())

	var q models.MarketQuote
	err := row.Scan(&q.ID, &q.MarketTicker, &q.BidYes, &q.AskYes, &q.LastPriceYes, &q.Volume, &q.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// SettledMarket pairs a market with its recorded settlement outcome.
type SettledMarket struct {
	Market     models.Market
	Settlement models.Settlement
}

// SettledMarketsSince returns markets settled on or after the cutoff,
// ordered by ticker. The calibrator's labeled examples come from these.
func (s *Store) SettledMarketsSince(cutoff time.Time) ([]SettledMarket, error) {
	rows, err := s.db.Query(`
		SELECT m.market_ticker, m.event_ticker, m.title, m.close_time, m.settle_time, m.status,
		       st.settled_yes, st.observed_low, st.settled_at
		FROM markets m
		JOIN settlements st ON st.market_ticker = m.market_ticker
		WHERE st.settled_at >= ?
		ORDER BY m.market_ticker
	`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettledMarket
	for rows.Next() {
		var sm SettledMarket
		if err := rows.Scan(
			&sm.Market.Ticker, &sm.Market.EventTicker, &sm.Market.Title,
			&sm.Market.CloseTime, &sm.Market.SettleTime, &sm.Market.Status,
			&sm.Settlement.SettledYes, &sm.Settlement.ObservedLow, &sm.Settlement.SettledAt,
		); err != nil {
			return nil, err
		}
		sm.Settlement.MarketTicker = sm.Market.Ticker
		out = append(out, sm)
	}
	return out, rows.Err()
}

// MarketsNeedingSettlement returns markets whose close time has passed but
// that have no settlement row yet.
func (s *Store) MarketsNeedingSettlement(asOf time.Time) ([]models.Market, error) {
	rows, err := s.db.Query(`
		SELECT m.market_ticker, m.event_ticker, m.title, m.close_time, m.settle_time, m.status
		FROM markets m
		LEFT JOIN settlements st ON st.market_ticker = m.market_ticker
		WHERE m.close_time <= ?
		  AND st.market_ticker IS NULL
		ORDER BY m.market_ticker
	`, asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func scanMarkets(rows *sql.Rows) ([]models.Market, error) {
	var markets []models.Market
	for rows.Next() {
		var m models.Market
		if err := rows.Scan(&m.Ticker, &m.EventTicker, &m.Title, &m.CloseTime, &m.SettleTime, &m.Status); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
