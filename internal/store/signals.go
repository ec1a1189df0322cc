package store

import (
	"fmt"
	"time"

	"github.com/lox/kalbot/internal/models"
)

// ReplacePublishedSignals writes a run's top-set as the single active set.
// Every previously active set is deactivated (never deleted) and a re-run
// of the same date replaces its own rows, all in one transaction.
func (s *Store) ReplacePublishedSignals(runDate time.Time, signals []models.PublishedSignal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE published_signals SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
		return fmt.Errorf("deactivate prior signals: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM published_signals WHERE run_date = ?`, dateStr(runDate)); err != nil {
		return fmt.Errorf("clear same-day signals: %w", err)
	}

	for _, sig := range signals {
		if _, err := tx.Exec(`
			INSERT INTO published_signals (
				run_date, market_ticker, rank, probability_yes, market_implied_yes,
				edge, confidence, forecast_coverage, liquidity,
				rationale, data_source_url, is_active, published_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?)
		`, dateStr(runDate), sig.MarketTicker, sig.Rank, sig.ProbabilityYes, sig.MarketImpliedYes,
			sig.Edge, sig.Confidence, sig.ForecastCoverage, sig.Liquidity,
			sig.Rationale, sig.DataSourceURL, sig.PublishedAt.UTC()); err != nil {
			return fmt.Errorf("insert signal %s: %w", sig.MarketTicker, err)
		}
	}

	return tx.Commit()
}

// ActiveSignals returns the currently active set ordered by rank.
func (s *Store) ActiveSignals() ([]models.PublishedSignal, error) {
	rows, err := s.db.Query(`
		SELECT run_date, market_ticker, rank, probability_yes, market_implied_yes,
		       edge, confidence, forecast_coverage, liquidity,
		       rationale, data_source_url, is_active, published_at
		FROM published_signals
		WHERE is_active = TRUE
		ORDER BY rank
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []models.PublishedSignal
	for rows.Next() {
		var sig models.PublishedSignal
		var runDate string
		if err := rows.Scan(&runDate, &sig.MarketTicker, &sig.Rank, &sig.ProbabilityYes, &sig.MarketImpliedYes,
			&sig.Edge, &sig.Confidence, &sig.ForecastCoverage, &sig.Liquidity,
			&sig.Rationale, &sig.DataSourceURL, &sig.IsActive, &sig.PublishedAt); err != nil {
			return nil, err
		}
		if sig.RunDate, err = time.Parse("2006-01-02", runDate); err != nil {
			return nil, fmt.Errorf("parse signal run_date %q: %w", runDate, err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// LatestSignalForMarket returns the most recent published signal for a
// market across all runs, or (nil, nil) when none was ever published. The
// reconciler scores settled markets against these probabilities.
func (s *Store) LatestSignalForMarket(ticker string) (*models.PublishedSignal, error) {
	rows, err := s.db.Query(`
		SELECT run_date, market_ticker, rank, probability_yes, market_implied_yes,
		       edge, confidence, forecast_coverage, liquidity,
		       rationale, data_source_url, is_active, published_at
		FROM published_signals
		WHERE market_ticker = ?
		ORDER BY run_date DESC
		LIMIT 1
	`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var sig models.PublishedSignal
	var runDate string
	if err := rows.Scan(&runDate, &sig.MarketTicker, &sig.Rank, &sig.ProbabilityYes, &sig.MarketImpliedYes,
		&sig.Edge, &sig.Confidence, &sig.ForecastCoverage, &sig.Liquidity,
		&sig.Rationale, &sig.DataSourceURL, &sig.IsActive, &sig.PublishedAt); err != nil {
		return nil, err
	}
	if sig.RunDate, err = time.Parse("2006-01-02", runDate); err != nil {
		return nil, fmt.Errorf("parse signal run_date %q: %w", runDate, err)
	}
	return &sig, nil
}
