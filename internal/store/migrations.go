package store

import (
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    city_code TEXT NOT NULL,
    name TEXT,
    timezone TEXT,
    priority INTEGER DEFAULT 0,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS weather_forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    station_id TEXT NOT NULL,
    issued_at DATETIME NOT NULL,
    valid_at DATETIME NOT NULL,
    metric TEXT NOT NULL,
    value REAL NOT NULL,
    unit TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source, station_id, issued_at, valid_at, metric)
);

CREATE TABLE IF NOT EXISTS weather_observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    metric TEXT NOT NULL,
    value REAL NOT NULL,
    unit TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(station_id, observed_at, metric)
);

CREATE TABLE IF NOT EXISTS markets (
    market_ticker TEXT PRIMARY KEY,
    event_ticker TEXT NOT NULL,
    title TEXT NOT NULL,
    close_time DATETIME NOT NULL,
    settle_time DATETIME,
    status TEXT DEFAULT 'open',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS market_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    market_ticker TEXT NOT NULL REFERENCES markets(market_ticker),
    bid_yes REAL,
    ask_yes REAL,
    last_price_yes REAL,
    volume INTEGER,
    captured_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS model_artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_name TEXT NOT NULL,
    run_date DATE NOT NULL,
    trained_at DATETIME NOT NULL,
    training_window_days INTEGER NOT NULL,
    samples INTEGER NOT NULL,
    global_sigma REAL NOT NULL,
    rmse REAL NOT NULL,
    station_stats TEXT NOT NULL,
    calibration TEXT NOT NULL,
    validation_score REAL,
    calibration_error REAL,
    is_current BOOLEAN DEFAULT FALSE,
    UNIQUE(model_name, run_date)
);

CREATE TABLE IF NOT EXISTS published_signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_date DATE NOT NULL,
    market_ticker TEXT NOT NULL,
    rank INTEGER NOT NULL,
    probability_yes REAL NOT NULL,
    market_implied_yes REAL NOT NULL,
    edge REAL NOT NULL,
    confidence REAL NOT NULL,
    forecast_coverage REAL NOT NULL,
    liquidity REAL NOT NULL,
    rationale TEXT,
    data_source_url TEXT,
    is_active BOOLEAN DEFAULT FALSE,
    published_at DATETIME NOT NULL,
    UNIQUE(run_date, market_ticker)
);

CREATE TABLE IF NOT EXISTS trade_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_date DATE NOT NULL,
    market_ticker TEXT NOT NULL,
    edge REAL NOT NULL,
    threshold REAL NOT NULL,
    approved BOOLEAN NOT NULL,
    reason TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_date, market_ticker)
);

CREATE TABLE IF NOT EXISTS orders (
    order_ref TEXT PRIMARY KEY,
    run_date DATE NOT NULL,
    market_ticker TEXT NOT NULL,
    side TEXT NOT NULL,
    contracts INTEGER NOT NULL,
    limit_price REAL NOT NULL,
    edge REAL NOT NULL,
    status TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    market_ticker TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    contracts INTEGER NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME,
    realized_pnl REAL,
    status TEXT NOT NULL DEFAULT 'open'
);

CREATE TABLE IF NOT EXISTS run_summaries (
    run_date DATE PRIMARY KEY,
    started_at DATETIME NOT NULL,
    completed_at DATETIME NOT NULL,
    model_artifact_id INTEGER,
    status TEXT NOT NULL,
    steps TEXT NOT NULL,
    examples_built INTEGER DEFAULT 0,
    candidates_ranked INTEGER DEFAULT 0,
    signals_published INTEGER DEFAULT 0,
    orders_placed INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_forecasts_station_valid ON weather_forecasts(station_id, valid_at);
CREATE INDEX IF NOT EXISTS idx_obs_station_time ON weather_observations(station_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_market_time ON market_snapshots(market_ticker, captured_at);
CREATE INDEX IF NOT EXISTS idx_signals_active ON published_signals(is_active);
CREATE INDEX IF NOT EXISTS idx_orders_run ON orders(run_date);
`,
	},
	{
		Version:     2,
		Description: "Settlement outcomes and daily accuracy metrics",
		SQL: `
CREATE TABLE IF NOT EXISTS settlements (
    market_ticker TEXT PRIMARY KEY REFERENCES markets(market_ticker),
    settled_yes BOOLEAN NOT NULL,
    observed_low REAL NOT NULL,
    settled_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS daily_metrics (
    metric_date DATE PRIMARY KEY,
    resolved_markets INTEGER NOT NULL DEFAULT 0,
    brier_score REAL,
    log_loss REAL,
    calibration_error REAL,
    gross_pnl REAL NOT NULL DEFAULT 0,
    net_pnl REAL NOT NULL DEFAULT 0,
    max_drawdown REAL NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_settlements_settled_at ON settlements(settled_at);
`,
	},
	{
		Version:     3,
		Description: "Model-vs-market baseline columns on daily metrics",
		SQL: `
ALTER TABLE daily_metrics ADD COLUMN market_brier REAL;
ALTER TABLE daily_metrics ADD COLUMN market_log_loss REAL;
ALTER TABLE daily_metrics ADD COLUMN brier_edge REAL;
ALTER TABLE daily_metrics ADD COLUMN log_loss_edge REAL;
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
