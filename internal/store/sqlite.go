package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the sqlite database with WAL journaling and a busy timeout.
// The first ping is retried with backoff so a run starting while another
// process still holds the write lock does not fail outright.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(db.Ping, bo); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// dateStr renders a time as the YYYY-MM-DD key used by run_date and
// target-date columns.
func dateStr(t time.Time) string {
	return t.Format("2006-01-02")
}

// fahrenheitExpr converts a stored temperature value to °F in SQL. Sources
// report either Fahrenheit or Celsius depending on the feed.
const fahrenheitExpr = `CASE
	WHEN unit IN ('C', 'degC', 'wmoUnit:degC') THEN value * 9.0 / 5.0 + 32.0
	ELSE value
END`
