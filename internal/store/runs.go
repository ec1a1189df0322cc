package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/kalbot/internal/models"
)

// UpsertRunSummary writes the one-per-day run record. A re-run of the same
// date overwrites its own summary.
func (s *Store) UpsertRunSummary(rs models.RunSummary) error {
	stepsJSON, err := json.Marshal(rs.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO run_summaries (
			run_date, started_at, completed_at, model_artifact_id, status, steps,
			examples_built, candidates_ranked, signals_published, orders_placed
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_date) DO UPDATE SET
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			model_artifact_id = excluded.model_artifact_id,
			status = excluded.status,
			steps = excluded.steps,
			examples_built = excluded.examples_built,
			candidates_ranked = excluded.candidates_ranked,
			signals_published = excluded.signals_published,
			orders_placed = excluded.orders_placed
	`, dateStr(rs.RunDate), rs.StartedAt.UTC(), rs.CompletedAt.UTC(), rs.ModelArtifactID, rs.Status, string(stepsJSON),
		rs.Counts.ExamplesBuilt, rs.Counts.CandidatesRanked, rs.Counts.SignalsPublished, rs.Counts.OrdersPlaced)
	return err
}

func (s *Store) GetRunSummary(runDate time.Time) (*models.RunSummary, error) {
	row := s.db.QueryRow(`
		SELECT run_date, started_at, completed_at, model_artifact_id, status, steps,
		       examples_built, candidates_ranked, signals_published, orders_placed
		FROM run_summaries
		WHERE run_date = ?
	`, dateStr(runDate))

	var rs models.RunSummary
	var rd, stepsJSON string
	err := row.Scan(&rd, &rs.StartedAt, &rs.CompletedAt, &rs.ModelArtifactID, &rs.Status, &stepsJSON,
		&rs.Counts.ExamplesBuilt, &rs.Counts.CandidatesRanked, &rs.Counts.SignalsPublished, &rs.Counts.OrdersPlaced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rs.RunDate, err = time.Parse("2006-01-02", rd); err != nil {
		return nil, fmt.Errorf("parse run_date %q: %w", rd, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &rs.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &rs, nil
}
