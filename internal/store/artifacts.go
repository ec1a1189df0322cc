package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/kalbot/internal/models"
)

type stationStats struct {
	Bias  map[string]float64 `json:"bias"`
	Sigma map[string]float64 `json:"sigma"`
}

// InsertArtifact stores a training result and returns its id. Re-running
// the same (model_name, run_date) replaces that day's row in place, so a
// repeated pipeline run stays idempotent without touching other artifacts.
func (s *Store) InsertArtifact(a models.ModelArtifact) (int64, error) {
	statsJSON, err := json.Marshal(stationStats{Bias: a.StationBias, Sigma: a.StationSigma})
	if err != nil {
		return 0, fmt.Errorf("marshal station stats: %w", err)
	}
	calJSON, err := json.Marshal(a.Calibration)
	if err != nil {
		return 0, fmt.Errorf("marshal calibration: %w", err)
	}

	row := s.db.QueryRow(`
		INSERT INTO model_artifacts (
			model_name, run_date, trained_at, training_window_days, samples,
			global_sigma, rmse, station_stats, calibration,
			validation_score, calibration_error, is_current
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
		ON CONFLICT(model_name, run_date) DO UPDATE SET
			trained_at = excluded.trained_at,
			training_window_days = excluded.training_window_days,
			samples = excluded.samples,
			global_sigma = excluded.global_sigma,
			rmse = excluded.rmse,
			station_stats = excluded.station_stats,
			calibration = excluded.calibration,
			validation_score = excluded.validation_score,
			calibration_error = excluded.calibration_error
		RETURNING id
	`, a.ModelName, dateStr(a.RunDate), a.TrainedAt.UTC(), a.TrainingWindowDays, a.Samples,
		a.GlobalSigma, a.RMSE, string(statsJSON), string(calJSON),
		a.ValidationScore, a.CalibrationError)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

// PromoteArtifact makes the given artifact the single current one. The
// demotion of the old champion and promotion of the new one commit in the
// same transaction.
func (s *Store) PromoteArtifact(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE model_artifacts SET is_current = FALSE WHERE is_current = TRUE`); err != nil {
		return fmt.Errorf("demote current artifact: %w", err)
	}
	res, err := tx.Exec(`UPDATE model_artifacts SET is_current = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("promote artifact %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("promote artifact %d: no such artifact", id)
	}

	return tx.Commit()
}

// CurrentArtifact returns the promoted model, or (nil, nil) before the
// first promotion.
func (s *Store) CurrentArtifact() (*models.ModelArtifact, error) {
	return s.artifactWhere(`is_current = TRUE`)
}

// ArtifactForRun returns the artifact trained on the given run date, or
// (nil, nil) when that day produced none.
func (s *Store) ArtifactForRun(modelName string, runDate time.Time) (*models.ModelArtifact, error) {
	return s.artifactWhere(`model_name = ? AND run_date = ?`, modelName, dateStr(runDate))
}

func (s *Store) artifactWhere(cond string, args ...any) (*models.ModelArtifact, error) {
	row := s.db.QueryRow(`
		SELECT id, model_name, run_date, trained_at, training_window_days, samples,
		       global_sigma, rmse, station_stats, calibration,
		       validation_score, calibration_error, is_current
		FROM model_artifacts
		WHERE `+cond+`
		LIMIT 1
	`, args...)

	var a models.ModelArtifact
	var runDate string
	var statsJSON, calJSON string
	err := row.Scan(&a.ID, &a.ModelName, &runDate, &a.TrainedAt, &a.TrainingWindowDays, &a.Samples,
		&a.GlobalSigma, &a.RMSE, &statsJSON, &calJSON,
		&a.ValidationScore, &a.CalibrationError, &a.IsCurrent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if a.RunDate, err = time.Parse("2006-01-02", runDate); err != nil {
		return nil, fmt.Errorf("parse artifact run_date %q: %w", runDate, err)
	}
	var stats stationStats
	if err := json.Unmarshal([]byte(statsJSON), &stats); err != nil {
		return nil, fmt.Errorf("unmarshal station stats: %w", err)
	}
	a.StationBias = stats.Bias
	a.StationSigma = stats.Sigma
	if err := json.Unmarshal([]byte(calJSON), &a.Calibration); err != nil {
		return nil, fmt.Errorf("unmarshal calibration: %w", err)
	}
	return &a, nil
}
