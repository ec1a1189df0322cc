package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/kalbot/internal/models"
)

func (s *Store) UpsertStation(st models.Station) error {
	_, err := s.db.Exec(`
		INSERT INTO stations (station_id, city_code, name, timezone, priority, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			city_code = excluded.city_code,
			name = excluded.name,
			timezone = excluded.timezone,
			priority = excluded.priority,
			active = excluded.active
	`, st.StationID, st.CityCode, st.Name, st.Timezone, st.Priority, st.Active)
	return err
}

func (s *Store) GetActiveStations() ([]models.Station, error) {
	rows, err := s.db.Query(`
		SELECT station_id, city_code, name, timezone, priority, active
		FROM stations
		WHERE active = TRUE
		ORDER BY city_code, priority, station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		if err := rows.Scan(&st.StationID, &st.CityCode, &st.Name, &st.Timezone, &st.Priority, &st.Active); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

func (s *Store) InsertForecast(fp models.ForecastPoint) error {
	_, err := s.db.Exec(`
		INSERT INTO weather_forecasts (source, station_id, issued_at, valid_at, metric, value, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, station_id, issued_at, valid_at, metric) DO NOTHING
	`, fp.Source, fp.StationID, fp.IssuedAt.UTC(), fp.ValidAt.UTC(), fp.Metric, fp.Value, fp.Unit)
	return err
}

func (s *Store) InsertObservation(op models.ObservationPoint) error {
	_, err := s.db.Exec(`
		INSERT INTO weather_observations (station_id, observed_at, metric, value, unit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id, observed_at, metric) DO NOTHING
	`, op.StationID, op.ObservedAt.UTC(), op.Metric, op.Value, op.Unit)
	return err
}

// ForecastLow is the predicted daily low for one station and target date,
// taken from the most recent forecast issuance at or before the as-of time.
type ForecastLow struct {
	StationID string
	ValueF    float64
	IssuedAt  time.Time
}

// LatestForecastLow returns the forecast daily low in °F for a station and
// target date, using only issuances at or before asOf. Returns (nil, nil)
// when the station has no usable forecast.
func (s *Store) LatestForecastLow(stationID string, targetDate time.Time, asOf time.Time) (*ForecastLow, error) {
	row := s.db.QueryRow(`
		WITH latest AS (
			SELECT MAX(issued_at) AS issued_at
			FROM weather_forecasts
			WHERE station_id = ?
			  AND metric = 'temperature'
			  AND SUBSTR(valid_at, 1, 10) = ?
			  AND issued_at <= ?
		)
		SELECT MIN(`+fahrenheitExpr+`), l.issued_at
		FROM weather_forecasts f
		JOIN latest l ON f.issued_at = l.issued_at
		WHERE f.station_id = ?
		  AND f.metric = 'temperature'
		  AND SUBSTR(f.valid_at, 1, 10) = ?
	`, stationID, dateStr(targetDate), asOf.UTC(), stationID, dateStr(targetDate))

	var low sql.NullFloat64
	var issuedAt sql.NullTime
	if err := row.Scan(&low, &issuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if !low.Valid || !issuedAt.Valid {
		return nil, nil
	}
	return &ForecastLow{StationID: stationID, ValueF: low.Float64, IssuedAt: issuedAt.Time}, nil
}

// ObservedLow returns the observed daily low in °F for a station and date,
// along with the number of observations behind it. Returns (nil, 0, nil)
// when the day has no temperature observations.
func (s *Store) ObservedLow(stationID string, date time.Time) (*float64, int, error) {
	row := s.db.QueryRow(`
		SELECT MIN(`+fahrenheitExpr+`), COUNT(*)
		FROM weather_observations
		WHERE station_id = ?
		  AND metric = 'temperature'
		  AND SUBSTR(observed_at, 1, 10) = ?
	`, stationID, dateStr(date))

	var low sql.NullFloat64
	var count int
	if err := row.Scan(&low, &count); err != nil {
		return nil, 0, err
	}
	if !low.Valid {
		return nil, 0, nil
	}
	return &low.Float64, count, nil
}

// ErrorSample is one (station, date) pair of forecast daily low vs observed
// daily low, both in °F. The trainer's bias and sigma statistics are built
// from these.
type ErrorSample struct {
	StationID   string
	Date        string
	ForecastLow float64
	ObservedLow float64
}

func (e ErrorSample) Error() float64 {
	return e.ForecastLow - e.ObservedLow
}

// ForecastErrorSamples joins each (station, date)'s latest-issued forecast
// low with the observed low, restricted to completed days inside the
// training window ending at asOf. Ordered by station then date so callers
// see a deterministic sequence.
func (s *Store) ForecastErrorSamples(windowDays int, asOf time.Time) ([]ErrorSample, error) {
	cutoff := dateStr(asOf.AddDate(0, 0, -windowDays))
	today := dateStr(asOf)

	rows, err := s.db.Query(`
		WITH latest_issue AS (
			SELECT station_id, SUBSTR(valid_at, 1, 10) AS fdate, MAX(issued_at) AS issued_at
			FROM weather_forecasts
			WHERE metric = 'temperature'
			GROUP BY station_id, SUBSTR(valid_at, 1, 10)
		),
		forecast_daily AS (
			SELECT f.station_id, li.fdate, MIN(`+fahrenheitExpr+`) AS forecast_low
			FROM weather_forecasts f
			JOIN latest_issue li
			  ON li.station_id = f.station_id
			 AND li.fdate = SUBSTR(f.valid_at, 1, 10)
			 AND li.issued_at = f.issued_at
			WHERE f.metric = 'temperature'
			GROUP BY f.station_id, li.fdate
		),
		obs_daily AS (
			SELECT station_id, SUBSTR(observed_at, 1, 10) AS odate, MIN(`+fahrenheitExpr+`) AS observed_low
			FROM weather_observations
			WHERE metric = 'temperature'
			GROUP BY station_id, SUBSTR(observed_at, 1, 10)
		)
		SELECT fd.station_id, fd.fdate, fd.forecast_low, od.observed_low
		FROM forecast_daily fd
		JOIN obs_daily od ON od.station_id = fd.station_id AND od.odate = fd.fdate
		WHERE fd.fdate >= ? AND fd.fdate < ?
		ORDER BY fd.station_id, fd.fdate
	`, cutoff, today)
	if err != nil {
		return nil, fmt.Errorf("query forecast error samples: %w", err)
	}
	defer rows.Close()

	var samples []ErrorSample
	for rows.Next() {
		var e ErrorSample
		if err := rows.Scan(&e.StationID, &e.Date, &e.ForecastLow, &e.ObservedLow); err != nil {
			return nil, err
		}
		samples = append(samples, e)
	}
	return samples, rows.Err()
}
