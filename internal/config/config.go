package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the trading pipeline configuration.
type Config struct {
	Model struct {
		Name                 string  `yaml:"name"`
		TrainingWindowDays   int     `yaml:"training_window_days"`
		MinTrainingExamples  int     `yaml:"min_training_examples"`
		MinCalibrationLabels int     `yaml:"min_calibration_labels"`
		SigmaFloor           float64 `yaml:"sigma_floor"`
		RegressionTolerance  float64 `yaml:"regression_tolerance"`
	} `yaml:"model"`
	Features struct {
		FreshnessSLAHours float64 `yaml:"freshness_sla_hours"`
		Workers           int     `yaml:"workers"`
	} `yaml:"features"`
	Ranking struct {
		TopN int `yaml:"top_n"`
	} `yaml:"ranking"`
	Risk struct {
		EdgeThreshold        float64 `yaml:"edge_threshold"`
		MaxNotionalPerSignal float64 `yaml:"max_notional_per_signal"`
		MaxDailyNotional     float64 `yaml:"max_daily_notional"`
		MaxContractsPerOrder int     `yaml:"max_contracts_per_order"`
	} `yaml:"risk"`
	Settlement struct {
		MinObservations int `yaml:"min_observations"`
	} `yaml:"settlement"`
	Schedule struct {
		DailyCron string `yaml:"daily_cron"`
	} `yaml:"schedule"`
	// Cities maps a market ticker city code (e.g. "NYC") to its station
	// candidates in priority order.
	Cities map[string][]string `yaml:"cities"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides, then fills defaults. A missing file is fine; the defaults
// describe a complete working setup.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("KALBOT_EDGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.EdgeThreshold = f
		}
	}
	if v := os.Getenv("KALBOT_MAX_DAILY_NOTIONAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxDailyNotional = f
		}
	}
	if v := os.Getenv("KALBOT_MAX_NOTIONAL_PER_SIGNAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxNotionalPerSignal = f
		}
	}
	if v := os.Getenv("KALBOT_TOP_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ranking.TopN = n
		}
	}
	if v := os.Getenv("KALBOT_TRAINING_WINDOW_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.TrainingWindowDays = n
		}
	}
	if v := os.Getenv("KALBOT_DAILY_CRON"); v != "" {
		cfg.Schedule.DailyCron = v
	}

	// Defaults
	if cfg.Model.Name == "" {
		cfg.Model.Name = "low-temp-v1"
	}
	if cfg.Model.TrainingWindowDays == 0 {
		cfg.Model.TrainingWindowDays = 45
	}
	if cfg.Model.MinTrainingExamples == 0 {
		cfg.Model.MinTrainingExamples = 20
	}
	if cfg.Model.MinCalibrationLabels == 0 {
		cfg.Model.MinCalibrationLabels = 8
	}
	if cfg.Model.SigmaFloor == 0 {
		cfg.Model.SigmaFloor = 1.5
	}
	if cfg.Model.RegressionTolerance == 0 {
		cfg.Model.RegressionTolerance = 0.02
	}
	if cfg.Features.FreshnessSLAHours == 0 {
		cfg.Features.FreshnessSLAHours = 24
	}
	if cfg.Features.Workers == 0 {
		cfg.Features.Workers = 4
	}
	if cfg.Ranking.TopN == 0 {
		cfg.Ranking.TopN = 10
	}
	if cfg.Risk.EdgeThreshold == 0 {
		cfg.Risk.EdgeThreshold = 0.05
	}
	if cfg.Risk.MaxNotionalPerSignal == 0 {
		cfg.Risk.MaxNotionalPerSignal = 50
	}
	if cfg.Risk.MaxDailyNotional == 0 {
		cfg.Risk.MaxDailyNotional = 250
	}
	if cfg.Risk.MaxContractsPerOrder == 0 {
		cfg.Risk.MaxContractsPerOrder = 100
	}
	if cfg.Settlement.MinObservations == 0 {
		cfg.Settlement.MinObservations = 12
	}
	if cfg.Schedule.DailyCron == "" {
		cfg.Schedule.DailyCron = "0 30 10 * * *"
	}
	if len(cfg.Cities) == 0 {
		cfg.Cities = DefaultCities()
	}

	return cfg, nil
}

// DefaultCities is the built-in city code to station candidate table for
// the low-temperature market series.
func DefaultCities() map[string][]string {
	return map[string][]string{
		"NYC":  {"KNYC", "KLGA"},
		"CHI":  {"KMDW", "KORD"},
		"MIA":  {"KMIA"},
		"AUS":  {"KAUS"},
		"DEN":  {"KDEN"},
		"PHIL": {"KPHL"},
		"LAX":  {"KLAX"},
	}
}

// Validate checks that the configured values describe a runnable pipeline.
func (c *Config) Validate() error {
	if c.Model.TrainingWindowDays <= 0 {
		return fmt.Errorf("model.training_window_days must be positive")
	}
	if c.Model.SigmaFloor <= 0 {
		return fmt.Errorf("model.sigma_floor must be positive")
	}
	if c.Model.RegressionTolerance < 0 {
		return fmt.Errorf("model.regression_tolerance must not be negative")
	}
	if c.Risk.EdgeThreshold <= 0 || c.Risk.EdgeThreshold >= 1 {
		return fmt.Errorf("risk.edge_threshold must be in (0, 1)")
	}
	if c.Risk.MaxNotionalPerSignal <= 0 {
		return fmt.Errorf("risk.max_notional_per_signal must be positive")
	}
	if c.Risk.MaxDailyNotional < c.Risk.MaxNotionalPerSignal {
		return fmt.Errorf("risk.max_daily_notional must be at least max_notional_per_signal")
	}
	if c.Risk.MaxContractsPerOrder <= 0 {
		return fmt.Errorf("risk.max_contracts_per_order must be positive")
	}
	if c.Ranking.TopN <= 0 {
		return fmt.Errorf("ranking.top_n must be positive")
	}
	if len(c.Cities) == 0 {
		return fmt.Errorf("cities table must not be empty")
	}
	return nil
}
