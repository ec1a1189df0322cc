package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Model.Name != "low-temp-v1" {
		t.Errorf("Model.Name = %q, want low-temp-v1", cfg.Model.Name)
	}
	if cfg.Model.TrainingWindowDays != 45 {
		t.Errorf("TrainingWindowDays = %d, want 45", cfg.Model.TrainingWindowDays)
	}
	if cfg.Model.SigmaFloor != 1.5 {
		t.Errorf("SigmaFloor = %v, want 1.5", cfg.Model.SigmaFloor)
	}
	if cfg.Risk.EdgeThreshold != 0.05 {
		t.Errorf("EdgeThreshold = %v, want 0.05", cfg.Risk.EdgeThreshold)
	}
	if len(cfg.Cities["NYC"]) == 0 {
		t.Error("default city table missing NYC")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kalbot.yaml")
	data := `
model:
  training_window_days: 60
risk:
  edge_threshold: 0.08
  max_daily_notional: 500
cities:
  NYC: [KLGA]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.TrainingWindowDays != 60 {
		t.Errorf("TrainingWindowDays = %d, want 60", cfg.Model.TrainingWindowDays)
	}
	if cfg.Risk.EdgeThreshold != 0.08 {
		t.Errorf("EdgeThreshold = %v, want 0.08", cfg.Risk.EdgeThreshold)
	}
	if cfg.Risk.MaxDailyNotional != 500 {
		t.Errorf("MaxDailyNotional = %v, want 500", cfg.Risk.MaxDailyNotional)
	}
	// Unset values still fall back to defaults.
	if cfg.Model.SigmaFloor != 1.5 {
		t.Errorf("SigmaFloor = %v, want default 1.5", cfg.Model.SigmaFloor)
	}
	if got := cfg.Cities["NYC"]; len(got) != 1 || got[0] != "KLGA" {
		t.Errorf("Cities[NYC] = %v, want [KLGA]", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KALBOT_EDGE_THRESHOLD", "0.12")
	t.Setenv("KALBOT_TOP_N", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Risk.EdgeThreshold != 0.12 {
		t.Errorf("EdgeThreshold = %v, want env override 0.12", cfg.Risk.EdgeThreshold)
	}
	if cfg.Ranking.TopN != 3 {
		t.Errorf("TopN = %d, want env override 3", cfg.Ranking.TopN)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero window", func(c *Config) { c.Model.TrainingWindowDays = -1 }, true},
		{"edge threshold out of range", func(c *Config) { c.Risk.EdgeThreshold = 1.5 }, true},
		{"daily below per-signal", func(c *Config) { c.Risk.MaxDailyNotional = 1 }, true},
		{"no cities", func(c *Config) { c.Cities = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
