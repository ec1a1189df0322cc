package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/kalbot/internal/config"
	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/pipeline"
	"github.com/lox/kalbot/internal/store"
)

type app struct {
	store *store.Store
	cfg   *config.Config
	db    *sql.DB
}

type cli struct {
	DB      string             `help:"Path to the sqlite database." default:"data/kalbot.db" env:"KALBOT_DB"`
	Config  string             `help:"Path to the YAML config file." default:"kalbot.yaml" env:"KALBOT_CONFIG"`
	EnvFile kongdotenv.ENVFileConfig `optional:"" help:"Load environment variables from a .env file."`

	Run                 runCmd      `cmd:"" help:"Run the daily pipeline once and print the run summary."`
	Daemon              daemonCmd   `cmd:"" help:"Run the pipeline on a daily schedule and serve /metrics."`
	BackfillSettlements backfillCmd `cmd:"" name:"backfill-settlements" help:"Settle every expired market from observation history."`
	SeedDemo            seedDemoCmd `cmd:"" name:"seed-demo" help:"Seed a demo market with synthetic weather history."`
}

type runCmd struct {
	Date string `help:"Run date (YYYY-MM-DD), defaults to today." default:""`
}

func (c *runCmd) Run(a *app) error {
	runDate, err := parseDate(c.Date)
	if err != nil {
		return err
	}

	summary, err := pipeline.New(a.store, a.cfg).Run(runDate)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(summaryJSON(summary), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type daemonCmd struct {
	Addr string `help:"Listen address for the metrics endpoint." default:":9090" env:"KALBOT_METRICS_ADDR"`
}

func (c *daemonCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(a.store, a.cfg)
	return pipeline.NewDaemon(p, a.cfg.Schedule.DailyCron, c.Addr).Run(ctx)
}

type backfillCmd struct{}

func (c *backfillCmd) Run(a *app) error {
	n, err := pipeline.New(a.store, a.cfg).BackfillSettlements(time.Now().UTC())
	if err != nil {
		return err
	}
	log.Printf("backfill: %d markets settled", n)
	return nil
}

type seedDemoCmd struct{}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("kalbot"),
		kong.Description("Daily weather prediction-market trading pipeline."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(c.Config)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	if dir := dirOf(c.DB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create data dir: %v", err)
		}
	}
	db, err := store.Open(c.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if err := seedStations(st, cfg); err != nil {
		log.Fatalf("seed stations: %v", err)
	}

	ctx.FatalIfErrorf(ctx.Run(&app{store: st, cfg: cfg, db: db}))
}

// seedStations keeps the stations table in sync with the configured city
// table.
func seedStations(st *store.Store, cfg *config.Config) error {
	for city, stations := range cfg.Cities {
		for i, id := range stations {
			if err := st.UpsertStation(models.Station{
				StationID: id,
				CityCode:  city,
				Name:      id,
				Timezone:  "UTC",
				Priority:  i,
				Active:    true,
			}); err != nil {
				return fmt.Errorf("upsert station %s: %w", id, err)
			}
		}
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return ""
}

// summaryJSON shapes the run summary for stdout.
func summaryJSON(s *models.RunSummary) map[string]any {
	return map[string]any{
		"run_date":     s.RunDate.Format("2006-01-02"),
		"status":       s.Status,
		"started_at":   s.StartedAt,
		"completed_at": s.CompletedAt,
		"steps":        s.Steps,
		"counts":       s.Counts,
	}
}
