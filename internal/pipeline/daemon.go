package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// Daemon runs the pipeline on a cron schedule and serves prometheus
// metrics. It blocks until the context is cancelled.
type Daemon struct {
	pipeline *Pipeline
	cronSpec string
	addr     string
}

func NewDaemon(p *Pipeline, cronSpec, addr string) *Daemon {
	return &Daemon{pipeline: p, cronSpec: cronSpec, addr: addr}
}

func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(d.cronSpec, func() {
		runDate := time.Now().UTC().Truncate(24 * time.Hour)
		if _, err := d.pipeline.Run(runDate); err != nil {
			log.Printf("daemon: scheduled run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.cronSpec, err)
	}
	c.Start()
	defer c.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: d.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("daemon: serving metrics on %s", d.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
