package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/kalbot/internal/config"
	"github.com/lox/kalbot/internal/execution"
	"github.com/lox/kalbot/internal/features"
	"github.com/lox/kalbot/internal/metrics"
	"github.com/lox/kalbot/internal/modeling"
	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/ranker"
	"github.com/lox/kalbot/internal/settlement"
	"github.com/lox/kalbot/internal/store"
)

// Pipeline is the daily batch run: settle yesterday, build features,
// retrain, rank and publish, then simulate execution. Steps run in a fixed
// order; a failed step skips everything downstream but the run summary is
// always written.
type Pipeline struct {
	store      *store.Store
	cfg        *config.Config
	builder    *features.Builder
	trainer    *modeling.Trainer
	ranker     *ranker.Ranker
	simulator  *execution.Simulator
	reconciler *settlement.Reconciler
}

func New(st *store.Store, cfg *config.Config) *Pipeline {
	resolver := features.NewResolver(cfg.Cities)
	return &Pipeline{
		store:   st,
		cfg:     cfg,
		builder: features.NewBuilder(st, resolver, cfg.Features.FreshnessSLAHours, cfg.Features.Workers),
		trainer: modeling.NewTrainer(st, resolver, modeling.Params{
			ModelName:            cfg.Model.Name,
			TrainingWindowDays:   cfg.Model.TrainingWindowDays,
			MinTrainingExamples:  cfg.Model.MinTrainingExamples,
			MinCalibrationLabels: cfg.Model.MinCalibrationLabels,
			SigmaFloor:           cfg.Model.SigmaFloor,
			RegressionTolerance:  cfg.Model.RegressionTolerance,
		}),
		ranker: ranker.New(cfg.Ranking.TopN, cfg.Features.Workers),
		simulator: execution.NewSimulator(st, execution.RiskConfig{
			EdgeThreshold:        cfg.Risk.EdgeThreshold,
			MaxNotionalPerSignal: cfg.Risk.MaxNotionalPerSignal,
			MaxDailyNotional:     cfg.Risk.MaxDailyNotional,
			MaxContractsPerOrder: cfg.Risk.MaxContractsPerOrder,
		}),
		reconciler: settlement.NewReconciler(st, resolver, cfg.Settlement.MinObservations),
	}
}

// decisionTime anchors a run to a fixed point in its day, so re-running a
// date sees exactly the same snapshots and produces identical results.
func decisionTime(runDate time.Time) time.Time {
	return time.Date(runDate.Year(), runDate.Month(), runDate.Day(), 12, 0, 0, 0, time.UTC)
}

// Run executes the full daily pipeline for a date and persists the run
// summary keyed by that date.
func (p *Pipeline) Run(runDate time.Time) (*models.RunSummary, error) {
	asOf := decisionTime(runDate)
	started := time.Now().UTC()
	log.Printf("pipeline: starting run for %s", runDate.Format("2006-01-02"))

	summary := &models.RunSummary{
		RunDate:   runDate,
		StartedAt: started,
	}

	var examples []models.Example
	var published []models.PublishedSignal
	skipDownstream := false

	runStep := func(name string, fn func() (models.StepStatus, string, error)) {
		if skipDownstream {
			summary.Steps = append(summary.Steps, models.StepResult{
				Step: name, Status: models.StepSkipped, Message: "upstream step failed",
			})
			return
		}
		stepStart := time.Now()
		status, msg, err := fn()
		if err != nil {
			status = models.StepFailed
			msg = err.Error()
			skipDownstream = true
			log.Printf("pipeline: step %s failed: %v", name, err)
		} else {
			log.Printf("pipeline: step %s %s: %s", name, status, msg)
		}
		metrics.PipelineStepDuration.WithLabelValues(name, string(status)).
			Observe(time.Since(stepStart).Seconds())
		summary.Steps = append(summary.Steps, models.StepResult{Step: name, Status: status, Message: msg})
	}

	runStep("reconcile_settlements", func() (models.StepStatus, string, error) {
		n, err := p.reconciler.Reconcile(asOf)
		if err != nil {
			return "", "", err
		}
		metrics.MarketsSettled.Add(float64(n))
		return models.StepSucceeded, fmt.Sprintf("%d markets settled", n), nil
	})

	runStep("build_features", func() (models.StepStatus, string, error) {
		markets, err := p.store.OpenMarkets(asOf)
		if err != nil {
			return "", "", err
		}
		examples, err = p.builder.BuildExamples(markets, asOf)
		if err != nil {
			return "", "", err
		}
		summary.Counts.ExamplesBuilt = len(examples)
		metrics.ExamplesBuilt.Add(float64(len(examples)))
		if len(examples) == 0 {
			return models.StepDegraded, "no open markets produced examples", nil
		}
		return models.StepSucceeded, fmt.Sprintf("%d examples from %d markets", len(examples), len(markets)), nil
	})

	runStep("train_model", func() (models.StepStatus, string, error) {
		artifact, err := p.trainer.Train(runDate)
		if errors.Is(err, modeling.ErrDataInsufficient) {
			return models.StepSkipped, err.Error(), nil
		}
		if err != nil {
			return "", "", err
		}

		id, err := p.store.InsertArtifact(*artifact)
		if err != nil {
			return "", "", err
		}
		artifact.ID = id
		summary.ModelArtifactID = sql.NullInt64{Valid: true, Int64: id}

		champion, err := p.store.CurrentArtifact()
		if err != nil {
			return "", "", err
		}
		promote, why := p.trainer.ShouldPromote(champion, artifact)
		if !promote {
			return models.StepDegraded, "kept champion: " + why, nil
		}
		if err := p.store.PromoteArtifact(id); err != nil {
			return "", "", err
		}
		return models.StepSucceeded, "promoted: " + why, nil
	})

	runStep("rank_and_publish", func() (models.StepStatus, string, error) {
		artifact, err := p.store.CurrentArtifact()
		if err != nil {
			return "", "", err
		}
		if artifact == nil {
			return models.StepSkipped, "no model has been promoted yet", nil
		}

		candidates := p.ranker.Rank(p.ranker.Score(artifact, examples))
		summary.Counts.CandidatesRanked = len(candidates)

		published = p.ranker.TopSet(runDate, asOf, candidates)
		if err := p.store.ReplacePublishedSignals(runDate, published); err != nil {
			return "", "", err
		}
		summary.Counts.SignalsPublished = len(published)
		metrics.SignalsPublished.Add(float64(len(published)))
		return models.StepSucceeded, fmt.Sprintf("%d candidates, top %d published", len(candidates), len(published)), nil
	})

	runStep("simulate_execution", func() (models.StepStatus, string, error) {
		if len(published) == 0 {
			return models.StepSkipped, "no signals published", nil
		}
		res, err := p.simulator.Execute(runDate, published, asOf)
		if err != nil {
			return "", "", err
		}
		summary.Counts.OrdersPlaced = res.State.OrdersPlaced
		metrics.OrdersPlaced.Add(float64(len(res.Orders)))
		metrics.CommittedNotional.Set(res.State.CommittedNotional)
		return models.StepSucceeded, fmt.Sprintf("%d orders, %.2f notional", res.State.OrdersPlaced, res.State.CommittedNotional), nil
	})

	summary.CompletedAt = time.Now().UTC()
	summary.Status = overallStatus(summary.Steps)
	metrics.PipelineRunsTotal.WithLabelValues(summary.Status).Inc()

	if err := p.store.UpsertRunSummary(*summary); err != nil {
		return summary, fmt.Errorf("persist run summary: %w", err)
	}
	log.Printf("pipeline: run for %s finished %s", runDate.Format("2006-01-02"), summary.Status)
	return summary, nil
}

// BackfillSettlements reconciles without running the rest of the pipeline.
func (p *Pipeline) BackfillSettlements(asOf time.Time) (int, error) {
	return p.reconciler.Reconcile(asOf)
}

func overallStatus(steps []models.StepResult) string {
	status := string(models.StepSucceeded)
	for _, s := range steps {
		switch s.Status {
		case models.StepFailed:
			return string(models.StepFailed)
		case models.StepDegraded, models.StepSkipped:
			status = string(models.StepDegraded)
		}
	}
	return status
}
