package ranker

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lox/kalbot/internal/modeling"
	"github.com/lox/kalbot/internal/models"
)

// DataSourceURL is attributed on every published signal.
const DataSourceURL = "https://www.weather.gov/"

type Ranker struct {
	topN    int
	workers int
}

func New(topN, workers int) *Ranker {
	if workers < 1 {
		workers = 1
	}
	return &Ranker{topN: topN, workers: workers}
}

// Score turns examples into candidate signals under the current model.
// Examples are scored in parallel and merged back in input order, so the
// result is deterministic for a given artifact and example sequence.
// Examples with no market quote cannot price an edge and are dropped.
func (r *Ranker) Score(artifact *models.ModelArtifact, examples []models.Example) []models.CandidateSignal {
	results := make([]*models.CandidateSignal, len(examples))

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				results[i] = scoreOne(artifact, examples[i])
			}
		}()
	}
	for i := range examples {
		idx <- i
	}
	close(idx)
	wg.Wait()

	var candidates []models.CandidateSignal
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}

func scoreOne(artifact *models.ModelArtifact, ex models.Example) *models.CandidateSignal {
	if !ex.MarketImpliedYes.Valid {
		return nil
	}
	implied := ex.MarketImpliedYes.Float64

	c := &models.CandidateSignal{
		MarketTicker:     ex.MarketTicker,
		Title:            ex.Title,
		MarketImpliedYes: implied,
		ForecastCoverage: ex.ForecastCoverage,
		Liquidity:        ex.Liquidity,
		StationID:        ex.StationID,
		Strategy:         ex.Strategy,
		ForecastAgeHours: ex.ForecastAgeHours,
		DataSourceURL:    DataSourceURL,
	}

	if !ex.ForecastLow.Valid || ex.ForecastCoverage == 0 {
		// No usable forecast: nothing to disagree with the market about.
		c.ProbabilityYes = implied
		c.Rationale = "no usable forecast for " + ex.CityCode
		return c
	}

	c.ForecastLow = ex.ForecastLow.Float64
	mu, sigma := modeling.Predict(artifact, ex.StationID, ex.ForecastLow.Float64)
	raw := modeling.ProbabilityYes(ex.Strike, mu, sigma)
	c.ProbabilityYes = modeling.Calibrate(artifact.Calibration, raw)
	c.Edge = c.ProbabilityYes - implied
	c.Confidence = confidence(artifact.Calibration, c.ProbabilityYes, ex.ForecastCoverage)
	c.Rationale = rationale(ex, mu, c.ProbabilityYes, implied)
	return c
}

// confidence scales coverage by how much calibration evidence backs the
// predicted probability. Both factors are at most 1, so confidence can
// only shrink from full certainty.
func confidence(curve models.CalibrationCurve, p, coverage float64) float64 {
	base := 0.5
	if n := modeling.SupportAt(curve, p); n > 0 {
		base = float64(n) / float64(n+4)
	}
	return base * coverage
}

// rationale is a deterministic explanation built only from the inputs, so
// re-running a day reproduces it byte for byte.
func rationale(ex models.Example, mu, prob, implied float64) string {
	return fmt.Sprintf("forecast low %.1f°F at %s (%s, issued %s), expected low %.1f°F, model %.0f%% vs market %.0f%%",
		ex.ForecastLow.Float64, ex.StationID, ex.Strategy,
		ex.ForecastIssuedAt.Time.UTC().Format("2006-01-02 15:04"),
		mu, prob*100, implied*100)
}

// Rank orders candidates by the composite key: edge magnitude weighted by
// confidence, then coverage, then liquidity, with ticker as the final
// tiebreak so the order is total and stable.
func (r *Ranker) Rank(candidates []models.CandidateSignal) []models.CandidateSignal {
	ranked := make([]models.CandidateSignal, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(a, b int) bool {
		sa := math.Abs(ranked[a].Edge) * ranked[a].Confidence
		sb := math.Abs(ranked[b].Edge) * ranked[b].Confidence
		if sa != sb {
			return sa > sb
		}
		if ranked[a].ForecastCoverage != ranked[b].ForecastCoverage {
			return ranked[a].ForecastCoverage > ranked[b].ForecastCoverage
		}
		if ranked[a].Liquidity != ranked[b].Liquidity {
			return ranked[a].Liquidity > ranked[b].Liquidity
		}
		return ranked[a].MarketTicker < ranked[b].MarketTicker
	})
	return ranked
}

// TopSet converts the leading ranked candidates into the published set for
// a run date.
func (r *Ranker) TopSet(runDate time.Time, publishedAt time.Time, ranked []models.CandidateSignal) []models.PublishedSignal {
	n := r.topN
	if n > len(ranked) {
		n = len(ranked)
	}
	signals := make([]models.PublishedSignal, 0, n)
	for i := 0; i < n; i++ {
		c := ranked[i]
		signals = append(signals, models.PublishedSignal{
			RunDate:          runDate,
			MarketTicker:     c.MarketTicker,
			Rank:             i + 1,
			ProbabilityYes:   c.ProbabilityYes,
			MarketImpliedYes: c.MarketImpliedYes,
			Edge:             c.Edge,
			Confidence:       c.Confidence,
			ForecastCoverage: c.ForecastCoverage,
			Liquidity:        c.Liquidity,
			Rationale:        c.Rationale,
			DataSourceURL:    c.DataSourceURL,
			PublishedAt:      publishedAt,
		})
	}
	return signals
}
