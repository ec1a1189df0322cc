package features

import (
	"log"
	"sync"
	"time"

	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/store"
)

// Builder turns market rows plus stored weather state into examples. The
// transform is pure given database contents and the as-of time: running it
// twice over the same snapshots yields identical examples.
type Builder struct {
	store        *store.Store
	resolver     *Resolver
	freshnessSLA time.Duration
	workers      int
}

func NewBuilder(st *store.Store, resolver *Resolver, freshnessSLAHours float64, workers int) *Builder {
	if workers < 1 {
		workers = 1
	}
	return &Builder{
		store:        st,
		resolver:     resolver,
		freshnessSLA: time.Duration(freshnessSLAHours * float64(time.Hour)),
		workers:      workers,
	}
}

// BuildExamples fans markets out over a bounded worker pool and merges the
// results back in input order, so the output sequence is deterministic
// regardless of scheduling. Markets that cannot be parsed are logged and
// skipped; markets with no matching station still produce an example with
// coverage 0.
func (b *Builder) BuildExamples(markets []models.Market, asOf time.Time) ([]models.Example, error) {
	results := make([]*models.Example, len(markets))
	errs := make([]error, len(markets))

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				results[i], errs[i] = b.buildOne(markets[i], asOf)
			}
		}()
	}
	for i := range markets {
		idx <- i
	}
	close(idx)
	wg.Wait()

	var examples []models.Example
	for i, ex := range results {
		if errs[i] != nil {
			return nil, errs[i]
		}
		if ex != nil {
			examples = append(examples, *ex)
		}
	}
	return examples, nil
}

// buildOne returns (nil, nil) for markets that do not belong to the
// low-temperature series or whose title carries no strike.
func (b *Builder) buildOne(m models.Market, asOf time.Time) (*models.Example, error) {
	cityCode, targetDate, err := ParseTicker(m.Ticker)
	if err != nil {
		log.Printf("features: skipping %s: %v", m.Ticker, err)
		return nil, nil
	}
	strike, err := ParseStrike(m.Title)
	if err != nil {
		log.Printf("features: skipping %s: %v", m.Ticker, err)
		return nil, nil
	}

	ex := &models.Example{
		MarketTicker: m.Ticker,
		Title:        m.Title,
		CityCode:     cityCode,
		TargetDate:   targetDate,
		Strike:       strike,
		CloseTime:    m.CloseTime,
	}

	for _, cand := range b.resolver.Candidates(cityCode) {
		fl, err := b.store.LatestForecastLow(cand.StationID, targetDate, asOf)
		if err != nil {
			return nil, err
		}
		if fl == nil {
			continue
		}
		ex.StationID = cand.StationID
		ex.Strategy = cand.Strategy
		ex.ForecastLow.Valid = true
		ex.ForecastLow.Float64 = fl.ValueF
		ex.ForecastIssuedAt.Valid = true
		ex.ForecastIssuedAt.Time = fl.IssuedAt
		ex.ForecastAgeHours = asOf.Sub(fl.IssuedAt).Hours()
		ex.ForecastCoverage = b.coverage(asOf.Sub(fl.IssuedAt))
		break
	}

	quote, err := b.store.LatestQuote(m.Ticker, asOf)
	if err != nil {
		return nil, err
	}
	if quote != nil {
		if implied, ok := quote.ImpliedYes(); ok {
			ex.MarketImpliedYes.Valid = true
			ex.MarketImpliedYes.Float64 = implied
		}
		if quote.Volume.Valid {
			ex.Liquidity = float64(quote.Volume.Int64)
		}
	}

	return ex, nil
}

// coverage scores forecast availability: 1.0 for a fresh issuance decaying
// linearly to 0 at the freshness SLA. No forecast at all is coverage 0.
func (b *Builder) coverage(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	if age >= b.freshnessSLA {
		return 0
	}
	return 1 - float64(age)/float64(b.freshnessSLA)
}
