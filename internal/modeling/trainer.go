package modeling

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/lox/kalbot/internal/features"
	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/store"
)

// ErrDataInsufficient marks a training attempt that was skipped, not
// failed: there is not yet enough history inside the window.
var ErrDataInsufficient = errors.New("insufficient training data")

type Params struct {
	ModelName            string
	TrainingWindowDays   int
	MinTrainingExamples  int
	MinCalibrationLabels int
	SigmaFloor           float64
	RegressionTolerance  float64
}

type Trainer struct {
	store    *store.Store
	resolver *features.Resolver
	params   Params
}

func NewTrainer(st *store.Store, resolver *features.Resolver, params Params) *Trainer {
	return &Trainer{store: st, resolver: resolver, params: params}
}

// Train fits the station error model and calibration curve from history
// ending at runDate. The same inputs always produce the same artifact.
func (t *Trainer) Train(runDate time.Time) (*models.ModelArtifact, error) {
	samples, err := t.store.ForecastErrorSamples(t.params.TrainingWindowDays, runDate)
	if err != nil {
		return nil, fmt.Errorf("load error samples: %w", err)
	}
	if len(samples) < t.params.MinTrainingExamples {
		return nil, fmt.Errorf("%d error samples, need %d: %w",
			len(samples), t.params.MinTrainingExamples, ErrDataInsufficient)
	}

	artifact := &models.ModelArtifact{
		ModelName:          t.params.ModelName,
		RunDate:            runDate,
		TrainedAt:          time.Now().UTC(),
		TrainingWindowDays: t.params.TrainingWindowDays,
		Samples:            len(samples),
	}
	t.fitErrorModel(samples, artifact)

	if err := t.fitCalibration(runDate, artifact); err != nil {
		return nil, err
	}

	return artifact, nil
}

// fitErrorModel computes per-station mean bias and error sigma with a
// global fallback. Stations with fewer than 3 samples get no entry and
// fall back to the global values at inference time.
func (t *Trainer) fitErrorModel(samples []store.ErrorSample, artifact *models.ModelArtifact) {
	byStation := make(map[string][]float64)
	var all []float64
	for _, s := range samples {
		byStation[s.StationID] = append(byStation[s.StationID], s.Error())
		all = append(all, s.Error())
	}

	artifact.StationBias = make(map[string]float64)
	artifact.StationSigma = make(map[string]float64)
	for station, errs := range byStation {
		if len(errs) < 3 {
			continue
		}
		artifact.StationBias[station] = mean(errs)
		artifact.StationSigma[station] = t.safeSigma(errs)
	}
	artifact.GlobalSigma = t.safeSigma(all)

	sumSq := 0.0
	for _, e := range all {
		sumSq += e * e
	}
	artifact.RMSE = math.Sqrt(sumSq / float64(len(all)))
}

// fitCalibration fits the isotonic curve on the older part of the labeled
// window and scores the calibrated model on the most recent slice.
func (t *Trainer) fitCalibration(runDate time.Time, artifact *models.ModelArtifact) error {
	pairs, err := t.labeledPairs(runDate, artifact)
	if err != nil {
		return err
	}
	if len(pairs) < t.params.MinCalibrationLabels {
		log.Printf("trainer: %d labeled markets, need %d; keeping identity calibration",
			len(pairs), t.params.MinCalibrationLabels)
		return nil
	}

	// Holdout is the most recent quarter of the labeled window, at least 8.
	holdN := len(pairs) / 4
	if holdN < 8 {
		holdN = 8
	}
	if holdN > len(pairs) {
		holdN = len(pairs)
	}
	// Carving the holdout off must leave something to fit the curve on;
	// otherwise keep the identity calibration rather than score an empty fit.
	if len(pairs)-holdN < 4 {
		log.Printf("trainer: %d labeled markets leave no training slice after the %d-label holdout; keeping identity calibration",
			len(pairs), holdN)
		return nil
	}
	train, hold := pairs[:len(pairs)-holdN], pairs[len(pairs)-holdN:]

	trainRaw := make([]float64, len(train))
	trainLabels := make([]bool, len(train))
	for i, p := range train {
		trainRaw[i], trainLabels[i] = p.raw, p.label
	}
	artifact.Calibration = FitIsotonic(trainRaw, trainLabels)

	holdProbs := make([]float64, len(hold))
	holdLabels := make([]bool, len(hold))
	for i, p := range hold {
		holdProbs[i] = Calibrate(artifact.Calibration, p.raw)
		holdLabels[i] = p.label
	}
	artifact.ValidationScore = sql.NullFloat64{Valid: true, Float64: Brier(holdProbs, holdLabels)}

	meanProb, meanLabel := mean(holdProbs), 0.0
	for _, l := range holdLabels {
		if l {
			meanLabel++
		}
	}
	meanLabel /= float64(len(holdLabels))
	artifact.CalibrationError = sql.NullFloat64{Valid: true, Float64: math.Abs(meanProb - meanLabel)}

	return nil
}

type labeledPair struct {
	closeTime time.Time
	raw       float64
	label     bool
}

// labeledPairs scores each settled market in the window with the freshly
// fitted error model, using only forecasts issued before the market
// closed, and pairs the raw probability with the settlement outcome.
func (t *Trainer) labeledPairs(runDate time.Time, artifact *models.ModelArtifact) ([]labeledPair, error) {
	cutoff := runDate.AddDate(0, 0, -t.params.TrainingWindowDays)
	settled, err := t.store.SettledMarketsSince(cutoff)
	if err != nil {
		return nil, fmt.Errorf("load settled markets: %w", err)
	}

	var pairs []labeledPair
	for _, sm := range settled {
		cityCode, targetDate, err := features.ParseTicker(sm.Market.Ticker)
		if err != nil {
			continue
		}
		strike, err := features.ParseStrike(sm.Market.Title)
		if err != nil {
			continue
		}

		for _, cand := range t.resolver.Candidates(cityCode) {
			fl, err := t.store.LatestForecastLow(cand.StationID, targetDate, sm.Market.CloseTime)
			if err != nil {
				return nil, err
			}
			if fl == nil {
				continue
			}
			mu, sigma := Predict(artifact, cand.StationID, fl.ValueF)
			pairs = append(pairs, labeledPair{
				closeTime: sm.Market.CloseTime,
				raw:       ProbabilityYes(strike, mu, sigma),
				label:     sm.Settlement.SettledYes,
			})
			break
		}
	}

	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].closeTime.Before(pairs[b].closeTime) })
	return pairs, nil
}

// Predict returns the expected observed low and its sigma for a station,
// falling back to the global statistics for stations the model never saw.
func Predict(artifact *models.ModelArtifact, stationID string, forecastLow float64) (mu, sigma float64) {
	bias := artifact.StationBias[stationID]
	sigma, ok := artifact.StationSigma[stationID]
	if !ok {
		sigma = artifact.GlobalSigma
	}
	return forecastLow - bias, sigma
}

// ShouldPromote applies the champion/challenger gate: a challenger is
// promoted unless it scores measurably worse than the current champion on
// its own holdout.
func (t *Trainer) ShouldPromote(champion *models.ModelArtifact, challenger *models.ModelArtifact) (bool, string) {
	switch {
	case champion == nil:
		return true, "no current model"
	case !challenger.ValidationScore.Valid && champion.ValidationScore.Valid:
		return false, "challenger has no validation score"
	case !champion.ValidationScore.Valid:
		return true, "champion has no validation score"
	case challenger.ValidationScore.Float64 <= champion.ValidationScore.Float64+t.params.RegressionTolerance:
		return true, fmt.Sprintf("brier %.4f within tolerance of champion %.4f",
			challenger.ValidationScore.Float64, champion.ValidationScore.Float64)
	default:
		return false, fmt.Sprintf("brier %.4f regressed past champion %.4f + %.2f",
			challenger.ValidationScore.Float64, champion.ValidationScore.Float64, t.params.RegressionTolerance)
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// safeSigma is the sample standard deviation with a floor, so a lucky
// streak of tiny errors cannot collapse the distribution.
func (t *Trainer) safeSigma(errs []float64) float64 {
	if len(errs) < 2 {
		return t.params.SigmaFloor
	}
	m := mean(errs)
	sumSq := 0.0
	for _, e := range errs {
		sumSq += (e - m) * (e - m)
	}
	sigma := math.Sqrt(sumSq / float64(len(errs)-1))
	if sigma < t.params.SigmaFloor {
		sigma = t.params.SigmaFloor
	}
	return sigma
}
