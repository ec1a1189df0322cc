package models

import (
	"database/sql"
	"time"
)

// Station is a weather station that can settle temperature markets for a city.
// Priority orders stations within a city; the lowest value is tried first.
type Station struct {
	StationID string
	CityCode  string
	Name      string
	Timezone  string
	Priority  int
	Active    bool
}

// ForecastPoint is one forecast metric value. Forecasts are append-only per
// (source, station, issued_at, valid_at, metric); the most recent issued_at
// before decision time is authoritative.
type ForecastPoint struct {
	ID        int64
	Source    string
	StationID string
	IssuedAt  time.Time
	ValidAt   time.Time
	Metric    string
	Value     float64
	Unit      string
}

// ObservationPoint is one observed metric value. Observations are immutable
// truth once recorded.
type ObservationPoint struct {
	ID         int64
	StationID  string
	ObservedAt time.Time
	Metric     string
	Value      float64
	Unit       string
}

type Market struct {
	Ticker      string
	EventTicker string
	Title       string
	CloseTime   time.Time
	SettleTime  sql.NullTime
	Status      string
}

type MarketQuote struct {
	ID           int64
	MarketTicker string
	BidYes       sql.NullFloat64
	AskYes       sql.NullFloat64
	LastPriceYes sql.NullFloat64
	Volume       sql.NullInt64
	CapturedAt   time.Time
}

// ImpliedYes returns the market-implied YES probability: bid/ask midpoint
// when both sides are quoted, otherwise the last trade price.
func (q MarketQuote) ImpliedYes() (float64, bool) {
	if q.BidYes.Valid && q.AskYes.Valid && q.BidYes.Float64 > 0 && q.AskYes.Float64 > 0 {
		return (q.BidYes.Float64 + q.AskYes.Float64) / 2.0, true
	}
	if q.LastPriceYes.Valid {
		return q.LastPriceYes.Float64, true
	}
	return 0, false
}

// StrikeKind describes how a market title compares the observed low to its
// strike values.
type StrikeKind string

const (
	StrikeAbove   StrikeKind = "above"
	StrikeBelow   StrikeKind = "below"
	StrikeBetween StrikeKind = "between"
)

// Strike is the settlement condition parsed from a market title, in °F.
type Strike struct {
	Kind  StrikeKind
	Lower float64
	Upper float64 // between only
}

// SettlesYes reports whether an observed daily low settles the market YES.
func (s Strike) SettlesYes(observedLow float64) bool {
	switch s.Kind {
	case StrikeAbove:
		return observedLow > s.Lower
	case StrikeBelow:
		return observedLow < s.Lower
	case StrikeBetween:
		return observedLow >= s.Lower && observedLow <= s.Upper
	}
	return false
}

// Example is one training or inference example: a market joined with its
// best-matching forecast and most recent quote as of decision time.
// Label is null until the market settles; once set it never changes.
type Example struct {
	MarketTicker     string
	Title            string
	CityCode         string
	TargetDate       time.Time
	Strike           Strike
	StationID        string // station that supplied data, "" when none matched
	Strategy         string // resolution strategy that produced StationID
	ForecastLow      sql.NullFloat64
	ForecastIssuedAt sql.NullTime
	ForecastAgeHours float64
	ForecastCoverage float64 // 0 = no station data, decays with forecast age
	MarketImpliedYes sql.NullFloat64
	Liquidity        float64 // quote volume
	CloseTime        time.Time
	Label            sql.NullBool
}

// CalibrationCurve is a monotonic map from raw model probabilities to
// calibrated ones, with per-point sample support for confidence estimation.
type CalibrationCurve struct {
	X       []float64 `json:"x"`
	Y       []float64 `json:"y"`
	Support []int     `json:"support"`
}

// ModelArtifact is one training result. Artifacts are append-only; exactly
// one is current at any time and promotion is an atomic pointer swap.
type ModelArtifact struct {
	ID                 int64
	ModelName          string
	RunDate            time.Time
	TrainedAt          time.Time
	TrainingWindowDays int
	Samples            int
	GlobalSigma        float64
	RMSE               float64
	StationBias        map[string]float64
	StationSigma       map[string]float64
	Calibration        CalibrationCurve
	ValidationScore    sql.NullFloat64 // Brier score on the holdout slice
	CalibrationError   sql.NullFloat64
	IsCurrent          bool
}

// CandidateSignal is the ranker's per-market output. Computed fresh each
// run from the current artifact and market state; never persisted as-is.
type CandidateSignal struct {
	MarketTicker     string
	Title            string
	ProbabilityYes   float64
	MarketImpliedYes float64
	Edge             float64
	Confidence       float64
	ForecastCoverage float64
	Liquidity        float64
	StationID        string
	Strategy         string
	ForecastLow      float64
	ForecastAgeHours float64
	Rationale        string
	DataSourceURL    string
}

// PublishedSignal is one row of a run's published top-set.
type PublishedSignal struct {
	RunDate          time.Time
	MarketTicker     string
	Rank             int
	ProbabilityYes   float64
	MarketImpliedYes float64
	Edge             float64
	Confidence       float64
	ForecastCoverage float64
	Liquidity        float64
	Rationale        string
	DataSourceURL    string
	IsActive         bool
	PublishedAt      time.Time
}

// TradeDecision records the execution simulator's verdict for one signal.
// Every processed signal gets a row, approved or not.
type TradeDecision struct {
	RunDate      time.Time
	MarketTicker string
	Edge         float64
	Threshold    float64
	Approved     bool
	Reason       string
	CreatedAt    time.Time
}

type OrderSide string

const (
	SideYes OrderSide = "yes"
	SideNo  OrderSide = "no"
)

// Order is the immutable record of a simulated fill. Edge is frozen at
// decision time, never recomputed.
type Order struct {
	OrderRef     string
	RunDate      time.Time
	MarketTicker string
	Side         OrderSide
	Contracts    int
	LimitPrice   float64
	Edge         float64
	Status       string
	CreatedAt    time.Time
}

func (o Order) Notional() float64 {
	return float64(o.Contracts) * o.LimitPrice
}

type Position struct {
	ID           int64
	MarketTicker string
	Side         OrderSide
	EntryPrice   float64
	Contracts    int
	OpenedAt     time.Time
	ClosedAt     sql.NullTime
	RealizedPnL  sql.NullFloat64
	Status       string // "open" or "closed"
}

type Settlement struct {
	MarketTicker string
	SettledYes   bool
	ObservedLow  float64
	SettledAt    time.Time
}

// DailyMetrics scores one day's settlements. The market columns score the
// market-implied probabilities frozen at publish time against the same
// outcomes; a positive edge means the model beat the market.
type DailyMetrics struct {
	MetricDate       time.Time
	ResolvedMarkets  int
	BrierScore       sql.NullFloat64
	LogLoss          sql.NullFloat64
	CalibrationError sql.NullFloat64
	MarketBrierScore sql.NullFloat64
	MarketLogLoss    sql.NullFloat64
	BrierEdge        sql.NullFloat64
	LogLossEdge      sql.NullFloat64
	GrossPnL         float64
	NetPnL           float64
	MaxDrawdown      float64
}

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepDegraded  StepStatus = "degraded"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

type StepResult struct {
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message"`
}

type RunCounts struct {
	ExamplesBuilt    int `json:"examples_built"`
	CandidatesRanked int `json:"candidates_ranked"`
	SignalsPublished int `json:"signals_published"`
	OrdersPlaced     int `json:"orders_placed"`
}

// RunSummary is the one-per-day record of a pipeline run.
type RunSummary struct {
	RunDate         time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	ModelArtifactID sql.NullInt64
	Status          string
	Steps           []StepResult
	Counts          RunCounts
}
