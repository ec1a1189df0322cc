package main

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/lox/kalbot/internal/models"
	"github.com/lox/kalbot/internal/store"
)

// seed-demo fills the database with a synthetic month of NYC weather, ten
// settled markets for calibration, and one open market for tomorrow, so a
// fresh checkout can run the whole pipeline end to end.
func (c *seedDemoCmd) Run(a *app) error {
	const station = "KNYC"
	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -40)

	for d := 0; d < 40; d++ {
		day := start.AddDate(0, 0, d)
		low := demoLow(d)
		forecast := low + 1.2 + demoWobble(d)

		issued := day.AddDate(0, 0, -1).Add(18 * time.Hour)
		if err := a.store.InsertForecast(models.ForecastPoint{
			Source:    "demo",
			StationID: station,
			IssuedAt:  issued,
			ValidAt:   day.Add(6 * time.Hour),
			Metric:    "temperature",
			Value:     forecast,
			Unit:      "F",
		}); err != nil {
			return fmt.Errorf("seed forecast: %w", err)
		}

		// Hourly observations with the daily low at 06:00.
		for h := 0; h < 24; h++ {
			temp := low + 6*math.Abs(float64(h-6))/6.0
			if err := a.store.InsertObservation(models.ObservationPoint{
				StationID:  station,
				ObservedAt: day.Add(time.Duration(h) * time.Hour),
				Metric:     "temperature",
				Value:      temp,
				Unit:       "F",
			}); err != nil {
				return fmt.Errorf("seed observation: %w", err)
			}
		}
	}

	// Ten already-settled markets give the calibrator labeled history.
	for d := 12; d < 22; d++ {
		day := start.AddDate(0, 0, d)
		low := demoLow(d)
		strike := math.Round(low + 1)
		if err := seedMarket(a.store, day, strike, true, low); err != nil {
			return err
		}
	}

	// One open market for tomorrow.
	tomorrow := today.AddDate(0, 0, 1)
	if err := seedMarket(a.store, tomorrow, 42, false, 0); err != nil {
		return err
	}
	if err := a.store.InsertForecast(models.ForecastPoint{
		Source:    "demo",
		StationID: station,
		IssuedAt:  today.Add(6 * time.Hour),
		ValidAt:   tomorrow.Add(6 * time.Hour),
		Metric:    "temperature",
		Value:     40.5,
		Unit:      "F",
	}); err != nil {
		return fmt.Errorf("seed forecast: %w", err)
	}

	log.Println("seed: demo data written; run `kalbot run` next")
	return nil
}

func seedMarket(st *store.Store, targetDate time.Time, strike float64, settled bool, observedLow float64) error {
	ticker := fmt.Sprintf("KXLOWTNYC-%s-B%.0f", strings.ToUpper(targetDate.Format("06Jan02")), strike)
	closeTime := targetDate.Add(14 * time.Hour)
	status := "open"
	if settled {
		status = "settled"
	}

	if err := st.UpsertMarket(models.Market{
		Ticker:      ticker,
		EventTicker: "KXLOWTNYC-" + strings.ToUpper(targetDate.Format("06Jan02")),
		Title:       fmt.Sprintf("Will the low temperature in New York City be below %.0f° on %s?", strike, targetDate.Format("Jan 2")),
		CloseTime:   closeTime,
		Status:      status,
	}); err != nil {
		return fmt.Errorf("seed market %s: %w", ticker, err)
	}

	if err := st.InsertQuote(models.MarketQuote{
		MarketTicker: ticker,
		BidYes:       sql.NullFloat64{Valid: true, Float64: 0.40},
		AskYes:       sql.NullFloat64{Valid: true, Float64: 0.44},
		LastPriceYes: sql.NullFloat64{Valid: true, Float64: 0.42},
		Volume:       sql.NullInt64{Valid: true, Int64: 1200},
		CapturedAt:   closeTime.Add(-4 * time.Hour),
	}); err != nil {
		return fmt.Errorf("seed quote %s: %w", ticker, err)
	}

	if settled {
		if err := st.UpsertSettlement(models.Settlement{
			MarketTicker: ticker,
			SettledYes:   observedLow < strike,
			ObservedLow:  observedLow,
			SettledAt:    targetDate.AddDate(0, 0, 1).Add(2 * time.Hour),
		}); err != nil {
			return fmt.Errorf("seed settlement %s: %w", ticker, err)
		}
	}
	return nil
}

func demoLow(day int) float64 {
	return 40 + 8*math.Sin(2*math.Pi*float64(day)/20)
}

func demoWobble(day int) float64 {
	return float64((day*7)%5-2) * 0.6
}
