package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/levenlabs/go-lflag"
)

type measurementWriter interface {
	InsertMeasurement(ctx context.Context, m types.Measurement) error
}

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	location := lflag.String("seed-location", "home", "location the seeded solar measurements belong to")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if err := seedPrices(ctx, s, rng, start); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed prices", slog.Any("error", err))
		os.Exit(1)
	}

	err := s.SetPolicy(ctx, types.ControlPolicy{
		ID:         types.PolicyIDGlobal,
		RetailDiff: types.DefaultRetailDiff,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed global policy", slog.Any("error", err))
		os.Exit(1)
	}

	w, ok := s.(measurementWriter)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "storage cannot store measurements, skipping")
		return
	}
	n, err := seedMeasurements(ctx, w, rng, *location, start, now)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed measurements", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded mock data", slog.Int("measurements", n))
}

// seedPrices stores today's and tomorrow's series with a morning and an
// evening peak.
func seedPrices(ctx context.Context, s storage.Database, rng *rand.Rand, start time.Time) error {
	for day := 0; day < 2; day++ {
		date := start.AddDate(0, 0, day)
		series := types.PriceSeries{
			Date:       date.Format("2006-01-02"),
			RetailDiff: types.DefaultRetailDiff,
			FetchedAt:  time.Now(),
		}
		for hour := 0; hour < types.HoursPerDay; hour++ {
			base := 0.10
			switch {
			case hour >= 7 && hour < 9:
				base = 0.30
			case hour >= 10 && hour < 15:
				base = 0.05
			case hour >= 17 && hour < 21:
				base = 0.40
			case hour >= 21:
				base = 0.15
			}
			// market price plus tax and the retail diff
			price := (base+rng.Float64()*0.02-0.01)*1.21 + series.RetailDiff
			series.Prices = append(series.Prices, types.HourPrice{Hour: hour, Price: math.Round(price*10000) / 10000})
		}
		if err := s.UpsertPriceSeries(ctx, series); err != nil {
			return fmt.Errorf("failed to store %s: %w", series.Date, err)
		}
	}
	return nil
}

// seedMeasurements stores a solar bell curve sampled every 5 minutes.
func seedMeasurements(ctx context.Context, w measurementWriter, rng *rand.Rand, location string, start, end time.Time) (int, error) {
	const peakWatts = 4000.0
	var n int
	for t := start; t.Before(end); t = t.Add(5 * time.Minute) {
		hour := float64(t.Hour()) + float64(t.Minute())/60
		var watts float64
		if hour > 6 && hour < 20 {
			dist := math.Abs(hour - 13)
			watts = peakWatts * math.Exp(-(dist*dist)/8)
			// clouds
			watts *= 0.7 + rng.Float64()*0.3
		}
		err := w.InsertMeasurement(ctx, types.Measurement{
			Value:     math.Round(watts),
			Location:  location,
			Timestamp: t,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
