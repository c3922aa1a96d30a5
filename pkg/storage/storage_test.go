package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type measurementInserter interface {
	InsertMeasurement(ctx context.Context, m types.Measurement) error
}

func testSeries(date string, base, diff float64) types.PriceSeries {
	s := types.PriceSeries{
		Date:       date,
		RetailDiff: diff,
		FetchedAt:  time.Now().Truncate(time.Second).UTC(),
	}
	for h := 0; h < types.HoursPerDay; h++ {
		s.Prices = append(s.Prices, types.HourPrice{Hour: h, Price: base + float64(h)/100})
	}
	return s
}

// testDatabase runs the behaviour every provider must share.
func testDatabase(t *testing.T, db interface {
	Database
	measurementInserter
}) {
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	t.Run("PriceSeries", func(t *testing.T) {
		_, err := db.GetPriceSeries(ctx, "1999-01-01")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, db.UpsertPriceSeries(ctx, testSeries("2999-12-30", 0.2, 0.15)))
		require.NoError(t, db.UpsertPriceSeries(ctx, testSeries("2999-12-31", 0.3, 0.15)))

		got, err := db.GetPriceSeries(ctx, "2999-12-30")
		require.NoError(t, err)
		assert.Equal(t, "2999-12-30", got.Date)
		require.Len(t, got.Prices, types.HoursPerDay)
		assert.InDelta(t, 0.2, got.Prices[0].Price, 1e-9)

		latest, err := db.GetLatestPriceSeries(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2999-12-31", latest.Date)

		t.Run("UpsertOverwrite", func(t *testing.T) {
			require.NoError(t, db.UpsertPriceSeries(ctx, testSeries("2999-12-30", 0.5, 0.1)))
			got, err := db.GetPriceSeries(ctx, "2999-12-30")
			require.NoError(t, err)
			assert.InDelta(t, 0.5, got.Prices[0].Price, 1e-9)
			assert.InDelta(t, 0.1, got.RetailDiff, 1e-9)
		})

		t.Run("Invalid", func(t *testing.T) {
			s := testSeries("2999-12-29", 0.2, 0)
			s.Prices = s.Prices[:23]
			assert.Error(t, db.UpsertPriceSeries(ctx, s))
		})
	})

	t.Run("Policy", func(t *testing.T) {
		id := "policy-" + suffix
		_, err := db.GetPolicy(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		p := types.ControlPolicy{ID: id, PriceThreshold: 0.25, Active: true, RetailDiff: 0.12}
		require.NoError(t, db.SetPolicy(ctx, p))
		got, err := db.GetPolicy(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, p, got)

		p.Active = false
		require.NoError(t, db.SetPolicy(ctx, p))
		got, err = db.GetPolicy(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})

	t.Run("Schedule", func(t *testing.T) {
		device := "schedule-" + suffix
		_, err := db.GetSchedule(ctx, device)
		assert.ErrorIs(t, err, ErrNotFound)

		sched := types.Schedule{Enabled: true, DeadlineDay: "Friday", DeadlineHour: 7, ChargingWindowHours: 5}
		require.NoError(t, db.SetSchedule(ctx, device, sched))
		got, err := db.GetSchedule(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, sched, got)

		sched.Enabled = false
		require.NoError(t, db.SetSchedule(ctx, device, sched))
		got, err = db.GetSchedule(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, sched, got)

		assert.Error(t, db.SetSchedule(ctx, "", sched))
	})

	t.Run("ChargeLog", func(t *testing.T) {
		device := "device-" + suffix
		_, err := db.GetLatestChargeLog(ctx, device)
		assert.ErrorIs(t, err, ErrNotFound)

		now := time.Now().Truncate(time.Second).UTC()
		states := []types.ChargeState{types.ChargeStateWaiting, types.ChargeStateChargingSun, types.ChargeStateWaiting}
		for i, s := range states {
			require.NoError(t, db.InsertChargeLog(ctx, types.ChargeLogEntry{
				ID:        uuid.NewString(),
				DeviceID:  device,
				State:     s,
				Timestamp: now.Add(time.Duration(i) * time.Minute),
			}))
		}

		latest, err := db.GetLatestChargeLog(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, types.ChargeStateWaiting, latest.State)
		assert.True(t, latest.Timestamp.Equal(now.Add(2*time.Minute)))

		entries, err := db.GetChargeLog(ctx, device, now, now.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, types.ChargeStateWaiting, entries[0].State)
		assert.Equal(t, types.ChargeStateChargingSun, entries[1].State)
	})

	t.Run("Measurements", func(t *testing.T) {
		location := "location-" + suffix
		now := time.Now().Truncate(time.Second).UTC()
		for i := 0; i < 5; i++ {
			require.NoError(t, db.InsertMeasurement(ctx, types.Measurement{
				Value:     float64(100 * i),
				Location:  location,
				Timestamp: now.Add(time.Duration(i) * time.Minute),
			}))
		}

		got, err := db.GetMeasurements(ctx, location, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 400.0, got[0].Value)
		assert.Equal(t, 300.0, got[1].Value)
		assert.Equal(t, 200.0, got[2].Value)

		got, err = db.GetMeasurements(ctx, "empty-"+suffix, 3)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
