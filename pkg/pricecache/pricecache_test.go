package pricecache

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/chargerudder/chargerudder/pkg/clock"
	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/storage/storagemock"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/chargerudder/chargerudder/pkg/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu      sync.Mutex
	calls   int
	points  map[utility.Period][]utility.FeedPoint
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeFeed) Fetch(ctx context.Context, period utility.Period) ([]utility.FeedPoint, error) {
	f.mu.Lock()
	f.calls++
	entered, release := f.entered, f.release
	points, err := f.points[period], f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return points, err
}

func (f *fakeFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRetail struct {
	figures []float64
	err     error
}

func (f *fakeRetail) Figures(ctx context.Context) ([]float64, error) {
	return f.figures, f.err
}

// quarterHourly returns a 96 record feed for date where every record of hour h
// costs h cents before tax.
func quarterHourly(date string) []utility.FeedPoint {
	points := make([]utility.FeedPoint, 0, 96)
	for h := 0; h < 24; h++ {
		for q := 0; q < 4; q++ {
			points = append(points, utility.FeedPoint{Date: date, Hour: h, Price: float64(h)/100 + float64(q)/1000})
		}
	}
	return points
}

func seriesOf(date string, diff float64, prices ...float64) types.PriceSeries {
	s := types.PriceSeries{Date: date, RetailDiff: diff}
	for h, p := range prices {
		s.Prices = append(s.Prices, types.HourPrice{Hour: h, Price: p})
	}
	return s
}

func newTestCache(t *testing.T, now time.Time) (*Cache, *storagemock.MockDatabase, *fakeFeed, *fakeRetail, *clock.Mock) {
	t.Helper()
	db := new(storagemock.MockDatabase)
	feed := &fakeFeed{points: map[utility.Period][]utility.FeedPoint{}}
	retail := &fakeRetail{}
	mc := clock.NewMock(now)
	c := New(db, feed, retail, clock.NewCalendar(mc, time.UTC), Options{
		CutoverHour:       DefaultCutoverHour,
		DefaultRetailDiff: types.DefaultRetailDiff,
	})
	c.retailDiff = types.DefaultRetailDiff
	return c, db, feed, retail, mc
}

func TestInit(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, db, _, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		c.retailDiff = 0
		db.On("GetPolicy", mock.Anything, types.PolicyIDGlobal).Return(types.ControlPolicy{}, storage.ErrNotFound)
		db.On("GetPriceSeries", mock.Anything, mock.Anything).Return(types.PriceSeries{}, storage.ErrNotFound)

		require.NoError(t, c.Init(context.Background()))
		assert.Equal(t, types.DefaultRetailDiff, c.RetailDiff())
		_, err := c.CurrentPrice()
		var stale *StaleCacheError
		assert.ErrorAs(t, err, &stale)
	})

	t.Run("Persisted", func(t *testing.T) {
		c, db, _, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		db.On("GetPolicy", mock.Anything, types.PolicyIDGlobal).Return(types.ControlPolicy{ID: types.PolicyIDGlobal, RetailDiff: 0.11}, nil)
		db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(seriesOf("2024-03-01", 0.11, make([]float64, 24)...), nil)
		db.On("GetPriceSeries", mock.Anything, "2024-03-02").Return(types.PriceSeries{}, storage.ErrNotFound)

		require.NoError(t, c.Init(context.Background()))
		assert.Equal(t, 0.11, c.RetailDiff())
		_, err := c.PricesFor("2024-03-01")
		assert.NoError(t, err)
	})

	t.Run("StorageError", func(t *testing.T) {
		c, db, _, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		db.On("GetPolicy", mock.Anything, types.PolicyIDGlobal).Return(types.ControlPolicy{}, errors.New("unavailable"))
		assert.Error(t, c.Init(context.Background()))
	})
}

func TestRefreshToday(t *testing.T) {
	ctx := context.Background()

	t.Run("FetchesOnce", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		feed.points[utility.PeriodToday] = quarterHourly("2024-03-01")
		db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(types.PriceSeries{}, storage.ErrNotFound).Once()
		db.On("UpsertPriceSeries", mock.Anything, mock.MatchedBy(func(s types.PriceSeries) bool {
			return s.Date == "2024-03-01" && len(s.Prices) == 24 && s.RetailDiff == types.DefaultRetailDiff
		})).Return(nil).Once()

		require.NoError(t, c.RefreshToday(ctx))
		require.NoError(t, c.RefreshToday(ctx))

		db.AssertExpectations(t)
		db.AssertNumberOfCalls(t, "UpsertPriceSeries", 1)
		assert.Equal(t, 1, feed.Calls())

		s, err := c.PricesFor("2024-03-01")
		require.NoError(t, err)
		// hour 10 averages 0.100, 0.101, 0.102, 0.103 plus the diff
		assert.InDelta(t, 0.1015+types.DefaultRetailDiff, s.Prices[10].Price, 1e-9)
	})

	t.Run("LoadsPersisted", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(seriesOf("2024-03-01", 0.15, make([]float64, 24)...), nil).Once()

		require.NoError(t, c.RefreshToday(ctx))
		require.NoError(t, c.RefreshToday(ctx))

		db.AssertNotCalled(t, "UpsertPriceSeries", mock.Anything, mock.Anything)
		assert.Zero(t, feed.Calls())
	})

	t.Run("WrongDate", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		feed.points[utility.PeriodToday] = quarterHourly("2024-02-29")
		db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(types.PriceSeries{}, storage.ErrNotFound)

		err := c.RefreshToday(ctx)
		var mismatch *utility.FeedDateMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, "2024-03-01", mismatch.Expected)
		db.AssertNotCalled(t, "UpsertPriceSeries", mock.Anything, mock.Anything)

		_, err = c.CurrentPrice()
		var stale *StaleCacheError
		assert.ErrorAs(t, err, &stale)
	})

	t.Run("FeedError", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		feed.err = errors.New("connection refused")
		db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(types.PriceSeries{}, storage.ErrNotFound)
		assert.ErrorContains(t, c.RefreshToday(ctx), "connection refused")
	})

	t.Run("InProgress", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		feed.points[utility.PeriodToday] = quarterHourly("2024-03-01")
		feed.entered = make(chan struct{})
		feed.release = make(chan struct{})
		db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(types.PriceSeries{}, storage.ErrNotFound)
		db.On("UpsertPriceSeries", mock.Anything, mock.Anything).Return(nil)

		done := make(chan error)
		go func() { done <- c.RefreshToday(ctx) }()
		<-feed.entered

		assert.ErrorIs(t, c.RefreshToday(ctx), ErrRefreshInProgress)
		assert.Equal(t, 1, feed.Calls())

		close(feed.release)
		require.NoError(t, <-done)
		assert.NoError(t, c.RefreshToday(ctx))
	})
}

func TestRefreshTomorrow(t *testing.T) {
	ctx := context.Background()

	t.Run("BeforeCutover", func(t *testing.T) {
		c, _, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 17, 59, 0, 0, time.UTC))
		require.NoError(t, c.RefreshTomorrow(ctx))
		assert.Zero(t, feed.Calls())
	})

	t.Run("NotPublished", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 18, 5, 0, 0, time.UTC))
		db.On("GetPriceSeries", mock.Anything, "2024-03-02").Return(types.PriceSeries{}, storage.ErrNotFound)

		require.NoError(t, c.RefreshTomorrow(ctx))

		// the feed still answers with today's prices
		feed.points[utility.PeriodTomorrow] = quarterHourly("2024-03-01")
		require.NoError(t, c.RefreshTomorrow(ctx))

		assert.Equal(t, 2, feed.Calls())
		db.AssertNotCalled(t, "UpsertPriceSeries", mock.Anything, mock.Anything)
		_, err := c.PricesFor("2024-03-02")
		assert.Error(t, err)
	})

	t.Run("MismatchKeepsToday", func(t *testing.T) {
		c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC))
		c.store(seriesOf("2024-03-01", 0.15, make([]float64, 24)...))
		feed.points[utility.PeriodTomorrow] = quarterHourly("2024-03-03")
		db.On("GetPriceSeries", mock.Anything, "2024-03-02").Return(types.PriceSeries{}, storage.ErrNotFound)

		var mismatch *utility.FeedDateMismatchError
		assert.ErrorAs(t, c.RefreshTomorrow(ctx), &mismatch)
		_, err := c.PricesFor("2024-03-01")
		assert.NoError(t, err)
	})

	t.Run("Rollover", func(t *testing.T) {
		c, db, feed, _, mc := newTestCache(t, time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC))
		c.store(seriesOf("2024-03-01", 0.15, make([]float64, 24)...))
		feed.points[utility.PeriodTomorrow] = quarterHourly("2024-03-02")
		db.On("GetPriceSeries", mock.Anything, "2024-03-02").Return(types.PriceSeries{}, storage.ErrNotFound).Once()
		db.On("UpsertPriceSeries", mock.Anything, mock.Anything).Return(nil).Once()

		require.NoError(t, c.RefreshTomorrow(ctx))
		require.NoError(t, c.RefreshTomorrow(ctx))
		assert.Equal(t, 1, feed.Calls())

		mc.Set(time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC))
		require.NoError(t, c.RefreshToday(ctx))
		assert.Equal(t, 1, feed.Calls(), "tomorrow's series became today's")

		p, err := c.CurrentPrice()
		require.NoError(t, err)
		assert.Equal(t, 3, p.Hour)
		assert.InDelta(t, 0.0315+0.15, p.Price, 1e-9)

		_, err = c.PricesFor("2024-03-01")
		assert.Error(t, err, "past series are evicted")
	})
}

func TestQueries(t *testing.T) {
	c, _, _, _, mc := newTestCache(t, time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC))

	t.Run("Stale", func(t *testing.T) {
		var stale *StaleCacheError
		_, err := c.Prices(types.AllHours)
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, "2024-03-01", stale.Date)
		_, err = c.Average(types.AllHours)
		assert.ErrorAs(t, err, &stale)
		_, err = c.XLowest(types.AllHours, 3)
		assert.ErrorAs(t, err, &stale)
		_, err = c.BelowThreshold(types.AllHours, 1)
		assert.ErrorAs(t, err, &stale)
	})

	prices := []float64{
		0.30, 0.25, 0.20, 0.20, 0.22, 0.28, 0.35, 0.40,
		0.38, 0.30, 0.25, 0.18, 0.15, 0.15, 0.20, 0.26,
		0.33, 0.41, 0.45, 0.39, 0.34, 0.31, 0.29, 0.27,
	}
	c.store(seriesOf("2024-03-01", 0.15, prices...))

	t.Run("Prices", func(t *testing.T) {
		got, err := c.Prices(types.HourRange{Min: 7, Max: 9})
		require.NoError(t, err)
		assert.Equal(t, []int{7, 8, 9}, types.Hours(got))

		got, err = c.Prices(types.HourRange{Min: 9, Max: 7})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = c.Prices(types.HourRange{Min: 0, Max: 24})
		assert.Error(t, err)
	})

	t.Run("Average", func(t *testing.T) {
		avg, err := c.Average(types.HourRange{Min: 0, Max: 3})
		require.NoError(t, err)
		assert.InDelta(t, 0.2375, avg, 1e-9)

		_, err = c.Average(types.HourRange{Min: 5, Max: 4})
		assert.ErrorIs(t, err, ErrEmptyRange)
	})

	t.Run("OffsetZeroIsAverage", func(t *testing.T) {
		for _, r := range []types.HourRange{types.AllHours, {Min: 7, Max: 23}, {Min: 11, Max: 13}} {
			below, err := c.BelowAverage(r)
			require.NoError(t, err)
			offset, err := c.OffsetBelowAverage(r, 0)
			require.NoError(t, err)
			assert.Equal(t, below, offset)

			above, err := c.AboveAverage(r)
			require.NoError(t, err)
			offset, err = c.OffsetAboveAverage(r, 0)
			require.NoError(t, err)
			assert.Equal(t, above, offset)
		}
	})

	t.Run("OffsetBelowAverage", func(t *testing.T) {
		r := types.HourRange{Min: 0, Max: 3}
		// average 0.2375
		got, err := c.OffsetBelowAverage(r, 0.03)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, types.Hours(got))

		got, err = c.OffsetAboveAverage(r, 0.03)
		require.NoError(t, err)
		assert.Equal(t, []int{0}, types.Hours(got))
	})

	t.Run("BestHours", func(t *testing.T) {
		// 7..23 average about 0.2976
		got, err := c.BestHours()
		require.NoError(t, err)
		assert.Equal(t, []int{10, 11, 12, 13, 14, 15, 23}, types.Hours(got))
	})

	t.Run("Thresholds", func(t *testing.T) {
		got, err := c.BelowThreshold(types.AllHours, 0.20)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 11, 12, 13, 14}, types.Hours(got))

		got, err = c.AboveThreshold(types.AllHours, 0.40)
		require.NoError(t, err)
		assert.Equal(t, []int{17, 18}, types.Hours(got))
	})

	t.Run("XLowest", func(t *testing.T) {
		got, err := c.XLowest(types.AllHours, 4)
		require.NoError(t, err)
		// 0.18 at 11, 0.15 at 12 and 13, then 0.20 first seen at hour 2
		assert.Equal(t, []int{2, 11, 12, 13}, types.Hours(got))

		for _, r := range []types.HourRange{types.AllHours, {Min: 7, Max: 23}, {Min: 20, Max: 22}} {
			for _, n := range []int{0, 1, 5, 18, 30} {
				got, err := c.XLowest(r, n)
				require.NoError(t, err)
				assert.Len(t, got, min(n, r.Size()))
				assert.IsIncreasing(t, types.Hours(got))

				all, err := c.BelowThreshold(r, math.Inf(1))
				require.NoError(t, err)
				assert.Subset(t, all, got)

				// nothing left out is cheaper than what was picked
				picked := map[int]bool{}
				worst := math.Inf(-1)
				for _, p := range got {
					picked[p.Hour] = true
					worst = max(worst, p.Price)
				}
				for _, p := range all {
					if !picked[p.Hour] {
						assert.GreaterOrEqual(t, p.Price, worst)
					}
				}
			}
		}
	})

	t.Run("CurrentPrice", func(t *testing.T) {
		mc.Set(time.Date(2024, 3, 1, 17, 45, 0, 0, time.UTC))
		p, err := c.CurrentPrice()
		require.NoError(t, err)
		assert.Equal(t, types.HourPrice{Hour: 17, Price: 0.41}, p)
	})
}

func TestGetRetailDiff(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	withToday := func(c *Cache) {
		prices := make([]float64, 24)
		for h := range prices {
			prices[h] = 0.40
		}
		prices[13] = 0.25 // raw 0.10
		c.store(seriesOf("2024-03-01", 0.15, prices...))
	}

	t.Run("Updated", func(t *testing.T) {
		c, db, _, retail, _ := newTestCache(t, now)
		withToday(c)
		retail.figures = []float64{0.30, 0.28, 0.35}
		db.On("GetPolicy", mock.Anything, types.PolicyIDGlobal).Return(types.ControlPolicy{}, storage.ErrNotFound)
		db.On("SetPolicy", mock.Anything, mock.MatchedBy(func(p types.ControlPolicy) bool {
			return p.ID == types.PolicyIDGlobal && math.Abs(p.RetailDiff-0.18) < 1e-9
		})).Return(nil).Once()

		diff := c.GetRetailDiff(ctx)
		assert.InDelta(t, 0.18, diff, 1e-9)
		assert.InDelta(t, 0.18, c.RetailDiff(), 1e-9)
		db.AssertExpectations(t)
	})

	tests := []struct {
		name    string
		figures []float64
		err     error
		noToday bool
	}{
		{name: "BadStatus", err: errors.New("retail page returned status: 503")},
		{name: "TooFewFigures", figures: []float64{0.30, 0.28}},
		{name: "NoMarketSeries", figures: []float64{0.30, 0.28, 0.35}, noToday: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, db, _, retail, _ := newTestCache(t, now)
			c.retailDiff = 0.13
			if !tt.noToday {
				withToday(c)
			}
			retail.figures = tt.figures
			retail.err = tt.err

			assert.Equal(t, 0.13, c.GetRetailDiff(ctx))
			assert.Equal(t, 0.13, c.RetailDiff())
			db.AssertNotCalled(t, "SetPolicy", mock.Anything, mock.Anything)
		})
	}

	t.Run("PersistFailure", func(t *testing.T) {
		c, db, _, retail, _ := newTestCache(t, now)
		withToday(c)
		retail.figures = []float64{0.30, 0.28, 0.35}
		db.On("GetPolicy", mock.Anything, types.PolicyIDGlobal).Return(types.ControlPolicy{ID: types.PolicyIDGlobal, RetailDiff: 0.15}, nil)
		db.On("SetPolicy", mock.Anything, mock.Anything).Return(errors.New("unavailable"))

		assert.Equal(t, types.DefaultRetailDiff, c.GetRetailDiff(ctx))
	})
}

func TestRetailDiffAppliedOnIngest(t *testing.T) {
	c, db, feed, _, _ := newTestCache(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	c.retailDiff = 0.2
	feed.points[utility.PeriodToday] = quarterHourly("2024-03-01")
	db.On("GetPriceSeries", mock.Anything, "2024-03-01").Return(types.PriceSeries{}, storage.ErrNotFound)
	db.On("UpsertPriceSeries", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, c.RefreshToday(context.Background()))
	s, err := c.PricesFor("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 0.2, s.RetailDiff)
	raw, ok := s.LowestRaw()
	require.True(t, ok)
	assert.InDelta(t, 0.0015, raw, 1e-9)
}
