package pricecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chargerudder/chargerudder/pkg/clock"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/metrics"
	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/chargerudder/chargerudder/pkg/utility"
	"github.com/levenlabs/go-lflag"
)

const (
	// DefaultCutoverHour is the local hour from which tomorrow's prices are
	// expected to be published.
	DefaultCutoverHour = 18

	// MinRetailFigures is the number of tariff figures the retail page must
	// offer before it is trusted.
	MinRetailFigures = 3
)

var (
	// ErrRefreshInProgress is returned when a refresh for the same date is
	// already running.
	ErrRefreshInProgress = errors.New("price refresh already in progress")

	// ErrEmptyRange is returned when an aggregate is requested over no hours.
	ErrEmptyRange = errors.New("empty hour range")
)

// StaleCacheError is returned by queries when no series for Date is cached.
type StaleCacheError struct {
	Date string
}

func (e *StaleCacheError) Error() string {
	return fmt.Sprintf("no price series cached for %s", e.Date)
}

// Feed returns sub-hourly market prices.
type Feed interface {
	Fetch(ctx context.Context, period utility.Period) ([]utility.FeedPoint, error)
}

// RetailSource returns the tariff figures of the reference retail page.
type RetailSource interface {
	Figures(ctx context.Context) ([]float64, error)
}

// Options tune a Cache.
type Options struct {
	CutoverHour       int
	DefaultRetailDiff float64
}

// Cache holds the day-ahead price series for today and tomorrow and answers
// numeric queries over today's series.
type Cache struct {
	db     storage.Database
	feed   Feed
	retail RetailSource
	cal    clock.Calendar

	cutoverHour int
	defaultDiff float64

	mu         sync.RWMutex
	series     map[string]types.PriceSeries
	retailDiff float64

	flightMu sync.Mutex
	inFlight map[string]bool
}

// New returns a Cache. Init must be called before use.
func New(db storage.Database, feed Feed, retail RetailSource, cal clock.Calendar, opts Options) *Cache {
	c := newCache(db, cal)
	c.feed = feed
	c.retail = retail
	c.cutoverHour = opts.CutoverHour
	c.defaultDiff = opts.DefaultRetailDiff
	return c
}

func newCache(db storage.Database, cal clock.Calendar) *Cache {
	return &Cache{
		db:          db,
		cal:         cal,
		cutoverHour: DefaultCutoverHour,
		defaultDiff: types.DefaultRetailDiff,
		series:      make(map[string]types.PriceSeries),
		inFlight:    make(map[string]bool),
	}
}

// Configured sets up flags for the price cache and its sources and returns
// the instance.
func Configured(db storage.Database, cal clock.Calendar) *Cache {
	c := newCache(db, cal)
	market := utility.ConfiguredMarket()
	retail := utility.ConfiguredRetail()

	cutover := DefaultCutoverHour
	lflag.JSON(&cutover, "price-tomorrow-cutover-hour", cutover, "Hour of the day from which tomorrow's prices are fetched")
	defaultDiff := types.DefaultRetailDiff
	lflag.JSON(&defaultDiff, "default-retail-diff", defaultDiff, "Retail diff in EUR/kWh used until one has been scraped")

	lflag.Do(func() {
		if err := market.Validate(); err != nil {
			panic(fmt.Sprintf("market feed validation failed: %v", err))
		}
		if err := retail.Validate(); err != nil {
			panic(fmt.Sprintf("retail validation failed: %v", err))
		}
		if cutover < 0 || cutover > 23 {
			panic(fmt.Sprintf("invalid price-tomorrow-cutover-hour: %d", cutover))
		}
		c.feed = market
		c.retail = retail
		c.cutoverHour = cutover
		c.defaultDiff = defaultDiff
	})
	return c
}

// Init loads the persisted retail diff and any persisted series for today and
// tomorrow.
func (c *Cache) Init(ctx context.Context) error {
	diff := c.defaultDiff
	global, err := c.db.GetPolicy(ctx, types.PolicyIDGlobal)
	switch {
	case err == nil:
		diff = global.RetailDiff
	case errors.Is(err, storage.ErrNotFound):
		log.Ctx(ctx).InfoContext(ctx, "no persisted retail diff, using default", slog.Float64("retailDiff", diff))
	default:
		return fmt.Errorf("failed to load retail diff: %w", err)
	}

	c.mu.Lock()
	c.retailDiff = diff
	c.mu.Unlock()
	metrics.RetailDiff.Set(diff)

	for _, date := range []string{c.cal.Today(), c.cal.Tomorrow()} {
		s, err := c.db.GetPriceSeries(ctx, date)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load price series %s: %w", date, err)
		}
		c.store(s)
	}
	return nil
}

// RetailDiff returns the cached retail diff.
func (c *Cache) RetailDiff() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retailDiff
}

func (c *Cache) store(s types.PriceSeries) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series[s.Date] = s
}

func (c *Cache) has(date string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.series[date]
	return ok
}

// evict drops every series older than today. A cached tomorrow becomes today
// on its own since series are keyed by date.
func (c *Cache) evict(today string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for date := range c.series {
		if date < today {
			delete(c.series, date)
		}
	}
}

func (c *Cache) begin(date string) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.inFlight[date] {
		return false
	}
	c.inFlight[date] = true
	return true
}

func (c *Cache) end(date string) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	delete(c.inFlight, date)
}

// RefreshToday makes sure today's series is cached. It only reaches the
// market feed when neither memory nor storage has a series for today.
func (c *Cache) RefreshToday(ctx context.Context) error {
	today := c.cal.Today()
	c.evict(today)
	return c.refresh(ctx, "today", today, utility.PeriodToday)
}

// RefreshTomorrow fetches tomorrow's series once the cutover hour has passed.
// A feed that has not published tomorrow yet is not an error.
func (c *Cache) RefreshTomorrow(ctx context.Context) error {
	if c.cal.Hour() < c.cutoverHour {
		return nil
	}
	c.evict(c.cal.Today())
	return c.refresh(ctx, "tomorrow", c.cal.Tomorrow(), utility.PeriodTomorrow)
}

func (c *Cache) refresh(ctx context.Context, target, date string, period utility.Period) error {
	if c.has(date) {
		return nil
	}
	if !c.begin(date) {
		return ErrRefreshInProgress
	}
	defer c.end(date)

	ctx = log.WithAttrs(ctx, slog.String("target", target), slog.String("date", date))

	s, err := c.db.GetPriceSeries(ctx, date)
	if err == nil {
		c.store(s)
		metrics.PriceRefreshes.WithLabelValues(target, "stored").Inc()
		log.Ctx(ctx).InfoContext(ctx, "loaded persisted price series")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		metrics.PriceRefreshes.WithLabelValues(target, "error").Inc()
		return fmt.Errorf("failed to load price series %s: %w", date, err)
	}

	points, err := c.feed.Fetch(ctx, period)
	if err != nil {
		metrics.PriceRefreshes.WithLabelValues(target, "error").Inc()
		return err
	}
	if period == utility.PeriodTomorrow && notPublished(points, c.cal.Today()) {
		metrics.PriceRefreshes.WithLabelValues(target, "not_published").Inc()
		log.Ctx(ctx).DebugContext(ctx, "tomorrow's prices not published yet")
		return nil
	}
	if len(points) == 0 {
		metrics.PriceRefreshes.WithLabelValues(target, "error").Inc()
		return fmt.Errorf("market feed returned no prices for %s", date)
	}
	if err := utility.CheckDate(points, date); err != nil {
		metrics.PriceRefreshes.WithLabelValues(target, "mismatch").Inc()
		log.Ctx(ctx).WarnContext(ctx, "market feed returned another day", slog.Any("error", err))
		return err
	}

	hourly, err := utility.Downsample(points)
	if err != nil {
		metrics.PriceRefreshes.WithLabelValues(target, "error").Inc()
		return err
	}
	diff := c.RetailDiff()
	for i := range hourly {
		hourly[i].Price += diff
	}
	s = types.PriceSeries{
		Date:       date,
		Prices:     hourly,
		RetailDiff: diff,
		FetchedAt:  c.cal.Now(),
	}
	if err := c.db.UpsertPriceSeries(ctx, s); err != nil {
		metrics.PriceRefreshes.WithLabelValues(target, "error").Inc()
		return fmt.Errorf("failed to persist price series %s: %w", date, err)
	}
	c.store(s)
	metrics.PriceRefreshes.WithLabelValues(target, "fetched").Inc()
	log.Ctx(ctx).InfoContext(
		ctx,
		"refreshed price series",
		slog.Int("records", len(points)),
		slog.Float64("retailDiff", diff),
	)
	return nil
}

// notPublished reports whether a tomorrow request came back empty or still
// with today's prices.
func notPublished(points []utility.FeedPoint, today string) bool {
	if len(points) == 0 {
		return true
	}
	for _, p := range points {
		if p.Date != today {
			return false
		}
	}
	return true
}

// GetRetailDiff recomputes the margin between the cheapest retail tariff and
// today's cheapest market price, persists it and returns it. Any failure
// leaves the cached margin in place and returns it.
func (c *Cache) GetRetailDiff(ctx context.Context) float64 {
	figures, err := c.retail.Figures(ctx)
	if err != nil {
		return c.degrade(ctx, "failed to fetch retail figures", err)
	}
	if len(figures) < MinRetailFigures {
		return c.degrade(ctx, "not enough retail figures", fmt.Errorf("found %d figures, need %d", len(figures), MinRetailFigures))
	}
	lowestRetail := figures[0]
	for _, f := range figures[1:] {
		lowestRetail = min(lowestRetail, f)
	}

	s, err := c.todaySeries()
	if err != nil {
		return c.degrade(ctx, "no market prices to compare with", err)
	}
	lowestRaw, ok := s.LowestRaw()
	if !ok {
		return c.degrade(ctx, "no market prices to compare with", fmt.Errorf("series %s is empty", s.Date))
	}

	diff := lowestRetail - lowestRaw
	global, err := c.db.GetPolicy(ctx, types.PolicyIDGlobal)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return c.degrade(ctx, "failed to load global policy", err)
		}
		global = types.ControlPolicy{ID: types.PolicyIDGlobal}
	}
	global.RetailDiff = diff
	if err := c.db.SetPolicy(ctx, global); err != nil {
		return c.degrade(ctx, "failed to persist retail diff", err)
	}

	c.mu.Lock()
	c.retailDiff = diff
	c.mu.Unlock()
	metrics.RetailDiff.Set(diff)
	metrics.RetailDiffUpdates.WithLabelValues("updated").Inc()
	log.Ctx(ctx).InfoContext(
		ctx,
		"updated retail diff",
		slog.Float64("retailDiff", diff),
		slog.Float64("lowestRetail", lowestRetail),
		slog.Float64("lowestMarket", lowestRaw),
	)
	return diff
}

func (c *Cache) degrade(ctx context.Context, msg string, err error) float64 {
	diff := c.RetailDiff()
	metrics.RetailDiffUpdates.WithLabelValues("degraded").Inc()
	log.Ctx(ctx).WarnContext(
		ctx,
		msg,
		slog.Bool("degraded", true),
		slog.Float64("retailDiff", diff),
		slog.Any("error", err),
	)
	return diff
}
