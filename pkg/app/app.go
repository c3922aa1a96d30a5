package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chargerudder/chargerudder/pkg/clock"
	"github.com/chargerudder/chargerudder/pkg/controller"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/measure"
	"github.com/chargerudder/chargerudder/pkg/pricecache"
	"github.com/chargerudder/chargerudder/pkg/scheduler"
	"github.com/chargerudder/chargerudder/pkg/server"
	"github.com/chargerudder/chargerudder/pkg/sink"
	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"
)

// BestHoursJobHour is the local hour at which best hours are published.
const BestHoursJobHour = 0

// Intervals controls how often the periodic jobs run.
type Intervals struct {
	Prices       time.Duration
	Retail       time.Duration
	Measurements time.Duration
}

// DefaultIntervals are the intervals used unless overridden by flags.
var DefaultIntervals = Intervals{
	Prices:       5 * time.Minute,
	Retail:       time.Hour,
	Measurements: time.Minute,
}

// App owns every long-running component of the service.
type App struct {
	db        storage.Database
	prices    *pricecache.Cache
	source    measure.Source
	sink      sink.Sink
	server    *server.Server
	cal       clock.Calendar
	devices   []types.DeviceConfig
	intervals Intervals

	controllers []*controller.Controller
}

// New returns an App from already constructed components.
func New(
	db storage.Database,
	prices *pricecache.Cache,
	source measure.Source,
	sk sink.Sink,
	srv *server.Server,
	cal clock.Calendar,
	devices []types.DeviceConfig,
	intervals Intervals,
) *App {
	return &App{
		db:        db,
		prices:    prices,
		source:    source,
		sink:      sk,
		server:    srv,
		cal:       cal,
		devices:   devices,
		intervals: intervals,
	}
}

// Configured registers the flags of every component and returns the App.
// The calendar follows the process time zone, set it with TZ.
func Configured() *App {
	cal := clock.NewCalendar(clock.System{}, time.Local)
	db := storage.Configured()
	prices := pricecache.Configured(db, cal)
	source := measure.Configured(db)
	sk := sink.Configured()
	srv := server.Configured(prices, cal.Today)

	a := New(db, prices, source, sk, srv, cal, nil, DefaultIntervals)
	var devices []types.DeviceConfig
	lflag.JSON(&devices, "devices", []types.DeviceConfig{}, "JSON array of charging device configurations")
	priceInterval := lflag.Duration("price-refresh-interval", DefaultIntervals.Prices, "How often today's and tomorrow's prices are refreshed")
	retailInterval := lflag.Duration("retail-refresh-interval", DefaultIntervals.Retail, "How often the retail diff is scraped")
	measurementInterval := lflag.Duration("measurement-refresh-interval", DefaultIntervals.Measurements, "How often solar measurements are reloaded")

	lflag.Do(func() {
		if len(devices) == 0 {
			panic("at least one device must be configured with --devices")
		}
		seen := map[string]bool{}
		for _, d := range devices {
			if err := d.Validate(); err != nil {
				panic(fmt.Sprintf("invalid device: %v", err))
			}
			if seen[d.ID] {
				panic(fmt.Sprintf("duplicate device id: %s", d.ID))
			}
			seen[d.ID] = true
		}
		a.devices = devices
		a.intervals = Intervals{
			Prices:       *priceInterval,
			Retail:       *retailInterval,
			Measurements: *measurementInterval,
		}
	})
	return a
}

// Init loads the price cache and builds a controller per device.
func (a *App) Init(ctx context.Context) error {
	if err := a.prices.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize price cache: %w", err)
	}
	if err := a.prices.RefreshToday(ctx); err != nil {
		// the scheduler retries on its next tick
		log.Ctx(ctx).WarnContext(ctx, "initial price refresh failed", slog.Any("error", err))
	}

	for _, cfg := range a.devices {
		c, err := controller.New(cfg, controller.Deps{
			DB:           a.db,
			Prices:       a.prices,
			Measurements: a.source,
			Sink:         a.sink,
			Calendar:     a.cal,
		})
		if err != nil {
			return err
		}
		if err := c.Init(ctx); err != nil {
			return err
		}
		a.controllers = append(a.controllers, c)
		a.server.AddDevice(c)
		log.Ctx(ctx).InfoContext(
			ctx,
			"device initialized",
			slog.String("deviceID", cfg.ID),
			slog.String("policyID", cfg.Policy()),
		)
	}
	return nil
}

func (a *App) schedule() *scheduler.Scheduler {
	s := scheduler.New(a.cal)
	s.Repeat("refresh-today", a.intervals.Prices, a.prices.RefreshToday)
	s.Repeat("refresh-tomorrow", a.intervals.Prices, a.prices.RefreshTomorrow)
	s.Repeat("retail-diff", a.intervals.Retail, func(ctx context.Context) error {
		a.prices.GetRetailDiff(ctx)
		return nil
	})
	for _, c := range a.controllers {
		s.Repeat("measurements-"+c.ID(), a.intervals.Measurements, c.RefreshMeasurements)
	}
	s.OnceDailyAt("best-hours", BestHoursJobHour, a.publishBestHours)
	return s
}

// publishBestHours pushes today's best hours to every device.
func (a *App) publishBestHours(ctx context.Context) error {
	prices, err := a.prices.BestHours()
	if err != nil {
		return fmt.Errorf("failed to compute best hours: %w", err)
	}
	hours := types.Hours(prices)
	log.Ctx(ctx).InfoContext(ctx, "publishing best hours", slog.Any("hours", hours))

	var errs []error
	for _, c := range a.controllers {
		err := a.sink.Publish(ctx, sink.Update{
			DeviceID:   c.ID(),
			Capability: sink.CapabilityBestHours,
			Value:      hours,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to publish best hours: %w", errs[0])
	}
	return nil
}

// Run initializes the app, then serves the API and runs the scheduler until
// ctx is done or either fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	// retail diff is scraped once up front so controllers start with a fresh margin
	a.prices.GetRetailDiff(ctx)
	sched := a.schedule()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	err := g.Wait()

	if cerr := a.sink.Close(); cerr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close sinks", slog.Any("error", cerr))
	}
	return err
}

// Close releases storage.
func (a *App) Close() error {
	return a.db.Close()
}
