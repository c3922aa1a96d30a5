package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// ErrNotFound is returned when the requested document or row does not exist.
var ErrNotFound = errors.New("not found")

// Database defines the interface for persisting prices, policies, schedules,
// the charge log and reading measurements.
type Database interface {
	// Prices
	GetPriceSeries(ctx context.Context, date string) (types.PriceSeries, error)
	GetLatestPriceSeries(ctx context.Context) (types.PriceSeries, error)
	UpsertPriceSeries(ctx context.Context, series types.PriceSeries) error

	// Policies
	GetPolicy(ctx context.Context, id string) (types.ControlPolicy, error)
	SetPolicy(ctx context.Context, policy types.ControlPolicy) error

	// Schedules
	GetSchedule(ctx context.Context, deviceID string) (types.Schedule, error)
	SetSchedule(ctx context.Context, deviceID string, schedule types.Schedule) error

	// Charge log
	InsertChargeLog(ctx context.Context, entry types.ChargeLogEntry) error
	GetLatestChargeLog(ctx context.Context, deviceID string) (types.ChargeLogEntry, error)
	// GetChargeLog returns entries in [start, end) oldest first.
	GetChargeLog(ctx context.Context, deviceID string, start, end time.Time) ([]types.ChargeLogEntry, error)

	// Measurements
	// GetMeasurements returns at most limit measurements newest first.
	GetMeasurements(ctx context.Context, location string, limit int) ([]types.Measurement, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
