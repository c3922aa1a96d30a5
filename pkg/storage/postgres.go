package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/jmoiron/sqlx"
	"github.com/levenlabs/go-lflag"
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS price_series (
	date        TEXT PRIMARY KEY,
	prices      JSONB NOT NULL,
	retail_diff DOUBLE PRECISION NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS policies (
	id              TEXT PRIMARY KEY,
	price_threshold DOUBLE PRECISION NOT NULL,
	active          BOOLEAN NOT NULL,
	essent_diff     DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
	device_id             TEXT PRIMARY KEY,
	enabled               BOOLEAN NOT NULL,
	deadline_day          TEXT NOT NULL,
	deadline_hour         INTEGER NOT NULL,
	charging_window_hours INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS charge_log (
	id        UUID PRIMARY KEY,
	device_id TEXT NOT NULL,
	state     TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS charge_log_device_ts ON charge_log (device_id, ts);
CREATE TABLE IF NOT EXISTS measurements (
	id       BIGSERIAL PRIMARY KEY,
	location TEXT NOT NULL,
	value    DOUBLE PRECISION NOT NULL,
	ts       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS measurements_location_ts ON measurements (location, ts);
`

// PostgresProvider implements Database on PostgreSQL.
type PostgresProvider struct {
	db  *sqlx.DB
	dsn string
}

func configuredPostgres() *PostgresProvider {
	dsn := lflag.String("postgres-dsn", "", "PostgreSQL connection string (when storage-provider=postgres)")

	p := &PostgresProvider{}
	lflag.Do(func() {
		p.dsn = *dsn
	})
	return p
}

// NewPostgres returns a provider for dsn. Init must be called before use.
func NewPostgres(dsn string) *PostgresProvider {
	return &PostgresProvider{dsn: dsn}
}

// Validate checks if the provider is properly configured.
func (p *PostgresProvider) Validate() error {
	if p.dsn == "" {
		return fmt.Errorf("postgres-dsn is required")
	}
	return nil
}

// Init connects to the database and creates missing tables.
func (p *PostgresProvider) Init(ctx context.Context) error {
	db, err := sqlx.Open("postgres", p.dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create postgres schema: %w", err)
	}
	p.db = db
	log.Ctx(ctx).InfoContext(ctx, "connected to postgres")
	return nil
}

// Close closes the connection pool.
func (p *PostgresProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

type priceSeriesRow struct {
	Date       string    `db:"date"`
	Prices     string    `db:"prices"`
	RetailDiff float64   `db:"retail_diff"`
	FetchedAt  time.Time `db:"fetched_at"`
}

func (r priceSeriesRow) series() (types.PriceSeries, error) {
	s := types.PriceSeries{
		Date:       r.Date,
		RetailDiff: r.RetailDiff,
		FetchedAt:  r.FetchedAt,
	}
	if err := json.Unmarshal([]byte(r.Prices), &s.Prices); err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to unmarshal prices of %s: %w", r.Date, err)
	}
	return s, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// GetPriceSeries retrieves the series stored for date.
func (p *PostgresProvider) GetPriceSeries(ctx context.Context, date string) (types.PriceSeries, error) {
	var row priceSeriesRow
	err := p.db.GetContext(ctx, &row, `SELECT date, prices, retail_diff, fetched_at FROM price_series WHERE date = $1`, date)
	if err != nil {
		return types.PriceSeries{}, notFound(err, "price series "+date)
	}
	return row.series()
}

// GetLatestPriceSeries retrieves the series with the greatest date.
func (p *PostgresProvider) GetLatestPriceSeries(ctx context.Context) (types.PriceSeries, error) {
	var row priceSeriesRow
	err := p.db.GetContext(ctx, &row, `SELECT date, prices, retail_diff, fetched_at FROM price_series ORDER BY date DESC LIMIT 1`)
	if err != nil {
		return types.PriceSeries{}, notFound(err, "latest price series")
	}
	return row.series()
}

// UpsertPriceSeries stores the series under its date.
func (p *PostgresProvider) UpsertPriceSeries(ctx context.Context, series types.PriceSeries) error {
	if err := series.Validate(); err != nil {
		return err
	}
	prices, err := json.Marshal(series.Prices)
	if err != nil {
		return fmt.Errorf("failed to marshal prices: %w", err)
	}
	_, err = sqlx.NamedExecContext(ctx, p.db, `
		INSERT INTO price_series (date, prices, retail_diff, fetched_at)
		VALUES (:date, :prices, :retail_diff, :fetched_at)
		ON CONFLICT (date) DO UPDATE SET
			prices = EXCLUDED.prices,
			retail_diff = EXCLUDED.retail_diff,
			fetched_at = EXCLUDED.fetched_at`,
		priceSeriesRow{
			Date:       series.Date,
			Prices:     string(prices),
			RetailDiff: series.RetailDiff,
			FetchedAt:  series.FetchedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to upsert price series: %w", err)
	}
	return nil
}

type policyRow struct {
	ID             string  `db:"id"`
	PriceThreshold float64 `db:"price_threshold"`
	Active         bool    `db:"active"`
	RetailDiff     float64 `db:"essent_diff"`
}

// GetPolicy retrieves a policy by id.
func (p *PostgresProvider) GetPolicy(ctx context.Context, id string) (types.ControlPolicy, error) {
	var row policyRow
	err := p.db.GetContext(ctx, &row, `SELECT id, price_threshold, active, essent_diff FROM policies WHERE id = $1`, id)
	if err != nil {
		return types.ControlPolicy{}, notFound(err, "policy "+id)
	}
	return types.ControlPolicy(row), nil
}

// SetPolicy inserts or replaces the policy.
func (p *PostgresProvider) SetPolicy(ctx context.Context, policy types.ControlPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy id cannot be empty")
	}
	_, err := sqlx.NamedExecContext(ctx, p.db, `
		INSERT INTO policies (id, price_threshold, active, essent_diff)
		VALUES (:id, :price_threshold, :active, :essent_diff)
		ON CONFLICT (id) DO UPDATE SET
			price_threshold = EXCLUDED.price_threshold,
			active = EXCLUDED.active,
			essent_diff = EXCLUDED.essent_diff`,
		policyRow(policy),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

type scheduleRow struct {
	DeviceID            string `db:"device_id"`
	Enabled             bool   `db:"enabled"`
	DeadlineDay         string `db:"deadline_day"`
	DeadlineHour        int    `db:"deadline_hour"`
	ChargingWindowHours int    `db:"charging_window_hours"`
}

// GetSchedule retrieves the schedule of a device.
func (p *PostgresProvider) GetSchedule(ctx context.Context, deviceID string) (types.Schedule, error) {
	var row scheduleRow
	err := p.db.GetContext(ctx, &row, `
		SELECT device_id, enabled, deadline_day, deadline_hour, charging_window_hours
		FROM schedules WHERE device_id = $1`, deviceID)
	if err != nil {
		return types.Schedule{}, notFound(err, "schedule "+deviceID)
	}
	return types.Schedule{
		Enabled:             row.Enabled,
		DeadlineDay:         row.DeadlineDay,
		DeadlineHour:        row.DeadlineHour,
		ChargingWindowHours: row.ChargingWindowHours,
	}, nil
}

// SetSchedule inserts or replaces the schedule of a device.
func (p *PostgresProvider) SetSchedule(ctx context.Context, deviceID string, schedule types.Schedule) error {
	if deviceID == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	_, err := sqlx.NamedExecContext(ctx, p.db, `
		INSERT INTO schedules (device_id, enabled, deadline_day, deadline_hour, charging_window_hours)
		VALUES (:device_id, :enabled, :deadline_day, :deadline_hour, :charging_window_hours)
		ON CONFLICT (device_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			deadline_day = EXCLUDED.deadline_day,
			deadline_hour = EXCLUDED.deadline_hour,
			charging_window_hours = EXCLUDED.charging_window_hours`,
		scheduleRow{
			DeviceID:            deviceID,
			Enabled:             schedule.Enabled,
			DeadlineDay:         schedule.DeadlineDay,
			DeadlineHour:        schedule.DeadlineHour,
			ChargingWindowHours: schedule.ChargingWindowHours,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

type chargeLogRow struct {
	ID        string    `db:"id"`
	DeviceID  string    `db:"device_id"`
	State     string    `db:"state"`
	Timestamp time.Time `db:"ts"`
}

func (r chargeLogRow) entry() types.ChargeLogEntry {
	return types.ChargeLogEntry{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		State:     types.ChargeState(r.State),
		Timestamp: r.Timestamp,
	}
}

// InsertChargeLog appends an entry. Entries are never updated.
func (p *PostgresProvider) InsertChargeLog(ctx context.Context, entry types.ChargeLogEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO charge_log (id, device_id, state, ts) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.DeviceID, string(entry.State), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert charge log entry: %w", err)
	}
	return nil
}

// GetLatestChargeLog retrieves the most recent entry for the device.
func (p *PostgresProvider) GetLatestChargeLog(ctx context.Context, deviceID string) (types.ChargeLogEntry, error) {
	var row chargeLogRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, device_id, state, ts FROM charge_log WHERE device_id = $1 ORDER BY ts DESC LIMIT 1`,
		deviceID,
	)
	if err != nil {
		return types.ChargeLogEntry{}, notFound(err, "charge log for "+deviceID)
	}
	return row.entry(), nil
}

// GetChargeLog retrieves the device's entries within [start, end).
func (p *PostgresProvider) GetChargeLog(ctx context.Context, deviceID string, start, end time.Time) ([]types.ChargeLogEntry, error) {
	var rows []chargeLogRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, device_id, state, ts FROM charge_log WHERE device_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC`,
		deviceID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get charge log: %w", err)
	}
	entries := make([]types.ChargeLogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry())
	}
	return entries, nil
}

type measurementRow struct {
	Value     float64   `db:"value"`
	Location  string    `db:"location"`
	Timestamp time.Time `db:"ts"`
}

// InsertMeasurement stores a measurement. Only used by tests and tooling.
func (p *PostgresProvider) InsertMeasurement(ctx context.Context, m types.Measurement) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO measurements (location, value, ts) VALUES ($1, $2, $3)`,
		m.Location, m.Value, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// GetMeasurements retrieves up to limit of the newest measurements for the
// location, newest first.
func (p *PostgresProvider) GetMeasurements(ctx context.Context, location string, limit int) ([]types.Measurement, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []measurementRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT value, location, ts FROM measurements WHERE location = $1 ORDER BY ts DESC LIMIT $2`,
		location, limit,
	)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to select measurements", slog.String("location", location), slog.Any("error", err))
		return nil, fmt.Errorf("failed to get measurements: %w", err)
	}
	measurements := make([]types.Measurement, 0, len(rows))
	for _, r := range rows {
		measurements = append(measurements, types.Measurement(r))
	}
	return measurements, nil
}
