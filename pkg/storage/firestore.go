package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// docTimeLayout is a fixed width UTC timestamp so document IDs sort in time
// order.
const docTimeLayout = "2006-01-02T15:04:05.000000000Z"

// FirestoreProvider implements Database using Google Cloud Firestore.
// Every record is stored as a JSON blob in the "json" field.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// project id can be inferred from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// subCollection returns a per-key sub collection such as
// devices/{deviceID}/charge_log.
func (f *FirestoreProvider) subCollection(parent, key, name string) (*firestore.CollectionRef, error) {
	if key == "" {
		return nil, fmt.Errorf("%s id cannot be empty", parent)
	}
	return f.client.Collection(parent).Doc(key).Collection(name), nil
}

func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetPriceSeries retrieves the series stored for date from "price_series".
func (f *FirestoreProvider) GetPriceSeries(ctx context.Context, date string) (types.PriceSeries, error) {
	if date == "" {
		return types.PriceSeries{}, fmt.Errorf("date cannot be empty")
	}
	doc, err := f.client.Collection("price_series").Doc(date).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PriceSeries{}, fmt.Errorf("%w: price series %s", ErrNotFound, date)
		}
		return types.PriceSeries{}, fmt.Errorf("failed to get price series %s: %w", date, err)
	}
	var s types.PriceSeries
	if err := decodeDoc(ctx, doc, &s); err != nil {
		return types.PriceSeries{}, err
	}
	return s, nil
}

// GetLatestPriceSeries retrieves the series with the greatest date.
func (f *FirestoreProvider) GetLatestPriceSeries(ctx context.Context) (types.PriceSeries, error) {
	iter := f.client.Collection("price_series").
		OrderBy("date", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.PriceSeries{}, fmt.Errorf("%w: no price series", ErrNotFound)
	}
	if err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to get latest price series: %w", err)
	}
	var s types.PriceSeries
	if err := decodeDoc(ctx, doc, &s); err != nil {
		return types.PriceSeries{}, err
	}
	return s, nil
}

// UpsertPriceSeries stores the series under its date, replacing any existing
// series for that date.
func (f *FirestoreProvider) UpsertPriceSeries(ctx context.Context, series types.PriceSeries) error {
	if err := series.Validate(); err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to marshal price series: %w", err)
	}
	_, err = f.client.Collection("price_series").Doc(series.Date).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
		"date": series.Date,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price series: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy from the "policies" collection.
func (f *FirestoreProvider) GetPolicy(ctx context.Context, id string) (types.ControlPolicy, error) {
	if id == "" {
		return types.ControlPolicy{}, fmt.Errorf("policy id cannot be empty")
	}
	doc, err := f.client.Collection("policies").Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ControlPolicy{}, fmt.Errorf("%w: policy %s", ErrNotFound, id)
		}
		return types.ControlPolicy{}, fmt.Errorf("failed to get policy %s: %w", id, err)
	}
	var p types.ControlPolicy
	if err := decodeDoc(ctx, doc, &p); err != nil {
		return types.ControlPolicy{}, err
	}
	p.ID = id
	return p, nil
}

// SetPolicy stores the policy under its id.
func (f *FirestoreProvider) SetPolicy(ctx context.Context, policy types.ControlPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy id cannot be empty")
	}
	jsonBytes, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	_, err = f.client.Collection("policies").Doc(policy.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

// GetSchedule retrieves a device's schedule from the "schedules" collection.
func (f *FirestoreProvider) GetSchedule(ctx context.Context, deviceID string) (types.Schedule, error) {
	if deviceID == "" {
		return types.Schedule{}, fmt.Errorf("device id cannot be empty")
	}
	doc, err := f.client.Collection("schedules").Doc(deviceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, deviceID)
		}
		return types.Schedule{}, fmt.Errorf("failed to get schedule %s: %w", deviceID, err)
	}
	var s types.Schedule
	if err := decodeDoc(ctx, doc, &s); err != nil {
		return types.Schedule{}, err
	}
	return s, nil
}

// SetSchedule stores the schedule under the device id.
func (f *FirestoreProvider) SetSchedule(ctx context.Context, deviceID string, schedule types.Schedule) error {
	if deviceID == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	jsonBytes, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	_, err = f.client.Collection("schedules").Doc(deviceID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func chargeLogDocID(entry types.ChargeLogEntry) string {
	return entry.Timestamp.UTC().Format(docTimeLayout) + "_" + entry.ID
}

// InsertChargeLog adds an entry to the device's "charge_log" sub collection.
// The document ID starts with the timestamp for efficient range queries.
func (f *FirestoreProvider) InsertChargeLog(ctx context.Context, entry types.ChargeLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("charge log entry missing id")
	}
	coll, err := f.subCollection("devices", entry.DeviceID, "charge_log")
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal charge log entry: %w", err)
	}
	// Create fails if the document exists so entries are never overwritten
	_, err = coll.Doc(chargeLogDocID(entry)).Create(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert charge log entry: %w", err)
	}
	return nil
}

// GetLatestChargeLog retrieves the most recent entry for the device.
func (f *FirestoreProvider) GetLatestChargeLog(ctx context.Context, deviceID string) (types.ChargeLogEntry, error) {
	coll, err := f.subCollection("devices", deviceID, "charge_log")
	if err != nil {
		return types.ChargeLogEntry{}, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.ChargeLogEntry{}, fmt.Errorf("%w: no charge log for %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return types.ChargeLogEntry{}, fmt.Errorf("failed to get latest charge log doc: %w", err)
	}
	var e types.ChargeLogEntry
	if err := decodeDoc(ctx, doc, &e); err != nil {
		return types.ChargeLogEntry{}, err
	}
	return e, nil
}

// GetChargeLog retrieves the device's entries within [start, end).
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetChargeLog(ctx context.Context, deviceID string, start, end time.Time) ([]types.ChargeLogEntry, error) {
	coll, err := f.subCollection("devices", deviceID, "charge_log")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(docTimeLayout))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(docTimeLayout))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.ChargeLogEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating charge log: %w", err)
		}
		var e types.ChargeLogEntry
		if err := decodeDoc(ctx, doc, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// InsertMeasurement stores a measurement in the location's "measurements" sub
// collection. Ingestion happens outside of chargerudder so this is only used
// by tests and tooling.
func (f *FirestoreProvider) InsertMeasurement(ctx context.Context, m types.Measurement) error {
	coll, err := f.subCollection("locations", m.Location, "measurements")
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal measurement: %w", err)
	}
	_, err = coll.Doc(m.Timestamp.UTC().Format(docTimeLayout)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": m.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// GetMeasurements retrieves up to limit of the newest measurements for the
// location, newest first.
func (f *FirestoreProvider) GetMeasurements(ctx context.Context, location string, limit int) ([]types.Measurement, error) {
	coll, err := f.subCollection("locations", location, "measurements")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var measurements []types.Measurement
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating measurements: %w", err)
		}
		var m types.Measurement
		if err := decodeDoc(ctx, doc, &m); err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}
	return measurements, nil
}
