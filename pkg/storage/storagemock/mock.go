package storagemock

import (
	"context"
	"time"

	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetPriceSeries(ctx context.Context, date string) (types.PriceSeries, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(types.PriceSeries), args.Error(1)
}

func (m *MockDatabase) GetLatestPriceSeries(ctx context.Context) (types.PriceSeries, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.PriceSeries), args.Error(1)
}

func (m *MockDatabase) UpsertPriceSeries(ctx context.Context, series types.PriceSeries) error {
	args := m.Called(ctx, series)
	return args.Error(0)
}

func (m *MockDatabase) GetPolicy(ctx context.Context, id string) (types.ControlPolicy, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.ControlPolicy), args.Error(1)
}

func (m *MockDatabase) SetPolicy(ctx context.Context, policy types.ControlPolicy) error {
	args := m.Called(ctx, policy)
	return args.Error(0)
}

func (m *MockDatabase) GetSchedule(ctx context.Context, deviceID string) (types.Schedule, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(types.Schedule), args.Error(1)
}

func (m *MockDatabase) SetSchedule(ctx context.Context, deviceID string, schedule types.Schedule) error {
	args := m.Called(ctx, deviceID, schedule)
	return args.Error(0)
}

func (m *MockDatabase) InsertChargeLog(ctx context.Context, entry types.ChargeLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestChargeLog(ctx context.Context, deviceID string) (types.ChargeLogEntry, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(types.ChargeLogEntry), args.Error(1)
}

func (m *MockDatabase) GetChargeLog(ctx context.Context, deviceID string, start, end time.Time) ([]types.ChargeLogEntry, error) {
	args := m.Called(ctx, deviceID, start, end)
	if len(args) > 0 && args.Get(0) != nil {
		return args.Get(0).([]types.ChargeLogEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetMeasurements(ctx context.Context, location string, limit int) ([]types.Measurement, error) {
	args := m.Called(ctx, location, limit)
	if len(args) > 0 && args.Get(0) != nil {
		return args.Get(0).([]types.Measurement), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
