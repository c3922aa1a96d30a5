package measure

import (
	"context"
	"fmt"

	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Source reads solar power measurements. Recent returns at most limit
// measurements for location, newest first.
type Source interface {
	Recent(ctx context.Context, location string, limit int) ([]types.Measurement, error)
}

// Storage reads measurements from the database.
type Storage struct {
	db storage.Database
}

// NewStorage returns a Source backed by db.
func NewStorage(db storage.Database) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Recent(ctx context.Context, location string, limit int) ([]types.Measurement, error) {
	ms, err := s.db.GetMeasurements(ctx, location, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read measurements for %s: %w", location, err)
	}
	return ms, nil
}

// Configured sets up the measurement source selected by flags.
func Configured(db storage.Database) Source {
	provider := lflag.String("measurement-source", "storage", "Where solar measurements are read from (available: storage, redis)")
	rs := configuredRedis()

	var p struct{ Source }
	lflag.Do(func() {
		switch *provider {
		case "storage":
			p.Source = NewStorage(db)
		case "redis":
			if err := rs.Validate(); err != nil {
				panic(fmt.Sprintf("redis validation failed: %v", err))
			}
			if err := rs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("redis init failed: %v", err))
			}
			p.Source = rs
		default:
			panic(fmt.Sprintf("unknown measurement source: %s", *provider))
		}
	})
	return &p
}
