package measure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/levenlabs/go-lflag"
)

// RedisKeyPrefix prefixes the list holding a location's measurements. Writers
// LPUSH JSON encoded measurements so the head of the list is the newest.
const RedisKeyPrefix = "measurements:"

// Redis reads measurements from Redis lists.
type Redis struct {
	addr     string
	password string
	db       int
	client   *redis.Client
}

// NewRedis returns a Source using an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func configuredRedis() *Redis {
	addr := lflag.String("redis-addr", "localhost:6379", "Redis address (when measurement-source=redis)")
	password := lflag.String("redis-password", "", "Redis password")
	db := 0
	lflag.JSON(&db, "redis-db", db, "Redis database number")

	r := &Redis{}
	lflag.Do(func() {
		r.addr = *addr
		r.password = *password
		r.db = db
	})
	return r
}

// Validate ensures the configuration is valid.
func (r *Redis) Validate() error {
	if r.addr == "" {
		return fmt.Errorf("redis-addr is required")
	}
	return nil
}

// Init connects to Redis.
func (r *Redis) Init(ctx context.Context) error {
	r.client = redis.NewClient(&redis.Options{
		Addr:     r.addr,
		Password: r.password,
		DB:       r.db,
	})
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis at %s: %w", r.addr, err)
	}
	return nil
}

// Push stores m at the head of its location's list.
func (r *Redis) Push(ctx context.Context, m types.Measurement) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal measurement: %w", err)
	}
	return r.client.LPush(ctx, RedisKeyPrefix+m.Location, b).Err()
}

func (r *Redis) Recent(ctx context.Context, location string, limit int) ([]types.Measurement, error) {
	if limit <= 0 {
		return nil, nil
	}
	vals, err := r.client.LRange(ctx, RedisKeyPrefix+location, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read measurements for %s: %w", location, err)
	}
	return decodeMeasurements(ctx, location, vals), nil
}

// decodeMeasurements skips entries that cannot be decoded.
func decodeMeasurements(ctx context.Context, location string, vals []string) []types.Measurement {
	ms := make([]types.Measurement, 0, len(vals))
	for _, v := range vals {
		var m types.Measurement
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed measurement", slog.String("location", location), slog.Any("error", err))
			continue
		}
		m.Location = location
		ms = append(ms, m)
	}
	return ms
}
