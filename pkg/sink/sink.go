package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/metrics"
	"github.com/levenlabs/go-lflag"
)

// Capability names a value the host displays for a device.
type Capability string

const (
	CapabilityStatus       Capability = "status"
	CapabilityPowerAverage Capability = "power_average"
	CapabilityBestHours    Capability = "best_hours"
)

// Update is a single capability value pushed to the host.
type Update struct {
	DeviceID   string     `json:"deviceID"`
	Capability Capability `json:"capability"`
	Value      any        `json:"value"`
}

// Sink receives capability updates.
type Sink interface {
	Publish(ctx context.Context, u Update) error
	Close() error
}

// Log writes every update to the context logger.
type Log struct{}

func (Log) Publish(ctx context.Context, u Update) error {
	log.Ctx(ctx).InfoContext(
		ctx,
		"capability update",
		slog.String("deviceID", u.DeviceID),
		slog.String("capability", string(u.Capability)),
		slog.Any("value", u.Value),
	)
	return nil
}

func (Log) Close() error { return nil }

type named struct {
	name string
	Sink
}

// Multi fans every update out to all of its sinks.
type Multi struct {
	sinks []named
}

// NewMulti returns a Multi publishing to sinks keyed by name.
func NewMulti() *Multi {
	return &Multi{}
}

// Add registers s under name.
func (m *Multi) Add(name string, s Sink) {
	m.sinks = append(m.sinks, named{name: name, Sink: s})
}

// Publish sends u to every sink and joins their errors.
func (m *Multi) Publish(ctx context.Context, u Update) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, u); err != nil {
			metrics.SinkErrors.WithLabelValues(s.name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Configured sets up the sinks selected by flags.
func Configured() Sink {
	names := lflag.String("sinks", "log", "Comma separated capability sinks (available: log, mqtt, kafka)")
	mq := configuredMQTT()
	kf := configuredKafka()

	m := NewMulti()
	lflag.Do(func() {
		for _, name := range strings.Split(*names, ",") {
			switch strings.TrimSpace(name) {
			case "":
			case "log":
				m.Add("log", Log{})
			case "mqtt":
				if err := mq.Start(); err != nil {
					panic(fmt.Sprintf("mqtt sink failed to start: %v", err))
				}
				m.Add("mqtt", mq)
			case "kafka":
				if err := kf.Validate(); err != nil {
					panic(fmt.Sprintf("kafka sink validation failed: %v", err))
				}
				kf.Init()
				m.Add("kafka", kf)
			default:
				panic(fmt.Sprintf("unknown sink: %s", name))
			}
		}
	})
	return m
}
