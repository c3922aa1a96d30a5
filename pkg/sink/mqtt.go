package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/levenlabs/go-lflag"
	mqttv2 "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// MQTT runs an embedded broker and publishes every update as a retained
// message on <prefix>/<deviceID>/<capability> so late subscribers see the
// latest value.
type MQTT struct {
	addr   string
	prefix string
	server *mqttv2.Server
}

// NewMQTT returns a sink whose broker listens on addr. An empty addr only
// serves the inline client.
func NewMQTT(addr, prefix string) *MQTT {
	return &MQTT{addr: addr, prefix: prefix}
}

func configuredMQTT() *MQTT {
	addr := lflag.String("mqtt-listen-addr", ":1883", "Listen address of the embedded MQTT broker")
	prefix := lflag.String("mqtt-topic-prefix", "chargerudder", "Prefix of the topics capability updates are published on")

	m := &MQTT{}
	lflag.Do(func() {
		m.addr = *addr
		m.prefix = *prefix
	})
	return m
}

// Start starts the broker.
func (m *MQTT) Start() error {
	m.server = mqttv2.New(&mqttv2.Options{
		InlineClient: true,
		Logger:       log.Ctx(context.Background()).With(slog.String("component", "mqtt")),
	})
	// Allow all connections.
	_ = m.server.AddHook(new(auth.AllowHook), nil)

	if m.addr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: m.addr})
		if err := m.server.AddListener(tcp); err != nil {
			return fmt.Errorf("failed to add mqtt listener on %s: %w", m.addr, err)
		}
	}
	return m.server.Serve()
}

// Topic returns the topic updates for deviceID and capability go to.
func (m *MQTT) Topic(u Update) string {
	return path.Join(m.prefix, u.DeviceID, string(u.Capability))
}

func (m *MQTT) Publish(ctx context.Context, u Update) error {
	if m.server == nil {
		return fmt.Errorf("mqtt broker not started")
	}
	payload, err := json.Marshal(u.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal mqtt payload: %w", err)
	}
	if err := m.server.Publish(m.Topic(u), payload, true, 0); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Topic(u), err)
	}
	return nil
}

func (m *MQTT) Close() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}
