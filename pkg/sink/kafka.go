package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/segmentio/kafka-go"
)

// Kafka publishes updates as JSON records keyed by device so one device's
// updates stay ordered within a partition.
type Kafka struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
}

// NewKafka returns an initialized Kafka sink.
func NewKafka(brokers []string, topic string) *Kafka {
	k := &Kafka{brokers: brokers, topic: topic}
	k.Init()
	return k
}

func configuredKafka() *Kafka {
	brokers := lflag.String("kafka-brokers", "", "Comma separated Kafka bootstrap brokers")
	topic := lflag.String("kafka-topic", "chargerudder.capabilities", "Kafka topic capability updates are written to")

	k := &Kafka{}
	lflag.Do(func() {
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				k.brokers = append(k.brokers, b)
			}
		}
		k.topic = *topic
	})
	return k
}

// Validate ensures the configuration is valid.
func (k *Kafka) Validate() error {
	if len(k.brokers) == 0 {
		return fmt.Errorf("kafka-brokers is required")
	}
	if k.topic == "" {
		return fmt.Errorf("kafka-topic is required")
	}
	return nil
}

// Init creates the writer.
func (k *Kafka) Init() {
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        k.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func kafkaMessage(u Update, now time.Time) (kafka.Message, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal kafka message: %w", err)
	}
	return kafka.Message{
		Key:   []byte(u.DeviceID),
		Value: b,
		Time:  now,
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, u Update) error {
	msg, err := kafkaMessage(u, time.Now())
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
