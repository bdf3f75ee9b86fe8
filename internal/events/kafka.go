package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/logging"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors bus events to a Kafka topic, keyed by symbol
type KafkaSink struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	logger  *logging.Logger
}

// NewKafkaSink builds a synchronous writer for cfg.Topic
func NewKafkaSink(cfg config.KafkaConfig, logger *logging.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 100 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(writer, cfg.Topic, logger), nil
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(w MessageWriter, topic string, logger *logging.Logger) *KafkaSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &KafkaSink{
		writer:  w,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  logger.WithComponent("kafka"),
	}
}

// Attach subscribes the sink to every event on bus
func (k *KafkaSink) Attach(bus *EventBus) {
	bus.SubscribeAll(func(e Event) {
		if err := k.Write(context.Background(), e); err != nil {
			k.logger.Warn("Failed to publish event", "type", e.Type, "error", err)
		}
	})
}

// Write publishes one event
func (k *KafkaSink) Write(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	// A writer built with Addr carries no Topic, so the message names it.
	if w, ok := k.writer.(*kafka.Writer); !ok || w.Topic == "" {
		msg.Topic = k.topic
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
