// Package kafka publishes gateway records to a Kafka topic with
// segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

const (
	defaultBatchTimeout = 50 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second
)

// ErrDisabled indicates Kafka export is disabled in configuration.
var ErrDisabled = errors.New("kafka: disabled in configuration")

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer writes keyed messages to one topic.
type Producer struct {
	writer MessageWriter
	topic  string
}

// NewProducer creates a producer for cfg.Topic on cfg.Brokers.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}

	batchTimeout := defaultBatchTimeout
	if cfg.BatchTimeout > 0 {
		batchTimeout = time.Duration(cfg.BatchTimeout) * time.Millisecond
	}

	// Hash balancing keeps one device's records on one partition.
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafkago.RequireOne,
	}
	return &Producer{writer: writer, topic: cfg.Topic}, nil
}

// newProducerWithWriter is used by tests.
func newProducerWithWriter(w MessageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic}
}

// Emit writes one message. A context without a deadline gets a short one
// so a slow cluster cannot stall the caller indefinitely.
func (p *Producer) Emit(ctx context.Context, key, value []byte) error {
	if p == nil || p.writer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
	}
	if err := p.writer.WriteMessages(ctx, kafkago.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("kafka: writing to %s: %w", p.topic, err)
	}
	return nil
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

// Close flushes and closes the writer. Safe on a nil producer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
