package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

type fakeWriter struct {
	msgs        []kafkago.Message
	err         error
	hadDeadline bool
	closed      bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	_, w.hadDeadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewProducer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.KafkaConfig
		wantErr error
	}{
		{"disabled", config.KafkaConfig{}, ErrDisabled},
		{"no brokers", config.KafkaConfig{Enabled: true, Topic: "t"}, nil},
		{"valid", config.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "t"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProducer(tt.cfg)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewProducer() error = %v, want %v", err, tt.wantErr)
				}
			case tt.name == "no brokers":
				if err == nil {
					t.Error("NewProducer() should fail without brokers")
				}
			default:
				if err != nil {
					t.Fatalf("NewProducer() error = %v", err)
				}
				if p.Topic() != "t" {
					t.Errorf("Topic() = %q, want t", p.Topic())
				}
				p.Close() //nolint:errcheck // no connection was made
			}
		})
	}
}

func TestEmit(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w, "iot.telemetry")

	if err := p.Emit(context.Background(), []byte("d1"), []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d1" {
		t.Errorf("messages = %+v", w.msgs)
	}
	if !w.hadDeadline {
		t.Error("Emit() should bound the write with a deadline")
	}
}

func TestEmit_KeepsCallerDeadline(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w, "t")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.Emit(ctx, nil, []byte("v")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
}

func TestEmit_Error(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newProducerWithWriter(w, "t")

	if err := p.Emit(context.Background(), nil, []byte("v")); err == nil {
		t.Error("Emit() should return writer error")
	}
}

func TestNilProducer(t *testing.T) {
	var p *Producer
	if err := p.Emit(context.Background(), nil, nil); err != nil {
		t.Errorf("Emit() on nil = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}
