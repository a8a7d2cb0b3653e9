// Package events publishes one summary event per finished pipeline run to
// Kafka. With publishing disabled the events are only logged.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/pipeline"
)

var _ pipeline.EventSink = (*Publisher)(nil)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// messageWriter is the subset of [kafka.Writer] the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements [pipeline.EventSink]. Writes are asynchronous: Publish
// never waits for the broker and delivery failures are logged and counted.
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	metrics *observe.Metrics
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithMetrics overrides the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// New creates a publisher. A nil or disabled config, or one without
// brokers, yields a log-only publisher.
func New(cfg *Config, opts ...Option) *Publisher {
	p := &Publisher{metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(p)
	}

	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		slog.Info("events: kafka disabled, using log-only mode")
		if cfg != nil {
			p.topic = cfg.Topic
		}
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	topic := cfg.Topic
	p.topic = topic
	p.enabled = true
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		Completion: func(msgs []kafka.Message, err error) {
			for range msgs {
				p.metrics.RecordEventPublish(context.Background(), topic, err)
			}
			if err != nil {
				slog.Error("events: failed to write to kafka", "topic", topic, "messages", len(msgs), "err", err)
			}
		},
	}

	slog.Info("events: kafka publisher initialized", "brokers", cfg.Brokers, "topic", topic)
	return p
}

// Enabled reports whether events are sent to Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// Publish implements [pipeline.EventSink]. Messages are keyed by request ID
// so all events of one request land on the same partition.
func (p *Publisher) Publish(ctx context.Context, ev pipeline.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		observe.Logger(ctx).Error("events: failed to marshal event", "type", ev.Type, "err", err)
		return
	}

	observe.Logger(ctx).Debug("events: publishing",
		"topic", p.topic,
		"type", ev.Type,
		"request_id", ev.RequestID,
		"status", ev.Status,
	)

	if !p.enabled || p.writer == nil {
		p.metrics.RecordEventPublish(ctx, p.topic, nil)
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
		},
	}
	// The request context may be cancelled right after the response is
	// written; the message must outlive it.
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		observe.Logger(ctx).Error("events: failed to enqueue event", "topic", p.topic, "err", err)
		p.metrics.RecordEventPublish(ctx, p.topic, err)
	}
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		slog.Error("events: error closing writer", "err", err)
		return err
	}
	return nil
}
