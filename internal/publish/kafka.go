package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rickgao/marketfeed/internal/model"
)

// ErrPublisherClosed is returned by Handle after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Config configures the kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	// Async hands messages to the writer without waiting for the broker.
	// Delivery failures are then only visible in Stats.
	Async bool
}

// Stats contains publisher counters.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher is a handler that writes each tick to a topic.
type KafkaPublisher struct {
	writer messageWriter
	async  bool
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher creates a publisher backed by a kafka.Writer.
func NewKafkaPublisher(cfg Config, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{logger: logger, async: cfg.Async}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        cfg.Async,
	}
	if cfg.Async {
		w.Completion = p.complete
	}
	p.writer = w

	logger.Info("kafka publisher created", "brokers", cfg.Brokers, "topic", cfg.Topic, "async", cfg.Async)
	return p
}

func newWithWriter(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

// Handle encodes tick and writes it to the topic.
func (p *KafkaPublisher) Handle(ctx context.Context, tick model.Tick) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	msg, err := encode(tick)
	if err != nil {
		p.failed.Add(1)
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", tick.Key, err)
	}
	if !p.async {
		p.published.Add(1)
	}
	return nil
}

// complete receives delivery results in async mode.
func (p *KafkaPublisher) complete(msgs []kafka.Message, err error) {
	if err != nil {
		p.failed.Add(int64(len(msgs)))
		p.logger.Warn("kafka delivery failed", "count", len(msgs), "error", err)
		return
	}
	p.published.Add(int64(len(msgs)))
}

// Stats returns publisher counters.
func (p *KafkaPublisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Close flushes pending messages and releases the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.writer.Close()
}

func encode(tick model.Tick) (kafka.Message, error) {
	value, err := json.Marshal(tick)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode tick %s: %w", tick.Key, err)
	}
	msg := kafka.Message{
		Key:   []byte(tick.Key),
		Value: value,
		Time:  tick.ReceivedAt,
	}
	if tick.Mode != "" {
		msg.Headers = []kafka.Header{{Key: "mode", Value: []byte(tick.Mode)}}
	}
	return msg, nil
}
