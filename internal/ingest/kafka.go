// Package ingest moves belief events between Kafka and the engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/logger"
	"github.com/lazypower/valence/internal/values"
)

// Header keys set on dead-lettered messages.
const (
	HeaderReason = "valence-reason"
	HeaderError  = "valence-error"
)

// Config groups the Kafka settings for consuming belief events.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	DLQTopic string // empty disables dead-lettering
}

// Validate reports missing settings.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("kafka topic must not be empty")
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return fmt.Errorf("kafka group id must not be empty")
	}
	if c.DLQTopic == c.Topic {
		return fmt.Errorf("dead-letter topic must differ from %q", c.Topic)
	}
	return nil
}

// Ingester applies a belief event. *engine.Engine satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, ev values.BeliefEvent) (engine.IngestResult, error)
}

type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats counts what the consumer has done with the messages it fetched.
type Stats struct {
	Applied      int64 `json:"applied"`
	Duplicates   int64 `json:"duplicates"`
	NoOps        int64 `json:"no_ops"`
	DeadLettered int64 `json:"dead_lettered"`
	Failed       int64 `json:"failed"`
}

// Consumer reads belief events from a topic and feeds them to an Ingester.
// Events the engine will never accept (malformed, out of order, invariant
// failures) are dead-lettered and committed. Any other failure is retried on
// the same message with backoff; nothing behind it is fetched until it
// succeeds, since committing a later offset would skip it.
type Consumer struct {
	reader fetcher
	dlq    messageWriter
	eng    Ingester
	log    *logger.Logger

	retryWait time.Duration

	applied, duplicates, noops, deadLettered, failed atomic.Int64
}

// NewConsumer connects a group reader (and a dead-letter writer when
// configured) to eng.
func NewConsumer(cfg Config, eng Ingester, log *logger.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, fmt.Errorf("ingester must not be nil")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return newConsumer(reader, dlq, eng, log), nil
}

func newConsumer(r fetcher, dlq messageWriter, eng Ingester, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{reader: r, dlq: dlq, eng: eng, log: log, retryWait: time.Second}
}

// Stats returns the current counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Applied:      c.applied.Load(),
		Duplicates:   c.duplicates.Load(),
		NoOps:        c.noops.Load(),
		DeadLettered: c.deadLettered.Load(),
		Failed:       c.failed.Load(),
	}
}

const maxBackoff = 10 * time.Second

// Run consumes until ctx is cancelled. Fetch and handling errors back off
// exponentially up to ten seconds.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()
	c.log.Info("ingest: consumer started")

	backoff := c.retryWait
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("ingest: consumer stopped", "applied", c.applied.Load())
				return nil
			}
			c.log.Error("ingest: fetch failed", "error", err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = c.retryWait

		if !c.process(ctx, msg) {
			c.log.Info("ingest: consumer stopped", "applied", c.applied.Load(), "pending_offset", msg.Offset)
			return nil
		}
	}
}

// process handles msg until it is committed or ctx is done. It reports false
// when ctx ended first, leaving msg uncommitted for redelivery.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	wait := c.retryWait
	for {
		commit, err := c.handle(ctx, msg)
		if err == nil {
			if commit {
				if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
					c.log.Error("ingest: commit failed", "offset", msg.Offset, "error", err)
				}
			}
			return true
		}
		c.failed.Add(1)
		if ctx.Err() != nil {
			return false
		}
		c.log.Error("ingest: message failed, retrying", "partition", msg.Partition, "offset", msg.Offset, "retry_in", wait, "error", err)
		if !sleep(ctx, wait) {
			return false
		}
		wait = min(wait*2, maxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle applies one message and reports whether its offset may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (bool, error) {
	var ev values.BeliefEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return c.deadLetter(ctx, msg, engine.CodeInvalid, fmt.Errorf("decode event: %w", err))
	}

	res, err := c.eng.Ingest(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrOutOfOrder),
			errors.Is(err, engine.ErrInvalidEvent),
			errors.Is(err, engine.ErrInvariantViolation):
			return c.deadLetter(ctx, msg, engine.Code(err), err)
		default:
			return false, err
		}
	}

	switch res.Status {
	case engine.StatusDuplicate:
		c.duplicates.Add(1)
	case engine.StatusNoOp:
		c.noops.Add(1)
	default:
		c.applied.Add(1)
	}
	return true, nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, code string, cause error) (bool, error) {
	c.log.Warn("ingest: event dead-lettered", "reason", code, "offset", msg.Offset, "error", cause)
	if c.dlq == nil {
		c.deadLettered.Add(1)
		return true, nil
	}
	out := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: HeaderReason, Value: []byte(code)},
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		),
	}
	if err := c.dlq.WriteMessages(ctx, out); err != nil {
		return false, fmt.Errorf("write dead letter: %w", err)
	}
	c.deadLettered.Add(1)
	return true, nil
}

func (c *Consumer) close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("ingest: reader close", "error", err)
	}
	if c.dlq != nil {
		if err := c.dlq.Close(); err != nil {
			c.log.Error("ingest: dead-letter writer close", "error", err)
		}
	}
}

// Publisher writes belief events to a topic keyed by user id, so one user's
// events stay on one partition and arrive in order.
type Publisher struct {
	w messageWriter
}

// NewPublisher returns a Publisher for topic.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	return &Publisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

// Publish validates and writes events in one batch.
func (p *Publisher) Publish(ctx context.Context, evs ...values.BeliefEvent) error {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("event %s: %w", ev.BeliefID, err)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.BeliefID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.UserID), Value: data})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
