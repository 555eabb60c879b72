// Package push is the push channel: producers publish envelopes to a Redis
// stream and a consumer group feeds them to the inbox writer.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
)

// fieldEnvelope is the stream entry field holding the JSON envelope. Any
// other fields are treated as trace propagation headers.
const fieldEnvelope = "envelope"

// Writer stages one envelope in the inbox.
type Writer interface {
	Write(ctx context.Context, env model.Envelope) (ingest.Result, error)
}

// Config names the stream, consumer group and consumer.
type Config struct {
	Stream     string
	Group      string
	Consumer   string
	Count      int64
	Block      time.Duration
	RetryDelay time.Duration
}

// Consumer reads envelopes from a Redis stream consumer group. Entries are
// acknowledged once written or found to be duplicates, acknowledged and
// dropped when invalid, and left pending when the write fails so they are
// delivered again.
type Consumer struct {
	rdb    redis.UniversalClient
	writer Writer
	cfg    Config
	logger *slog.Logger

	recovering bool
}

// NewConsumer creates a Consumer.
func NewConsumer(rdb redis.UniversalClient, w Writer, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Consumer{rdb: rdb, writer: w, cfg: cfg, logger: logger}
}

// Publish appends env to stream with the caller's trace context.
func Publish(ctx context.Context, rdb redis.Cmdable, stream string, env model.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("push: marshal envelope: %w", err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	values := map[string]any{fieldEnvelope: string(raw)}
	for k, v := range carrier {
		values[k] = v
	}
	id, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("push: publish: %w", err)
	}
	return id, nil
}

// Run consumes until ctx is cancelled. Entries this consumer received but
// never acknowledged are processed first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("push: consumer started", "stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Consumer)
	c.recovering = true

	for ctx.Err() == nil {
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("push: read failed", "stream", c.cfg.Stream, "error", err)
			c.sleep(ctx, c.cfg.RetryDelay)
		}
	}
	c.logger.Info("push: consumer stopped")
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("push: create consumer group: %w", err)
	}
	return nil
}

// poll reads one batch. While recovering it reads this consumer's pending
// entries instead of new ones.
func (c *Consumer) poll(ctx context.Context) error {
	start := ">"
	if c.recovering {
		start = "0"
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, start},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	if c.recovering && len(msgs) == 0 {
		c.recovering = false
		return nil
	}

	failed := false
	for _, msg := range msgs {
		if !c.handle(ctx, msg) {
			failed = true
		}
	}
	if failed {
		c.recovering = true
		c.sleep(ctx, c.cfg.RetryDelay)
	}
	return nil
}

// handle writes one entry and reports whether it was settled.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) bool {
	carrier := propagation.MapCarrier{}
	for k, v := range msg.Values {
		if s, ok := v.(string); ok && k != fieldEnvelope {
			carrier[k] = s
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	raw, _ := msg.Values[fieldEnvelope].(string)
	var env model.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.logger.Warn("push: undecodable entry dropped", "entry_id", msg.ID, "error", err)
		return c.ack(ctx, msg.ID)
	}

	res, err := c.writer.Write(ctx, env)
	switch {
	case errors.Is(err, ingest.ErrValidation):
		c.logger.Warn("push: invalid envelope dropped", "entry_id", msg.ID, "event_type", env.EventType, "error", err)
		return c.ack(ctx, msg.ID)
	case err != nil:
		c.logger.Error("push: write failed, entry left pending", "entry_id", msg.ID, "error", err)
		return false
	}
	if !res.Inserted {
		c.logger.Debug("push: duplicate envelope", "entry_id", msg.ID, "idempotency_key", res.IdempotencyKey)
	}
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) bool {
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("push: ack failed", "entry_id", id, "error", err)
		return false
	}
	return true
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
