// Package ingest is the inbox producer: it validates inbound envelopes,
// derives their idempotency keys and stages them in the inbox exactly once.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/idempotency"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// ErrValidation marks malformed envelopes. Such errors are the producer's
// bug and are never retried.
var ErrValidation = errors.New("ingest: validation failed")

// Result describes the outcome of a write.
type Result struct {
	IdempotencyKey string
	// Inserted is false when the envelope was a duplicate.
	Inserted bool
}

// Writer stages envelopes in the inbox.
type Writer struct {
	inbox    storage.Inbox
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	inserted   metric.Int64Counter
	duplicates metric.Int64Counter
}

// NewWriter creates a Writer.
func NewWriter(inbox storage.Inbox, logger *slog.Logger) *Writer {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	meter := telemetry.Meter("kansoku/ingest")
	inserted, _ := meter.Int64Counter("kansoku.ingest.inserted",
		metric.WithDescription("Envelopes written to the inbox"),
	)
	duplicates, _ := meter.Int64Counter("kansoku.ingest.duplicates",
		metric.WithDescription("Envelopes skipped as duplicates"),
	)
	return &Writer{
		inbox:      inbox,
		validate:   v,
		logger:     logger,
		now:        time.Now,
		inserted:   inserted,
		duplicates: duplicates,
	}
}

// Write validates env and inserts it as a Pending inbox row. A duplicate is
// reported through Result.Inserted, not as an error.
func (w *Writer) Write(ctx context.Context, env model.Envelope) (Result, error) {
	if err := w.check(env); err != nil {
		return Result{}, err
	}

	source := strings.TrimSpace(env.Source)
	eventType := strings.TrimSpace(env.EventType)
	orderingKey := strings.TrimSpace(env.OrderingKey)
	payloadHash := idempotency.PayloadHash(env.PayloadJSON)
	var key string
	if idempotency.IsBlank(env.IdempotencyKey) {
		key = idempotency.Create(source, eventType, orderingKey, env.EventAtUTC, payloadHash)
	} else {
		key = idempotency.Normalize(env.IdempotencyKey)
	}

	e := model.InboxEvent{
		Source:         source,
		EventType:      eventType,
		OrderingKey:    orderingKey,
		SequenceID:     env.SequenceID,
		EventAtUTC:     env.EventAtUTC.UTC(),
		ObservedAtUTC:  w.now().UTC(),
		IdempotencyKey: key,
		PayloadHash:    payloadHash,
		PayloadJSON:    json.RawMessage(env.PayloadJSON),
		Status:         model.StatusPending,
	}
	ok, err := w.inbox.InsertInboxEvent(ctx, e)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: write envelope: %w", err)
	}

	attrs := metric.WithAttributes(attribute.String("event_type", env.EventType), attribute.String("source", e.Source))
	if !ok {
		w.duplicates.Add(ctx, 1, attrs)
		w.logger.Debug("ingest: duplicate envelope skipped",
			"event_type", env.EventType, "ordering_key", e.OrderingKey, "idempotency_key", key)
		return Result{IdempotencyKey: key}, nil
	}
	w.inserted.Add(ctx, 1, attrs)
	return Result{IdempotencyKey: key, Inserted: true}, nil
}

// WriteBatch writes envelopes in order and stops at the first store error.
// Validation failures are logged and skipped so one bad row does not block
// the rest of a poll.
func (w *Writer) WriteBatch(ctx context.Context, envs []model.Envelope) (inserted int, err error) {
	for _, env := range envs {
		res, err := w.Write(ctx, env)
		if errors.Is(err, ErrValidation) {
			w.logger.Warn("ingest: envelope rejected", "event_type", env.EventType, "source", env.Source, "error", err)
			continue
		}
		if err != nil {
			return inserted, err
		}
		if res.Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func (w *Writer) check(env model.Envelope) error {
	if err := w.validate.Struct(env); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
			}
			return fmt.Errorf("%w: invalid fields: %s", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !json.Valid([]byte(env.PayloadJSON)) {
		return fmt.Errorf("%w: payloadJson is not valid JSON", ErrValidation)
	}
	if _, err := model.DecodePayload(env.EventType, []byte(env.PayloadJSON)); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
