// Package dispatch drains the inbox. Rows are partitioned by ordering key and
// each partition is replayed in event-time order; a failure stops its
// partition for the rest of the batch so later events never overtake it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// maxBackoffExponent caps the retry delay at base * 64.
const maxBackoffExponent = 6

// Handler applies one claimed inbox event inside a unit of work.
type Handler interface {
	Apply(ctx context.Context, uow storage.UnitOfWork, e model.InboxEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, uow storage.UnitOfWork, e model.InboxEvent) error

func (f HandlerFunc) Apply(ctx context.Context, uow storage.UnitOfWork, e model.InboxEvent) error {
	return f(ctx, uow, e)
}

// Config controls batch selection and retry.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	LeaseTimeout   time.Duration
}

func (c Config) normalized() Config {
	if c.Interval < time.Second {
		c.Interval = time.Second
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.RetryBaseDelay < time.Second {
		c.RetryBaseDelay = time.Second
	}
	if c.LeaseTimeout < 5*time.Second {
		c.LeaseTimeout = 5 * time.Second
	}
	return c
}

// Dispatcher claims actionable inbox rows and hands them to a Handler.
type Dispatcher struct {
	store   storage.Store
	handler Handler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	wake    chan struct{}

	processed     metric.Int64Counter
	failed        metric.Int64Counter
	deadLettered  metric.Int64Counter
	applyDuration metric.Float64Histogram
}

// New creates a Dispatcher. Config values below their minimums are raised.
func New(store storage.Store, handler Handler, cfg Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		handler: handler,
		cfg:     cfg.normalized(),
		logger:  logger,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	d.registerMetrics()
	return d
}

// SetClock replaces the dispatcher's time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Backoff returns the delay before retrying an event that failed on the
// given attempt (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return base * time.Duration(1<<exp)
}

// DispatchNextBatch processes one batch and returns the number of rows it
// selected. A store error while selecting is returned; failures on
// individual rows are recorded on the rows themselves.
func (d *Dispatcher) DispatchNextBatch(ctx context.Context) (int, error) {
	now := d.now().UTC()
	rows, err := d.store.ListDispatchable(ctx, storage.DispatchQuery{
		Now:                now,
		LeaseExpiredBefore: now.Add(-d.cfg.LeaseTimeout),
		Limit:              d.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("dispatch: list dispatchable: %w", err)
	}

	for _, group := range partition(rows) {
		if ctx.Err() != nil {
			break
		}
		d.dispatchGroup(ctx, group)
	}
	return len(rows), nil
}

// partition groups rows by ordering key. Rows within a group are ordered by
// (event time, id) and groups by their first row.
func partition(rows []model.InboxEvent) [][]model.InboxEvent {
	sorted := make([]model.InboxEvent, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return before(sorted[i], sorted[j]) })

	index := make(map[string]int)
	var groups [][]model.InboxEvent
	for _, e := range sorted {
		i, ok := index[e.OrderingKey]
		if !ok {
			i = len(groups)
			index[e.OrderingKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

func before(a, b model.InboxEvent) bool {
	if !a.EventAtUTC.Equal(b.EventAtUTC) {
		return a.EventAtUTC.Before(b.EventAtUTC)
	}
	return a.ID < b.ID
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, group []model.InboxEvent) {
	for _, e := range group {
		if !d.dispatchOne(ctx, e) {
			return
		}
	}
}

// dispatchOne reports whether the partition may continue.
func (d *Dispatcher) dispatchOne(ctx context.Context, e model.InboxEvent) bool {
	now := d.now().UTC()
	attempt, claimed, err := d.store.ClaimInboxEvent(ctx, storage.Claim{
		ID:                 e.ID,
		At:                 now,
		LeaseExpiredBefore: now.Add(-d.cfg.LeaseTimeout),
	})
	if err != nil {
		d.logger.Error("dispatch: claim event", "inbox_id", e.ID, "ordering_key", e.OrderingKey, "error", err)
		return false
	}
	if !claimed {
		d.logger.Debug("dispatch: event claimed elsewhere", "inbox_id", e.ID, "ordering_key", e.OrderingKey)
		return false
	}
	e.AttemptCount = attempt
	e.Status = model.StatusProcessing
	e.LastAttemptAt = &now

	// A started application runs to completion even if the loop is cancelled.
	applyCtx := context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("event_type", e.EventType))
	start := time.Now()
	err = d.store.WithUnitOfWork(applyCtx, func(ctx context.Context, uow storage.UnitOfWork) error {
		if err := d.handler.Apply(ctx, uow, e); err != nil {
			return err
		}
		return uow.MarkInboxProcessed(ctx, e.ID, d.now().UTC())
	})
	d.applyDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err == nil {
		d.processed.Add(ctx, 1, attrs)
		return true
	}

	d.fail(applyCtx, e, attempt, err, attrs)
	return false
}

func (d *Dispatcher) fail(ctx context.Context, e model.InboxEvent, attempt int, cause error, attrs metric.MeasurementOption) {
	now := d.now().UTC()
	f := storage.InboxFailure{
		ID:     e.ID,
		At:     now,
		Status: model.StatusFailed,
		Error:  model.Truncate(cause.Error(), model.MaxErrorLength),
	}
	if attempt >= d.cfg.MaxAttempts {
		f.Status = model.StatusDeadLetter
		d.deadLettered.Add(ctx, 1, attrs)
		d.logger.Warn("dispatch: event dead-lettered",
			"inbox_id", e.ID, "ordering_key", e.OrderingKey, "event_type", e.EventType,
			"attempt", attempt, "error", cause)
	} else {
		next := now.Add(Backoff(d.cfg.RetryBaseDelay, attempt))
		f.NextAttemptAt = &next
		d.failed.Add(ctx, 1, attrs)
		d.logger.Info("dispatch: event failed, will retry",
			"inbox_id", e.ID, "ordering_key", e.OrderingKey, "event_type", e.EventType,
			"attempt", attempt, "next_attempt_at", next, "error", cause)
	}
	if err := d.store.MarkInboxFailed(ctx, f); err != nil {
		d.logger.Error("dispatch: record failure", "inbox_id", e.ID, "error", err)
	}
}

// Wake schedules a drain ahead of the next tick. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the inbox every interval, and whenever Wake is called, until
// ctx is cancelled. Each drain repeats batches until one comes back short.
// Run returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch: started",
		"interval", d.cfg.Interval, "batch_size", d.cfg.BatchSize, "max_attempts", d.cfg.MaxAttempts)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("dispatch: stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := d.DispatchNextBatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("dispatch: batch failed", "error", err)
			}
			return
		}
		if n < d.cfg.BatchSize {
			return
		}
	}
}

func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("kansoku/dispatch")

	d.processed, _ = meter.Int64Counter("kansoku.dispatch.processed",
		metric.WithDescription("Inbox events applied"),
	)
	d.failed, _ = meter.Int64Counter("kansoku.dispatch.failed",
		metric.WithDescription("Inbox events failed and scheduled for retry"),
	)
	d.deadLettered, _ = meter.Int64Counter("kansoku.dispatch.dead_lettered",
		metric.WithDescription("Inbox events moved to dead letter"),
	)
	d.applyDuration, _ = meter.Float64Histogram("kansoku.dispatch.apply.duration",
		metric.WithDescription("Time to apply one inbox event"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("kansoku.inbox.backlog",
		metric.WithDescription("Inbox events not yet processed or dead-lettered"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := d.store.CountBacklog(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
}
