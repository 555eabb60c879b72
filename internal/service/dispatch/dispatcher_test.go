package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/dispatch"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder applies events and fails the ones listed in failing.
type recorder struct {
	mu      sync.Mutex
	applied []string
	failing map[string]bool
}

func (r *recorder) Apply(ctx context.Context, uow storage.UnitOfWork, e model.InboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.IdempotencyKey
	if r.failing[key] {
		return fmt.Errorf("apply %s: downstream unavailable", key)
	}
	r.applied = append(r.applied, key)
	return nil
}

func (r *recorder) Applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

var testConfig = dispatch.Config{
	Interval:       time.Second,
	BatchSize:      50,
	MaxAttempts:    8,
	RetryBaseDelay: 5 * time.Second,
	LeaseTimeout:   60 * time.Second,
}

func setup(t *testing.T, h dispatch.Handler, cfg dispatch.Config) (*dispatch.Dispatcher, *memory.Store, *clock) {
	t.Helper()
	store := memory.New()
	clk := &clock{now: t0.Add(time.Hour)}
	d := dispatch.New(store, h, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.SetClock(clk.Now)
	return d, store, clk
}

func insert(t *testing.T, store *memory.Store, key, orderingKey string, at time.Time) int64 {
	t.Helper()
	ok, err := store.InsertInboxEvent(context.Background(), model.InboxEvent{
		Source:         "test",
		EventType:      model.EventActiveCallObserved,
		OrderingKey:    orderingKey,
		EventAtUTC:     at,
		ObservedAtUTC:  at,
		IdempotencyKey: key,
		PayloadJSON:    []byte(`{}`),
	})
	require.NoError(t, err)
	require.True(t, ok)
	for _, e := range store.InboxEvents() {
		if e.IdempotencyKey == key {
			return e.ID
		}
	}
	t.Fatalf("inserted row %s not found", key)
	return 0
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	base := 5 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{7, 320 * time.Second},
		{8, 320 * time.Second},
		{20, 320 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dispatch.Backoff(base, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDispatchOrdersWithinPartition(t *testing.T) {
	rec := &recorder{}
	d, store, _ := setup(t, rec, testConfig)

	// Inserted out of event-time order; same timestamp falls back to id.
	insert(t, store, "a3", "call:a", t0.Add(3*time.Second))
	insert(t, store, "b1", "call:b", t0.Add(2*time.Second))
	insert(t, store, "a1", "call:a", t0.Add(1*time.Second))
	insert(t, store, "a2", "call:a", t0.Add(3*time.Second))

	n, err := d.DispatchNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"a1", "a3", "a2", "b1"}, rec.Applied())

	for _, e := range store.InboxEvents() {
		assert.Equal(t, model.StatusProcessed, e.Status, e.IdempotencyKey)
		assert.Equal(t, 1, e.AttemptCount)
		assert.NotNil(t, e.ProcessedAtUTC)
	}
}

func TestFailureStopsOnlyItsPartition(t *testing.T) {
	rec := &recorder{failing: map[string]bool{"a1": true}}
	d, store, clk := setup(t, rec, testConfig)

	a1 := insert(t, store, "a1", "call:a", t0)
	a2 := insert(t, store, "a2", "call:a", t0.Add(time.Second))
	insert(t, store, "b1", "call:b", t0.Add(2*time.Second))

	_, err := d.DispatchNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, rec.Applied())

	failed, _ := store.Inbox(a1)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.NextAttemptAt)
	assert.Equal(t, clk.Now().Add(5*time.Second), *failed.NextAttemptAt)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "downstream unavailable")

	blocked, _ := store.Inbox(a2)
	assert.Equal(t, model.StatusPending, blocked.Status)
	assert.Zero(t, blocked.AttemptCount)

	// The stop holds for one batch. While a1 backs off it is not selected,
	// so the next batch moves on to a2.
	_, err = d.DispatchNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "a2"}, rec.Applied())
}

func TestRetryThenDeadLetter(t *testing.T) {
	rec := &recorder{failing: map[string]bool{"a1": true}}
	cfg := testConfig
	cfg.MaxAttempts = 3
	d, store, clk := setup(t, rec, cfg)
	id := insert(t, store, "a1", "call:a", t0)
	ctx := context.Background()

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second}
	for i, delay := range wantDelays {
		_, err := d.DispatchNextBatch(ctx)
		require.NoError(t, err)
		e, _ := store.Inbox(id)
		require.Equal(t, model.StatusFailed, e.Status)
		require.Equal(t, i+1, e.AttemptCount)
		require.NotNil(t, e.NextAttemptAt)
		assert.Equal(t, clk.Now().Add(delay), *e.NextAttemptAt)

		clk.Advance(delay / 2)
		n, err := d.DispatchNextBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "row must wait for its next attempt")
		clk.Advance(delay / 2)
	}

	_, err := d.DispatchNextBatch(ctx)
	require.NoError(t, err)
	e, _ := store.Inbox(id)
	assert.Equal(t, model.StatusDeadLetter, e.Status)
	assert.Equal(t, 3, e.AttemptCount)
	assert.Nil(t, e.NextAttemptAt)
	require.NotNil(t, e.LastError)

	clk.Advance(time.Hour)
	n, err := d.DispatchNextBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead letters are never retried")

	dead, err := store.ListInboxByStatus(ctx, model.StatusDeadLetter, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestErrorTextIsTruncated(t *testing.T) {
	long := make([]byte, 3*model.MaxErrorLength)
	for i := range long {
		long[i] = 'x'
	}
	h := dispatch.HandlerFunc(func(context.Context, storage.UnitOfWork, model.InboxEvent) error {
		return errors.New(string(long))
	})
	d, store, _ := setup(t, h, testConfig)
	id := insert(t, store, "a1", "call:a", t0)

	_, err := d.DispatchNextBatch(context.Background())
	require.NoError(t, err)
	e, _ := store.Inbox(id)
	require.NotNil(t, e.LastError)
	assert.Len(t, *e.LastError, model.MaxErrorLength)
}

func TestStuckLeaseIsReclaimed(t *testing.T) {
	rec := &recorder{}
	d, store, clk := setup(t, rec, testConfig)
	id := insert(t, store, "a1", "call:a", t0)
	ctx := context.Background()

	// A worker claimed the row and died.
	_, claimed, err := store.ClaimInboxEvent(ctx, storage.Claim{ID: id, At: clk.Now(), LeaseExpiredBefore: clk.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := d.DispatchNextBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still held")

	clk.Advance(61 * time.Second)
	n, err = d.DispatchNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, _ := store.Inbox(id)
	assert.Equal(t, model.StatusProcessed, e.Status)
	assert.Equal(t, 2, e.AttemptCount)
}

func TestFailedApplyRollsBackWrites(t *testing.T) {
	h := dispatch.HandlerFunc(func(ctx context.Context, uow storage.UnitOfWork, e model.InboxEvent) error {
		if err := uow.InsertOutbox(ctx, model.OutboxMessage{Topic: model.TopicLifecycleChanged, AggregateKey: "k"}); err != nil {
			return err
		}
		return errors.New("projection write failed")
	})
	d, store, _ := setup(t, h, testConfig)
	insert(t, store, "a1", "call:a", t0)

	_, err := d.DispatchNextBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.Outbox())
}

func TestBatchLimit(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig
	cfg.BatchSize = 2
	d, store, _ := setup(t, rec, cfg)
	for i := range 5 {
		insert(t, store, fmt.Sprintf("e%d", i), fmt.Sprintf("call:%d", i), t0.Add(time.Duration(i)*time.Second))
	}

	n, err := d.DispatchNextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e0", "e1"}, rec.Applied())
}

func TestRunDrainsOnWakeAndStops(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig
	cfg.Interval = time.Hour
	cfg.BatchSize = 2
	d, store, _ := setup(t, rec, cfg)
	store.OnInsert(func(string) { d.Wake() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := range 5 {
		insert(t, store, fmt.Sprintf("e%d", i), "call:a", t0.Add(time.Duration(i)*time.Second))
	}
	require.Eventually(t, func() bool { return len(rec.Applied()) == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, rec.Applied())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
