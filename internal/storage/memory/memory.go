// Package memory is an in-process implementation of storage.Store. It backs
// the service tests and the KANSOKU_STORE=memory development mode.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

type agentKey struct{ queueID, agentID string }

type snapshotKey struct {
	batchKey string
	callKey  lifecycle.CallKey
}

// state is everything one unit of work may touch. Units of work run on a
// clone and swap it in on success.
type state struct {
	nextOutboxID   int64
	nextActivityID int64
	nextSnapshotID int64
	inbox          map[int64]model.InboxEvent
	calls          map[lifecycle.CallKey]model.CallProjection
	agents         map[agentKey]model.AgentRuntime
	activities     map[string]model.AgentActivity
	snapshots      map[snapshotKey]model.WaitingSnapshot
	outbox         []model.OutboxMessage
}

func (s *state) clone() *state {
	c := *s
	c.inbox = maps.Clone(s.inbox)
	c.calls = maps.Clone(s.calls)
	c.agents = maps.Clone(s.agents)
	c.activities = maps.Clone(s.activities)
	c.snapshots = maps.Clone(s.snapshots)
	c.outbox = slices.Clone(s.outbox)
	return &c
}

// Store is safe for concurrent use. Units of work are serialized.
type Store struct {
	mu          sync.Mutex
	nextInboxID int64
	inboxKeys   map[string]int64
	s           *state
	onInsert    func(orderingKey string)
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		inboxKeys: make(map[string]int64),
		s: &state{
			inbox:      make(map[int64]model.InboxEvent),
			calls:      make(map[lifecycle.CallKey]model.CallProjection),
			agents:     make(map[agentKey]model.AgentRuntime),
			activities: make(map[string]model.AgentActivity),
			snapshots:  make(map[snapshotKey]model.WaitingSnapshot),
		},
	}
}

// OnInsert registers fn to be called after every new inbox row. It plays the
// role of the Postgres inbox notification.
func (m *Store) OnInsert(fn func(orderingKey string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInsert = fn
}

func (m *Store) InsertInboxEvent(_ context.Context, e model.InboxEvent) (bool, error) {
	m.mu.Lock()
	if _, dup := m.inboxKeys[e.IdempotencyKey]; dup {
		m.mu.Unlock()
		return false, nil
	}
	m.nextInboxID++
	e.ID = m.nextInboxID
	e.Status = model.StatusPending
	e.EventAtUTC = e.EventAtUTC.UTC()
	e.ObservedAtUTC = e.ObservedAtUTC.UTC()
	m.inboxKeys[e.IdempotencyKey] = e.ID
	m.s.inbox[e.ID] = e
	hook := m.onInsert
	m.mu.Unlock()

	if hook != nil {
		hook(e.OrderingKey)
	}
	return true, nil
}

func claimable(e model.InboxEvent, now, leaseCutoff time.Time) bool {
	switch e.Status {
	case model.StatusPending:
		return true
	case model.StatusFailed:
		return e.NextAttemptAt != nil && !e.NextAttemptAt.After(now)
	case model.StatusProcessing:
		return e.LastAttemptAt != nil && e.LastAttemptAt.Before(leaseCutoff)
	default:
		return false
	}
}

func sortInbox(events []model.InboxEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].EventAtUTC.Equal(events[j].EventAtUTC) {
			return events[i].EventAtUTC.Before(events[j].EventAtUTC)
		}
		return events[i].ID < events[j].ID
	})
}

func (m *Store) ListDispatchable(_ context.Context, q storage.DispatchQuery) ([]model.InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.InboxEvent
	for _, e := range m.s.inbox {
		if claimable(e, q.Now, q.LeaseExpiredBefore) {
			out = append(out, e)
		}
	}
	sortInbox(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Store) ClaimInboxEvent(_ context.Context, c storage.Claim) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.s.inbox[c.ID]
	if !ok || !claimable(e, c.At, c.LeaseExpiredBefore) {
		return 0, false, nil
	}
	at := c.At.UTC()
	e.Status = model.StatusProcessing
	e.AttemptCount++
	e.LastAttemptAt = &at
	e.NextAttemptAt = nil
	m.s.inbox[c.ID] = e
	return e.AttemptCount, true, nil
}

func (m *Store) MarkInboxFailed(_ context.Context, f storage.InboxFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.s.inbox[f.ID]
	if !ok {
		return storage.ErrNotFound
	}
	at := f.At.UTC()
	msg := model.Truncate(f.Error, model.MaxErrorLength)
	e.Status = f.Status
	e.LastAttemptAt = &at
	e.NextAttemptAt = nil
	if f.NextAttemptAt != nil {
		next := f.NextAttemptAt.UTC()
		e.NextAttemptAt = &next
	}
	e.LastError = &msg
	m.s.inbox[f.ID] = e
	return nil
}

func (m *Store) ListInboxByStatus(_ context.Context, status model.ProcessingStatus, limit int) ([]model.InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.InboxEvent
	for _, e := range m.s.inbox {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sortInbox(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) CountBacklog(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.s.inbox {
		switch e.Status {
		case model.StatusPending, model.StatusProcessing, model.StatusFailed:
			n++
		}
	}
	return n, nil
}

// WithUnitOfWork runs fn against a private copy of the store and publishes
// the copy only when fn succeeds.
func (m *Store) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow storage.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.s.clone()
	if err := fn(ctx, &unitOfWork{s: work}); err != nil {
		return err
	}
	m.s = work
	return nil
}

// Inbox returns the inbox row with id.
func (m *Store) Inbox(id int64) (model.InboxEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.s.inbox[id]
	return e, ok
}

// InboxEvents returns every inbox row ordered by (event time, id).
func (m *Store) InboxEvents() []model.InboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.s.inbox))
	sortInbox(out)
	return out
}

// Outbox returns every outbox row in insertion order.
func (m *Store) Outbox() []model.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.s.outbox)
}

// Calls returns every call projection ordered by creation.
func (m *Store) Calls() []model.CallProjection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.s.calls))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Activities returns every agent activity row ordered by id.
func (m *Store) Activities() []model.AgentActivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.s.activities))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshots returns every waiting snapshot ordered by id.
func (m *Store) Snapshots() []model.WaitingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.s.snapshots))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns the runtime row for an agent.
func (m *Store) Agent(queueID, agentID string) (model.AgentRuntime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.s.agents[agentKey{queueID, agentID}]
	return a, ok
}
