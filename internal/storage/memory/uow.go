package memory

import (
	"context"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

type unitOfWork struct {
	s *state
}

func (u *unitOfWork) FindCall(_ context.Context, l storage.CallLookup) (model.CallProjection, error) {
	matchers := []struct {
		want string
		get  func(model.CallProjection) string
	}{
		{l.CdrID, func(c model.CallProjection) string { return c.Correlation.CdrID }},
		{l.CallHistoryID, func(c model.CallProjection) string { return c.Correlation.CallHistoryID }},
		{l.MainCallHistoryID, func(c model.CallProjection) string { return c.Correlation.ParentCallHistoryID }},
		{l.ProviderCallID, func(c model.CallProjection) string { return c.Correlation.ProviderCallID }},
		{l.CorrelationKey, func(c model.CallProjection) string { return c.CorrelationKey }},
	}
	for _, m := range matchers {
		if m.want == "" {
			continue
		}
		var (
			found model.CallProjection
			ok    bool
		)
		for _, c := range u.s.calls {
			if m.get(c) != m.want {
				continue
			}
			if !ok || c.CreatedAt.Before(found.CreatedAt) ||
				(c.CreatedAt.Equal(found.CreatedAt) && c.Key < found.Key) {
				found, ok = c, true
			}
		}
		if ok {
			return found, nil
		}
	}
	return model.CallProjection{}, storage.ErrNotFound
}

func (u *unitOfWork) SaveCall(_ context.Context, c model.CallProjection) error {
	if prev, ok := u.s.calls[c.Key]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	u.s.calls[c.Key] = c
	return nil
}

func (u *unitOfWork) GetAgentRuntime(_ context.Context, queueID, agentID string) (model.AgentRuntime, error) {
	a, ok := u.s.agents[agentKey{queueID, agentID}]
	if !ok {
		return model.AgentRuntime{}, storage.ErrNotFound
	}
	return a, nil
}

func (u *unitOfWork) SaveAgentRuntime(_ context.Context, a model.AgentRuntime) error {
	u.s.agents[agentKey{a.QueueID, a.AgentID}] = a
	return nil
}

func (u *unitOfWork) InsertAgentActivity(_ context.Context, a model.AgentActivity) (bool, error) {
	if _, dup := u.s.activities[a.IdempotencyKey]; dup {
		return false, nil
	}
	u.s.nextActivityID++
	a.ID = u.s.nextActivityID
	u.s.activities[a.IdempotencyKey] = a
	return true, nil
}

func (u *unitOfWork) InsertWaitingSnapshot(_ context.Context, s model.WaitingSnapshot) (bool, error) {
	k := snapshotKey{s.BatchKey, s.CallKey}
	if _, dup := u.s.snapshots[k]; dup {
		return false, nil
	}
	u.s.nextSnapshotID++
	s.ID = u.s.nextSnapshotID
	u.s.snapshots[k] = s
	return true, nil
}

func (u *unitOfWork) InsertOutbox(_ context.Context, m model.OutboxMessage) error {
	u.s.nextOutboxID++
	m.ID = u.s.nextOutboxID
	u.s.outbox = append(u.s.outbox, m)
	return nil
}

func (u *unitOfWork) MarkInboxProcessed(_ context.Context, id int64, at time.Time) error {
	e, ok := u.s.inbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	at = at.UTC()
	e.Status = model.StatusProcessed
	e.ProcessedAtUTC = &at
	e.NextAttemptAt = nil
	e.LastError = nil
	u.s.inbox[id] = e
	return nil
}
