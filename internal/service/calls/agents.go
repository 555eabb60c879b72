package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kansoku/internal/idempotency"
	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// agentUpdate carries the agents touched by one inbox event so repeated
// transitions on the same agent see each other.
type agentUpdate struct {
	m      *Manager
	uow    storage.UnitOfWork
	call   lifecycle.CallState
	item   workItem
	agents map[string]*lifecycle.Agent
	order  []string
	raised []lifecycle.DomainEvent
}

// updateAgents drives agent runtimes and activity rows from the call's
// domain events and returns the agent events raised.
func (m *Manager) updateAgents(ctx context.Context, uow storage.UnitOfWork, call *lifecycle.Call, item workItem, events []lifecycle.DomainEvent, now time.Time) ([]lifecycle.DomainEvent, error) {
	u := &agentUpdate{
		m:      m,
		uow:    uow,
		call:   call.State(),
		item:   item,
		agents: make(map[string]*lifecycle.Agent),
	}
	for _, ev := range events {
		if err := u.observe(ctx, ev); err != nil {
			return nil, err
		}
	}
	for _, id := range u.order {
		rt := model.AgentRuntime{AgentState: u.agents[id].State(), UpdatedAt: now}
		if err := uow.SaveAgentRuntime(ctx, rt); err != nil {
			return nil, fmt.Errorf("calls: save agent %s: %w", id, err)
		}
	}
	return u.raised, nil
}

func (u *agentUpdate) observe(ctx context.Context, ev lifecycle.DomainEvent) error {
	key := u.call.Key
	switch v := ev.(type) {
	case lifecycle.LifecycleChanged:
		at := v.OccurredAtUTC
		switch v.Transition {
		case lifecycle.TransitionRinging:
			return u.offer(ctx, v.AgentID, at)
		case lifecycle.TransitionMissed:
			a, err := u.agent(ctx, firstNonEmpty(v.AgentID, u.call.CurrentAgentID), at)
			if err != nil || a == nil {
				return err
			}
			u.raised = append(u.raised, a.MarkAvailable(at)...)
			u.activity(ctx, a, model.ActivityMiss, at, nil)
		}

	case lifecycle.CallReoffered:
		if err := u.withdraw(ctx, v.FromAgentID, v.OccurredAtUTC); err != nil {
			return err
		}
		return u.offer(ctx, v.ToAgentID, v.OccurredAtUTC)

	case lifecycle.CallAnswered:
		if v.OfferedAgentID != v.AgentID {
			if err := u.withdraw(ctx, v.OfferedAgentID, v.OccurredAtUTC); err != nil {
				return err
			}
		}
		a, err := u.agent(ctx, v.AgentID, v.OccurredAtUTC)
		if err != nil || a == nil {
			return err
		}
		u.raised = append(u.raised, a.AnswerCall(key, v.OccurredAtUTC)...)
		u.activity(ctx, a, model.ActivityAnswer, v.OccurredAtUTC, u.call.Durations.RingingMs)

	case lifecycle.CallTransferred:
		if v.FromAgentID != v.ToAgentID {
			if err := u.release(ctx, v.FromAgentID, v.OccurredAtUTC); err != nil {
				return err
			}
		}
		a, err := u.agent(ctx, v.ToAgentID, v.OccurredAtUTC)
		if err != nil || a == nil {
			return err
		}
		u.raised = append(u.raised, a.AnswerCall(key, v.OccurredAtUTC)...)
		u.activity(ctx, a, model.ActivityTransfer, v.OccurredAtUTC, nil)

	case lifecycle.CallEnded:
		return u.release(ctx, u.call.CurrentAgentID, v.OccurredAtUTC)
	}
	return nil
}

func (u *agentUpdate) offer(ctx context.Context, agentID string, at time.Time) error {
	a, err := u.agent(ctx, agentID, at)
	if err != nil || a == nil {
		return err
	}
	u.raised = append(u.raised, a.OfferCall(u.call.Key, at)...)
	u.activity(ctx, a, model.ActivityRing, at, nil)
	return nil
}

// withdraw frees an agent the call stopped ringing without being answered
// there. Agents not ringing this call are left alone.
func (u *agentUpdate) withdraw(ctx context.Context, agentID string, at time.Time) error {
	a, err := u.agent(ctx, agentID, at)
	if err != nil || a == nil {
		return err
	}
	if st := a.State(); st.Status != lifecycle.AgentRinging || st.CurrentCallKey != u.call.Key {
		return nil
	}
	u.raised = append(u.raised, a.MarkAvailable(at)...)
	u.activity(ctx, a, model.ActivityMiss, at, nil)
	return nil
}

// release ends the agent's part in the call: a talking agent moves to
// wrap-up and a ringing one back to available.
func (u *agentUpdate) release(ctx context.Context, agentID string, at time.Time) error {
	a, err := u.agent(ctx, agentID, at)
	if err != nil || a == nil {
		return err
	}
	switch st := a.State(); st.Status {
	case lifecycle.AgentTalking:
		var talked *int64
		if st.TalkStartedAt != nil && !at.Before(*st.TalkStartedAt) {
			ms := at.Sub(*st.TalkStartedAt).Milliseconds()
			talked = &ms
		}
		u.raised = append(u.raised, a.StartWrapUp(at)...)
		u.activity(ctx, a, model.ActivityTalkEnd, at, talked)
	case lifecycle.AgentRinging:
		u.raised = append(u.raised, a.MarkAvailable(at)...)
	}
	return nil
}

// agent loads an agent runtime once per update and ends a wrap-up that
// expired before at. It returns nil for a blank id.
func (u *agentUpdate) agent(ctx context.Context, agentID string, at time.Time) (*lifecycle.Agent, error) {
	if agentID == "" {
		return nil, nil
	}
	if a, ok := u.agents[agentID]; ok {
		return a, nil
	}
	var a *lifecycle.Agent
	rt, err := u.uow.GetAgentRuntime(ctx, u.call.QueueID, agentID)
	switch {
	case err == nil:
		a = lifecycle.RestoreAgent(rt.AgentState)
	case errors.Is(err, storage.ErrNotFound):
		a = lifecycle.NewAgent(u.call.QueueID, agentID)
	default:
		return nil, fmt.Errorf("calls: load agent %s: %w", agentID, err)
	}
	if agentID == u.item.agentID {
		a.SetExtension(u.item.extension)
	}
	u.raised = append(u.raised, a.ExpireWrapUp(u.m.cfg.WrapUpWindow, at)...)
	u.agents[agentID] = a
	u.order = append(u.order, agentID)
	return a, nil
}

// activity writes an agent activity row. Failures are logged and do not fail
// the event.
func (u *agentUpdate) activity(ctx context.Context, a *lifecycle.Agent, kind model.AgentActivityKind, at time.Time, durationMs *int64) {
	st := a.State()
	row := model.AgentActivity{
		IdempotencyKey: idempotency.Create("agent-activity", string(u.call.Key), st.AgentID, string(kind), at),
		QueueID:        st.QueueID,
		AgentID:        st.AgentID,
		Extension:      st.Extension,
		CallKey:        u.call.Key,
		Kind:           kind,
		OccurredAtUTC:  at.UTC(),
		DurationMs:     durationMs,
	}
	if _, err := u.uow.InsertAgentActivity(ctx, row); err != nil {
		u.m.logger.Warn("calls: agent activity not recorded",
			"call_key", u.call.Key, "agent_id", st.AgentID, "kind", kind, "error", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
