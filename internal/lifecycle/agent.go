package lifecycle

import "time"

// Agent reconciliation reasons.
const (
	ReasonOfferWhileLoggedOut  = "Call offered while agent was logged out."
	ReasonAnswerWhileLoggedOut = "Call answered while agent was logged out."
	ReasonTalkEndedBeforeStart = "Talk interval ended before it started."
	ReasonWrapEndedBeforeStart = "Wrap-up interval ended before it started."
)

// AgentState is the exported state of an agent runtime aggregate.
type AgentState struct {
	QueueID         string
	AgentID         string
	Extension       string
	Status          AgentStatus
	CurrentCallKey  CallKey
	TalkingMs       int64
	WrapUpMs        int64
	TalkStartedAt   *time.Time
	WrapUpStartedAt *time.Time
	LastChangedAt   *time.Time
	Reconciliation  ReconciliationMarker
}

// Agent tracks one agent's login, ring, talk and wrap-up timeline.
type Agent struct {
	s AgentState
}

// NewAgent returns an agent in AgentUnknown.
func NewAgent(queueID, agentID string) *Agent {
	return &Agent{s: AgentState{QueueID: queueID, AgentID: agentID, Status: AgentUnknown}}
}

// RestoreAgent loads an agent from persisted state.
func RestoreAgent(s AgentState) *Agent {
	if s.Status == "" {
		s.Status = AgentUnknown
	}
	return &Agent{s: s}
}

// State returns a copy of the agent state.
func (a *Agent) State() AgentState { return a.s }

// SetExtension records the agent's extension when given.
func (a *Agent) SetExtension(ext string) {
	if ext != "" {
		a.s.Extension = ext
	}
}

// Login moves the agent to LoggedIn.
func (a *Agent) Login(at time.Time) []DomainEvent {
	return a.transition(AgentLoggedIn, at, "")
}

// MarkAvailable frees the agent and clears its current call.
func (a *Agent) MarkAvailable(at time.Time) []DomainEvent {
	a.s.CurrentCallKey = ""
	return a.transition(AgentAvailable, at, "")
}

// OfferCall rings the agent with key. Offering to a logged-out agent is
// applied and flagged.
func (a *Agent) OfferCall(key CallKey, at time.Time) []DomainEvent {
	var reason string
	if a.s.Status == AgentLoggedOut {
		reason = ReasonOfferWhileLoggedOut
	}
	if key != "" {
		a.s.CurrentCallKey = key
	}
	return a.transition(AgentRinging, at, reason)
}

// AnswerCall puts the agent on key and opens a talk interval.
func (a *Agent) AnswerCall(key CallKey, at time.Time) []DomainEvent {
	var reason string
	if a.s.Status == AgentLoggedOut {
		reason = ReasonAnswerWhileLoggedOut
	}
	if key != "" {
		a.s.CurrentCallKey = key
	}
	events := a.transition(AgentTalking, at, reason)
	started := at.UTC()
	a.s.TalkStartedAt = &started
	return events
}

// StartWrapUp closes the talk interval and opens a wrap-up interval.
func (a *Agent) StartWrapUp(at time.Time) []DomainEvent {
	events := a.transition(AgentWrapUp, at, "")
	started := at.UTC()
	a.s.WrapUpStartedAt = &started
	return events
}

// EndWrapUp closes the wrap-up interval and frees the agent.
func (a *Agent) EndWrapUp(at time.Time) []DomainEvent {
	a.s.CurrentCallKey = ""
	return a.transition(AgentAvailable, at, "")
}

// ExpireWrapUp ends a wrap-up that has outlasted window by at. The wrap-up
// is closed at its start plus window, not at at.
func (a *Agent) ExpireWrapUp(window time.Duration, at time.Time) []DomainEvent {
	if a.s.Status != AgentWrapUp || a.s.WrapUpStartedAt == nil || window <= 0 {
		return nil
	}
	end := a.s.WrapUpStartedAt.Add(window)
	if !at.After(end) {
		return nil
	}
	return a.EndWrapUp(end)
}

// Logout moves the agent to LoggedOut.
func (a *Agent) Logout(at time.Time) []DomainEvent {
	a.s.CurrentCallKey = ""
	return a.transition(AgentLoggedOut, at, "")
}

// transition closes open intervals, then moves the agent to next.
func (a *Agent) transition(next AgentStatus, at time.Time, reason string) []DomainEvent {
	at = at.UTC()
	var reasons []string
	if reason != "" {
		reasons = append(reasons, reason)
	}
	if a.s.TalkStartedAt != nil {
		if ms, ok := elapsed(*a.s.TalkStartedAt, at); ok {
			a.s.TalkingMs += ms
		} else {
			reasons = append(reasons, ReasonTalkEndedBeforeStart)
		}
		a.s.TalkStartedAt = nil
	}
	if a.s.WrapUpStartedAt != nil {
		if ms, ok := elapsed(*a.s.WrapUpStartedAt, at); ok {
			a.s.WrapUpMs += ms
		} else {
			reasons = append(reasons, ReasonWrapEndedBeforeStart)
		}
		a.s.WrapUpStartedAt = nil
	}
	for _, r := range reasons {
		a.s.Reconciliation = a.s.Reconciliation.Mark(r, at)
	}

	prev := a.s.Status
	a.s.Status = next
	a.s.LastChangedAt = &at
	return []DomainEvent{AgentStatusChanged{
		QueueID:        a.s.QueueID,
		AgentID:        a.s.AgentID,
		PreviousStatus: prev,
		Status:         next,
		CallKey:        a.s.CurrentCallKey,
		Reconcile:      len(reasons) > 0,
		OccurredAtUTC:  at,
	}}
}

func elapsed(start, end time.Time) (int64, bool) {
	if end.Before(start) {
		return 0, false
	}
	return end.Sub(start).Milliseconds(), true
}
