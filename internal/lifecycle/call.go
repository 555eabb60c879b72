package lifecycle

import (
	"fmt"
	"time"
)

const (
	reasonNegativeDuration = "Negative %s duration ignored."
	reasonNegativeOverride = "Negative authoritative %s duration ignored."
)

// CallState is the full, exported state of a call aggregate. It is what the
// projection persists and what rehydration starts from.
type CallState struct {
	Key                 CallKey
	QueueID             string
	Correlation         CorrelationIDs
	Party               Party
	Status              CallStatus
	Disposition         Disposition
	TransferCount       int
	WaitOrder           *int
	SlaThresholdSeconds *int
	SlaBreached         *bool
	Timeline            Timeline
	Durations           Durations
	DurationOverrides   Durations
	Reconciliation      ReconciliationMarker
	CurrentAgentID      string
	AnsweredByAgentID   string
}

// Call is the aggregate for one logical call. It is not safe for concurrent
// use; each unit of work loads its own instance.
type Call struct {
	s CallState
}

// NewCall returns an empty call in StatusUnknown.
func NewCall(key CallKey) *Call {
	return &Call{s: CallState{Key: key, Status: StatusUnknown}}
}

// State returns a copy of the aggregate state.
func (c *Call) State() CallState { return c.s }

// Key returns the call's key.
func (c *Call) Key() CallKey { return c.s.Key }

// Status returns the call's current status.
func (c *Call) Status() CallStatus { return c.s.Status }

// SetQueue assigns the queue when none is known yet.
func (c *Call) SetQueue(queueID string) {
	if c.s.QueueID == "" {
		c.s.QueueID = queueID
	}
}

// SetSlaThresholdSeconds sets the SLA threshold once. Non-positive values are
// ignored.
func (c *Call) SetSlaThresholdSeconds(seconds int) {
	if c.s.SlaThresholdSeconds != nil {
		return
	}
	if _, ok := NewSlaThreshold(seconds); !ok {
		return
	}
	c.s.SlaThresholdSeconds = &seconds
	c.recomputeSla()
}

// SetPartyInfo fills blank party fields.
func (c *Call) SetPartyInfo(p Party) { c.s.Party = c.s.Party.Merge(p) }

// MergeCorrelationIDs fills absent identifiers; present ones are kept. It
// returns the identifiers that disagreed with the ones already held.
func (c *Call) MergeCorrelationIDs(ids CorrelationIDs) []string {
	conflicts := c.s.Correlation.Conflicts(ids)
	c.s.Correlation = c.s.Correlation.Merge(ids)
	return conflicts
}

// SetWaitOrder records the call's position in the queue.
func (c *Call) SetWaitOrder(position int) {
	if position <= 0 {
		return
	}
	c.s.WaitOrder = &position
}

// Apply evaluates cmd against the call and, when accepted, mutates the call
// and returns the domain events the change produced. Rejected commands leave
// the call unchanged apart from its reconciliation marker.
func (c *Call) Apply(sm StateMachine, cmd TransitionCommand) (Decision, []DomainEvent) {
	at := cmd.OccurredAt.UTC()
	d := sm.Evaluate(Observation{
		Status:         c.s.Status,
		LastObservedAt: c.s.Timeline.LastObservedAt,
		WasOffered:     c.s.Timeline.OfferedAt != nil,
	}, cmd)

	if !d.Accepted {
		c.mark(d.Reasons, at)
		return d, nil
	}

	var events []DomainEvent
	if d.IsDuplicate {
		c.s.Timeline.Observe(at)
		if d.RequiresReconciliation {
			c.mark(d.Reasons, at)
			events = append(events, c.reconciliationEvent(d.Reasons, at))
		} else if ev, ok := c.reoffer(cmd, at); ok {
			events = append(events, ev)
		}
		return d, events
	}

	fromAgent := c.s.CurrentAgentID
	c.s.Status = d.NextStatus
	c.applyMilestone(cmd, at)
	c.s.Timeline.Observe(at)
	if negative := c.recompute(); len(negative) > 0 {
		d.Reasons = append(d.Reasons, negative...)
		d.RequiresReconciliation = true
	}

	events = append(events, LifecycleChanged{
		CallKey:        c.s.Key,
		QueueID:        c.s.QueueID,
		PreviousStatus: d.PreviousStatus,
		Status:         d.NextStatus,
		Transition:     cmd.Type,
		AgentID:        cmd.AgentID,
		OccurredAtUTC:  at,
	})
	switch cmd.Type {
	case TransitionAnswered:
		events = append(events, CallAnswered{
			CallKey:       c.s.Key,
			QueueID:       c.s.QueueID,
			AgentID:        c.s.CurrentAgentID,
			OfferedAgentID: fromAgent,
			WaitingMs:      c.s.Durations.WaitingMs,
			OccurredAtUTC:  at,
		})
	case TransitionTransferred:
		events = append(events, CallTransferred{
			CallKey:       c.s.Key,
			QueueID:       c.s.QueueID,
			FromAgentID:   fromAgent,
			ToAgentID:     c.s.CurrentAgentID,
			TransferCount: c.s.TransferCount,
			OccurredAtUTC: at,
		})
	case TransitionCompleted, TransitionAbandoned:
		events = append(events, CallEnded{
			CallKey:       c.s.Key,
			QueueID:       c.s.QueueID,
			Status:        c.s.Status,
			Disposition:   c.s.Disposition,
			Durations:     c.s.Durations,
			SlaBreached:   c.s.SlaBreached,
			OccurredAtUTC: at,
		})
	}
	if d.RequiresReconciliation {
		c.mark(d.Reasons, at)
		events = append(events, c.reconciliationEvent(d.Reasons, at))
	}
	return d, events
}

func (c *Call) applyMilestone(cmd TransitionCommand, at time.Time) {
	tl := &c.s.Timeline
	switch cmd.Type {
	case TransitionEnteredQueue, TransitionWaiting:
		tl.MarkQueued(at)
	case TransitionRinging:
		tl.MarkQueued(at)
		tl.MarkOffered(at)
		c.setCurrentAgent(cmd.AgentID)
	case TransitionAnswered:
		tl.MarkAnswered(at)
		if c.s.AnsweredByAgentID == "" {
			c.s.AnsweredByAgentID = cmd.AgentID
		}
		c.setCurrentAgent(cmd.AgentID)
	case TransitionTransferred:
		c.s.TransferCount++
		c.setCurrentAgent(cmd.AgentID)
	case TransitionMissed:
		tl.MarkMissed(at)
		c.s.Disposition = DispositionMissed
	case TransitionAbandoned:
		tl.MarkAbandoned(at)
		c.s.Disposition = DispositionAbandoned
	case TransitionCompleted:
		tl.MarkCompleted(at)
		switch {
		case tl.AnsweredAt != nil:
			c.s.Disposition = DispositionAnswered
		case c.s.Disposition == DispositionNone:
			c.s.Disposition = DispositionCompleted
		}
	}
}

// reoffer moves a ringing call to the agent a repeated ring names.
func (c *Call) reoffer(cmd TransitionCommand, at time.Time) (CallReoffered, bool) {
	if cmd.Type != TransitionRinging || cmd.AgentID == "" || cmd.AgentID == c.s.CurrentAgentID {
		return CallReoffered{}, false
	}
	from := c.s.CurrentAgentID
	c.s.CurrentAgentID = cmd.AgentID
	return CallReoffered{
		CallKey:       c.s.Key,
		QueueID:       c.s.QueueID,
		FromAgentID:   from,
		ToAgentID:     cmd.AgentID,
		OccurredAtUTC: at,
	}, true
}

func (c *Call) setCurrentAgent(agentID string) {
	if agentID != "" {
		c.s.CurrentAgentID = agentID
	}
}

// SetFinalDurations applies authoritative durations on top of the computed
// ones. Negative values are not applied; they flag the call instead. The
// flag reasons are returned.
func (c *Call) SetFinalDurations(d Durations, at time.Time) []string {
	var reasons []string
	accept := func(name string, v *int64) *int64 {
		if v == nil {
			return nil
		}
		if *v < 0 {
			reasons = append(reasons, fmt.Sprintf(reasonNegativeOverride, name))
			return nil
		}
		ms := *v
		return &ms
	}
	c.s.DurationOverrides = c.s.DurationOverrides.overlay(Durations{
		WaitingMs: accept("waiting", d.WaitingMs),
		RingingMs: accept("ringing", d.RingingMs),
		TalkingMs: accept("talking", d.TalkingMs),
		WrapUpMs:  accept("wrap-up", d.WrapUpMs),
	})
	reasons = append(reasons, c.recompute()...)
	c.mark(reasons, at)
	return reasons
}

// MarkReconciled clears the reconciliation marker.
func (c *Call) MarkReconciled() { c.s.Reconciliation = ReconciliationMarker{} }

// Flag marks the call with reasons and returns the matching event.
func (c *Call) Flag(reasons []string, at time.Time) ReconciliationRequired {
	at = at.UTC()
	c.mark(reasons, at)
	return c.reconciliationEvent(reasons, at)
}

// recompute refreshes durations and SLA breach from the timeline and
// overrides. It returns reasons for phases skipped as negative.
func (c *Call) recompute() []string {
	computed, negative := ComputeDurations(c.s.Timeline)
	c.s.Durations = computed.overlay(c.s.DurationOverrides)
	c.recomputeSla()
	reasons := make([]string, 0, len(negative))
	for _, phase := range negative {
		reasons = append(reasons, fmt.Sprintf(reasonNegativeDuration, phase))
	}
	return reasons
}

func (c *Call) recomputeSla() {
	c.s.SlaBreached = nil
	if c.s.SlaThresholdSeconds == nil || c.s.Durations.WaitingMs == nil {
		return
	}
	threshold, ok := NewSlaThreshold(*c.s.SlaThresholdSeconds)
	if !ok {
		return
	}
	breached := threshold.Breached(*c.s.Durations.WaitingMs)
	c.s.SlaBreached = &breached
}

func (c *Call) mark(reasons []string, at time.Time) {
	for _, r := range reasons {
		c.s.Reconciliation = c.s.Reconciliation.Mark(r, at)
	}
}

func (c *Call) reconciliationEvent(reasons []string, at time.Time) ReconciliationRequired {
	return ReconciliationRequired{
		CallKey:       c.s.Key,
		Reasons:       append([]string(nil), reasons...),
		OccurredAtUTC: at,
	}
}
