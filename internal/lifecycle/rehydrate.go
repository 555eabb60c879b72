package lifecycle

import "time"

const rehydrateSource = "rehydrate"

// Rehydrate rebuilds a call from its persisted state by replaying synthetic
// transitions derived from the timeline through the same Apply path used for
// live events. Events raised by the replay are discarded. Fields the replay
// cannot derive (marker, agents, overrides, disposition) are restored from s,
// and the persisted status wins if the replay disagrees with it.
func Rehydrate(sm StateMachine, s CallState) *Call {
	c := NewCall(s.Key)
	c.s.QueueID = s.QueueID
	c.s.Correlation = s.Correlation
	c.s.Party = s.Party
	c.s.SlaThresholdSeconds = s.SlaThresholdSeconds

	for _, cmd := range ReplayCommands(s) {
		c.Apply(sm, cmd)
	}
	if c.s.Status != s.Status && s.Status != StatusUnknown {
		if t, ok := TransitionFor(s.Status); ok && s.Timeline.LastObservedAt != nil {
			c.Apply(sm, TransitionCommand{
				Type:       t,
				OccurredAt: *s.Timeline.LastObservedAt,
				AgentID:    s.CurrentAgentID,
				Source:     rehydrateSource,
			})
		}
		c.s.Status = s.Status
	}

	c.s.Timeline = s.Timeline
	c.s.Disposition = s.Disposition
	c.s.TransferCount = s.TransferCount
	c.s.WaitOrder = s.WaitOrder
	c.s.DurationOverrides = s.DurationOverrides
	c.s.CurrentAgentID = s.CurrentAgentID
	c.s.AnsweredByAgentID = s.AnsweredByAgentID
	c.recompute()
	c.s.Reconciliation = s.Reconciliation
	return c
}

// ReplayCommands derives the ordered transitions that rebuild s. Timestamps
// never decrease across the sequence.
func ReplayCommands(s CallState) []TransitionCommand {
	var (
		cmds   []TransitionCommand
		cursor time.Time
	)
	add := func(t TransitionType, at *time.Time, agentID string) {
		if at == nil {
			return
		}
		ts := at.UTC()
		if ts.Before(cursor) {
			ts = cursor
		}
		cursor = ts
		cmds = append(cmds, TransitionCommand{Type: t, OccurredAt: ts, AgentID: agentID, Source: rehydrateSource})
	}

	tl := s.Timeline
	answeredBy := firstNonEmpty(s.AnsweredByAgentID, s.CurrentAgentID)
	add(TransitionEnteredQueue, tl.QueuedAt, "")
	add(TransitionWaiting, tl.QueuedAt, "")
	add(TransitionRinging, tl.OfferedAt, answeredBy)
	add(TransitionAnswered, tl.AnsweredAt, answeredBy)
	if tl.AnsweredAt != nil {
		for i := range s.TransferCount {
			if i > 0 {
				add(TransitionAnswered, tl.AnsweredAt, s.CurrentAgentID)
			}
			add(TransitionTransferred, tl.AnsweredAt, s.CurrentAgentID)
		}
	}
	if s.Status == StatusMissed || tl.AnsweredAt == nil {
		add(TransitionMissed, tl.LastMissedAt, "")
	}
	add(TransitionAbandoned, tl.AbandonedAt, "")
	add(TransitionCompleted, tl.CompletedAt, "")
	return cmds
}
