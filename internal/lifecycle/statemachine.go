package lifecycle

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Reconciliation reasons produced by the state machine.
const (
	ReasonAnswerBeforeRing  = "Answer observed before ring/wait event."
	ReasonAnswerWithoutRing = "Answer observed without a preceding ring event."
	ReasonOutOfOrder        = "Event occurred before the latest observed activity."
	ReasonLateDuplicate     = "Late duplicate of the current status."
	ReasonStaleMilestone    = "Out-of-order event for an earlier milestone ignored."
)

const (
	reasonTerminalFormat   = "Call is already %s; %s ignored."
	reasonNotAllowedFormat = "Transition %s is not allowed from %s."
)

type transitionKey struct {
	from CallStatus
	via  TransitionType
}

// transitionTable maps (current status, transition) to the next status.
// Pairs absent from the table are rejected. Repeats of the current status are
// handled before the table is consulted.
var transitionTable = map[transitionKey]CallStatus{
	{StatusUnknown, TransitionEnteredQueue}: StatusEnteredQueue,
	{StatusUnknown, TransitionWaiting}:      StatusWaiting,
	{StatusUnknown, TransitionRinging}:      StatusRinging,
	{StatusUnknown, TransitionAnswered}:     StatusAnswered,
	{StatusUnknown, TransitionTransferred}:  StatusTransferred,
	{StatusUnknown, TransitionMissed}:       StatusMissed,
	{StatusUnknown, TransitionAbandoned}:    StatusAbandoned,
	{StatusUnknown, TransitionCompleted}:    StatusCompleted,

	{StatusEnteredQueue, TransitionWaiting}:   StatusWaiting,
	{StatusEnteredQueue, TransitionRinging}:   StatusRinging,
	{StatusEnteredQueue, TransitionAnswered}:  StatusAnswered,
	{StatusEnteredQueue, TransitionMissed}:    StatusMissed,
	{StatusEnteredQueue, TransitionAbandoned}: StatusAbandoned,
	{StatusEnteredQueue, TransitionCompleted}: StatusCompleted,

	{StatusWaiting, TransitionRinging}:   StatusRinging,
	{StatusWaiting, TransitionAnswered}:  StatusAnswered,
	{StatusWaiting, TransitionMissed}:    StatusMissed,
	{StatusWaiting, TransitionAbandoned}: StatusAbandoned,
	{StatusWaiting, TransitionCompleted}: StatusCompleted,

	{StatusRinging, TransitionWaiting}:   StatusWaiting,
	{StatusRinging, TransitionAnswered}:  StatusAnswered,
	{StatusRinging, TransitionMissed}:    StatusMissed,
	{StatusRinging, TransitionAbandoned}: StatusAbandoned,
	{StatusRinging, TransitionCompleted}: StatusCompleted,

	{StatusAnswered, TransitionTransferred}: StatusTransferred,
	{StatusAnswered, TransitionCompleted}:   StatusCompleted,

	{StatusMissed, TransitionWaiting}:   StatusWaiting,
	{StatusMissed, TransitionRinging}:   StatusRinging,
	{StatusMissed, TransitionAnswered}:  StatusAnswered,
	{StatusMissed, TransitionAbandoned}: StatusAbandoned,
	{StatusMissed, TransitionCompleted}: StatusCompleted,

	{StatusTransferred, TransitionWaiting}:   StatusWaiting,
	{StatusTransferred, TransitionRinging}:   StatusRinging,
	{StatusTransferred, TransitionAnswered}:  StatusAnswered,
	{StatusTransferred, TransitionMissed}:    StatusMissed,
	{StatusTransferred, TransitionAbandoned}: StatusAbandoned,
	{StatusTransferred, TransitionCompleted}: StatusCompleted,
}

// TableEntry is one row of the transition table.
type TableEntry struct {
	From CallStatus
	Via  TransitionType
	To   CallStatus
}

// TransitionCommand proposes a lifecycle change observed at OccurredAt.
type TransitionCommand struct {
	Type       TransitionType
	OccurredAt time.Time
	AgentID    string
	Extension  string
	Source     string
}

// Observation is the slice of aggregate state the state machine needs.
type Observation struct {
	Status         CallStatus
	LastObservedAt *time.Time
	WasOffered     bool
}

// Decision is the outcome of evaluating a command.
type Decision struct {
	Accepted               bool
	IsDuplicate            bool
	RequiresReconciliation bool
	Reasons                []string
	PreviousStatus         CallStatus
	NextStatus             CallStatus
}

// Reason joins all reasons into one line.
func (d Decision) Reason() string { return strings.Join(d.Reasons, " ") }

// Changed reports whether the decision moves the call to a new status.
func (d Decision) Changed() bool { return d.Accepted && !d.IsDuplicate }

// StateMachine evaluates transitions against the fixed transition table.
// The zero value is ready to use.
type StateMachine struct{}

// Next looks up the table entry for (from, via).
func (StateMachine) Next(from CallStatus, via TransitionType) (CallStatus, bool) {
	next, ok := transitionTable[transitionKey{from: from, via: via}]
	return next, ok
}

// Entries returns the whole table ordered by status and transition
// declaration order.
func (StateMachine) Entries() []TableEntry {
	entries := make([]TableEntry, 0, len(transitionTable))
	for k, to := range transitionTable {
		entries = append(entries, TableEntry{From: k.from, Via: k.via, To: to})
	}
	slices.SortFunc(entries, func(a, b TableEntry) int {
		if c := slices.Index(AllCallStatuses, a.From) - slices.Index(AllCallStatuses, b.From); c != 0 {
			return c
		}
		return slices.Index(AllTransitionTypes, a.Via) - slices.Index(AllTransitionTypes, b.Via)
	})
	return entries
}

// Evaluate decides whether cmd applies to a call in the observed state.
func (m StateMachine) Evaluate(obs Observation, cmd TransitionCommand) Decision {
	d := Decision{PreviousStatus: obs.Status, NextStatus: obs.Status}
	target := cmd.Type.Status()
	outOfOrder := obs.LastObservedAt != nil && cmd.OccurredAt.Before(*obs.LastObservedAt)

	if target == obs.Status {
		d.Accepted = true
		d.IsDuplicate = true
		if outOfOrder {
			d.Reasons = append(d.Reasons, ReasonLateDuplicate)
		}
		d.RequiresReconciliation = len(d.Reasons) > 0
		return d
	}

	if obs.Status.IsTerminal() {
		d.Reasons = []string{fmt.Sprintf(reasonTerminalFormat, obs.Status, cmd.Type)}
		d.RequiresReconciliation = true
		return d
	}

	// A late event for a milestone the call has already moved past carries no
	// new state; treat it as a duplicate rather than rewinding the call.
	if outOfOrder && target.progress() < obs.Status.progress() {
		d.Accepted = true
		d.IsDuplicate = true
		d.Reasons = []string{ReasonOutOfOrder, ReasonStaleMilestone}
		d.RequiresReconciliation = true
		return d
	}

	next, ok := m.Next(obs.Status, cmd.Type)
	if !ok {
		d.Reasons = []string{fmt.Sprintf(reasonNotAllowedFormat, cmd.Type, obs.Status)}
		d.RequiresReconciliation = true
		return d
	}

	d.Accepted = true
	d.NextStatus = next
	if outOfOrder {
		d.Reasons = append(d.Reasons, ReasonOutOfOrder)
	}
	if cmd.Type == TransitionAnswered {
		switch {
		case obs.Status == StatusUnknown:
			d.Reasons = append(d.Reasons, ReasonAnswerBeforeRing)
		case (obs.Status == StatusWaiting || obs.Status == StatusEnteredQueue) && !obs.WasOffered:
			d.Reasons = append(d.Reasons, ReasonAnswerWithoutRing)
		}
	}
	d.RequiresReconciliation = len(d.Reasons) > 0
	return d
}
