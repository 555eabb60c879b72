// Package lifecycle holds the pure call and agent domain: value objects, the
// call lifecycle state machine, and the aggregates it drives. Nothing in this
// package performs I/O.
package lifecycle

// CallStatus is the lifecycle status of one call.
type CallStatus string

const (
	StatusUnknown      CallStatus = "Unknown"
	StatusEnteredQueue CallStatus = "EnteredQueue"
	StatusWaiting      CallStatus = "Waiting"
	StatusRinging      CallStatus = "Ringing"
	StatusAnswered     CallStatus = "Answered"
	StatusTransferred  CallStatus = "Transferred"
	StatusMissed       CallStatus = "Missed"
	StatusAbandoned    CallStatus = "Abandoned"
	StatusCompleted    CallStatus = "Completed"
)

// AllCallStatuses lists every status in declaration order.
var AllCallStatuses = []CallStatus{
	StatusUnknown, StatusEnteredQueue, StatusWaiting, StatusRinging, StatusAnswered,
	StatusTransferred, StatusMissed, StatusAbandoned, StatusCompleted,
}

// IsTerminal reports whether no further status change is accepted.
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// progress orders statuses along the normal call flow. Missed sits between
// Ringing and Answered: a missed ring is later than the ring itself.
func (s CallStatus) progress() int {
	switch s {
	case StatusEnteredQueue:
		return 2
	case StatusWaiting:
		return 4
	case StatusRinging:
		return 6
	case StatusMissed:
		return 7
	case StatusAnswered:
		return 8
	case StatusTransferred:
		return 9
	case StatusAbandoned, StatusCompleted:
		return 10
	default:
		return 0
	}
}

// ParseCallStatus maps a persisted status string back to a CallStatus.
// Unrecognized values map to StatusUnknown.
func ParseCallStatus(s string) CallStatus {
	for _, st := range AllCallStatuses {
		if string(st) == s {
			return st
		}
	}
	return StatusUnknown
}

// TransitionType is a proposed lifecycle change carried by a TransitionCommand.
type TransitionType string

const (
	TransitionEnteredQueue TransitionType = "EnteredQueue"
	TransitionWaiting      TransitionType = "Waiting"
	TransitionRinging      TransitionType = "Ringing"
	TransitionAnswered     TransitionType = "Answered"
	TransitionTransferred  TransitionType = "Transferred"
	TransitionMissed       TransitionType = "Missed"
	TransitionAbandoned    TransitionType = "Abandoned"
	TransitionCompleted    TransitionType = "Completed"
)

// AllTransitionTypes lists every transition type in declaration order.
var AllTransitionTypes = []TransitionType{
	TransitionEnteredQueue, TransitionWaiting, TransitionRinging, TransitionAnswered,
	TransitionTransferred, TransitionMissed, TransitionAbandoned, TransitionCompleted,
}

// Status returns the status a transition of this type leads to.
func (t TransitionType) Status() CallStatus {
	switch t {
	case TransitionEnteredQueue:
		return StatusEnteredQueue
	case TransitionWaiting:
		return StatusWaiting
	case TransitionRinging:
		return StatusRinging
	case TransitionAnswered:
		return StatusAnswered
	case TransitionTransferred:
		return StatusTransferred
	case TransitionMissed:
		return StatusMissed
	case TransitionAbandoned:
		return StatusAbandoned
	case TransitionCompleted:
		return StatusCompleted
	default:
		return StatusUnknown
	}
}

// TransitionFor returns the transition type that leads to s, if any.
func TransitionFor(s CallStatus) (TransitionType, bool) {
	for _, t := range AllTransitionTypes {
		if t.Status() == s {
			return t, true
		}
	}
	return "", false
}

// Disposition is the outcome classification of a call.
type Disposition string

const (
	DispositionNone      Disposition = ""
	DispositionAnswered  Disposition = "Answered"
	DispositionMissed    Disposition = "Missed"
	DispositionAbandoned Disposition = "Abandoned"
	DispositionCompleted Disposition = "Completed"
)

// AgentStatus is the runtime status of one agent.
type AgentStatus string

const (
	AgentUnknown   AgentStatus = "Unknown"
	AgentLoggedOut AgentStatus = "LoggedOut"
	AgentLoggedIn  AgentStatus = "LoggedIn"
	AgentAvailable AgentStatus = "Available"
	AgentRinging   AgentStatus = "Ringing"
	AgentTalking   AgentStatus = "Talking"
	AgentWrapUp    AgentStatus = "WrapUp"
)

// ParseAgentStatus maps a persisted status string back to an AgentStatus.
func ParseAgentStatus(s string) AgentStatus {
	switch AgentStatus(s) {
	case AgentLoggedOut, AgentLoggedIn, AgentAvailable, AgentRinging, AgentTalking, AgentWrapUp:
		return AgentStatus(s)
	default:
		return AgentUnknown
	}
}
