package lifecycle

import "time"

// EventKind names a domain event type.
type EventKind string

const (
	KindLifecycleChanged       EventKind = "call.lifecycle_changed"
	KindCallAnswered           EventKind = "call.answered"
	KindCallReoffered          EventKind = "call.reoffered"
	KindCallTransferred        EventKind = "call.transferred"
	KindCallCompleted          EventKind = "call.completed"
	KindReconciliationRequired EventKind = "call.reconciliation_required"
	KindAgentStatusChanged     EventKind = "agent.status_changed"
)

// DomainEvent is a fact raised by an aggregate while applying a change.
// Events are returned to the caller, which persists them as outbox rows.
type DomainEvent interface {
	Kind() EventKind
	AggregateKey() string
}

// LifecycleChanged is raised for every accepted, non-duplicate transition.
type LifecycleChanged struct {
	CallKey        CallKey        `json:"callKey"`
	QueueID        string         `json:"queueId,omitempty"`
	PreviousStatus CallStatus     `json:"previousStatus"`
	Status         CallStatus     `json:"status"`
	Transition     TransitionType `json:"transition"`
	AgentID        string         `json:"agentId,omitempty"`
	OccurredAtUTC  time.Time      `json:"occurredAtUtc"`
}

func (LifecycleChanged) Kind() EventKind        { return KindLifecycleChanged }
func (e LifecycleChanged) AggregateKey() string { return string(e.CallKey) }

// CallAnswered is raised when a call reaches Answered. OfferedAgentID is the
// agent the call was ringing, which may differ from the one who answered.
type CallAnswered struct {
	CallKey        CallKey   `json:"callKey"`
	QueueID        string    `json:"queueId,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	OfferedAgentID string    `json:"offeredAgentId,omitempty"`
	WaitingMs      *int64    `json:"waitingMs,omitempty"`
	OccurredAtUTC  time.Time `json:"occurredAtUtc"`
}

func (CallAnswered) Kind() EventKind        { return KindCallAnswered }
func (e CallAnswered) AggregateKey() string { return string(e.CallKey) }

// CallReoffered is raised when a ringing call moves on to ring another agent.
type CallReoffered struct {
	CallKey       CallKey   `json:"callKey"`
	QueueID       string    `json:"queueId,omitempty"`
	FromAgentID   string    `json:"fromAgentId,omitempty"`
	ToAgentID     string    `json:"toAgentId"`
	OccurredAtUTC time.Time `json:"occurredAtUtc"`
}

func (CallReoffered) Kind() EventKind        { return KindCallReoffered }
func (e CallReoffered) AggregateKey() string { return string(e.CallKey) }

// CallTransferred is raised for every accepted transfer.
type CallTransferred struct {
	CallKey       CallKey   `json:"callKey"`
	QueueID       string    `json:"queueId,omitempty"`
	FromAgentID   string    `json:"fromAgentId,omitempty"`
	ToAgentID     string    `json:"toAgentId,omitempty"`
	TransferCount int       `json:"transferCount"`
	OccurredAtUTC time.Time `json:"occurredAtUtc"`
}

func (CallTransferred) Kind() EventKind        { return KindCallTransferred }
func (e CallTransferred) AggregateKey() string { return string(e.CallKey) }

// CallEnded is raised when a call reaches Completed or Abandoned.
type CallEnded struct {
	CallKey       CallKey     `json:"callKey"`
	QueueID       string      `json:"queueId,omitempty"`
	Status        CallStatus  `json:"status"`
	Disposition   Disposition `json:"disposition"`
	Durations     Durations   `json:"durations"`
	SlaBreached   *bool       `json:"slaBreached,omitempty"`
	OccurredAtUTC time.Time   `json:"occurredAtUtc"`
}

func (CallEnded) Kind() EventKind        { return KindCallCompleted }
func (e CallEnded) AggregateKey() string { return string(e.CallKey) }

// ReconciliationRequired is raised when a change was flagged for review.
type ReconciliationRequired struct {
	CallKey       CallKey   `json:"callKey"`
	Reasons       []string  `json:"reasons"`
	OccurredAtUTC time.Time `json:"occurredAtUtc"`
}

func (ReconciliationRequired) Kind() EventKind        { return KindReconciliationRequired }
func (e ReconciliationRequired) AggregateKey() string { return string(e.CallKey) }

// AgentStatusChanged is raised for every agent transition.
type AgentStatusChanged struct {
	QueueID        string      `json:"queueId,omitempty"`
	AgentID        string      `json:"agentId"`
	PreviousStatus AgentStatus `json:"previousStatus"`
	Status         AgentStatus `json:"status"`
	CallKey        CallKey     `json:"callKey,omitempty"`
	Reconcile      bool        `json:"requiresReconciliation,omitempty"`
	OccurredAtUTC  time.Time   `json:"occurredAtUtc"`
}

func (AgentStatusChanged) Kind() EventKind        { return KindAgentStatusChanged }
func (e AgentStatusChanged) AggregateKey() string { return e.AgentID }
