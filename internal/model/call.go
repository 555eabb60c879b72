package model

import (
	"time"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
)

// CallProjection is the persisted row for one call.
type CallProjection struct {
	lifecycle.CallState
	CorrelationKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentRuntime is the persisted row for one agent's runtime state.
type AgentRuntime struct {
	lifecycle.AgentState
	UpdatedAt time.Time
}

// AgentActivityKind classifies an agent activity row.
type AgentActivityKind string

const (
	ActivityRing     AgentActivityKind = "ring"
	ActivityAnswer   AgentActivityKind = "answer"
	ActivityMiss     AgentActivityKind = "miss"
	ActivityTransfer AgentActivityKind = "transfer"
	ActivityTalkEnd  AgentActivityKind = "talk_end"
)

// AgentActivity is one per-agent call activity row. Rows are deduplicated by
// IdempotencyKey.
type AgentActivity struct {
	ID             int64
	IdempotencyKey string
	QueueID        string
	AgentID        string
	Extension      string
	CallKey        lifecycle.CallKey
	Kind           AgentActivityKind
	OccurredAtUTC  time.Time
	DurationMs     *int64
}

// WaitingSnapshot records a waiting call's position within one poll.
type WaitingSnapshot struct {
	ID            int64
	BatchKey      string
	QueueID       string
	CallKey       lifecycle.CallKey
	WaitOrder     *int
	WaitingMs     *int64
	CapturedAtUTC time.Time
}
