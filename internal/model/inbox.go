// Package model holds the persisted and wire types shared by the store, the
// writer, the dispatcher and the lifecycle manager.
package model

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
)

// ProcessingStatus is the dispatch state of an inbox row.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "Pending"
	StatusProcessing ProcessingStatus = "Processing"
	StatusProcessed  ProcessingStatus = "Processed"
	StatusFailed     ProcessingStatus = "Failed"
	StatusDeadLetter ProcessingStatus = "DeadLetter"
)

// Valid reports whether s is a known status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// MaxErrorLength bounds the error text stored on an inbox row.
const MaxErrorLength = 2048

// Envelope is a normalized inbound event submitted by a poller or the push
// channel.
type Envelope struct {
	Source         string    `json:"source" validate:"notblank,max=100"`
	EventType      string    `json:"eventType" validate:"notblank,max=100"`
	EventAtUTC     time.Time `json:"eventAtUtc" validate:"required"`
	OrderingKey    string    `json:"orderingKey" validate:"notblank,max=256"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	SequenceID     *int64    `json:"sequenceId,omitempty"`
	PayloadJSON    string    `json:"payloadJson" validate:"notblank"`
}

// InboxEvent is one persisted inbound event.
type InboxEvent struct {
	ID             int64            `json:"id"`
	Source         string           `json:"source"`
	EventType      string           `json:"eventType"`
	OrderingKey    string           `json:"orderingKey"`
	SequenceID     *int64           `json:"sequenceId,omitempty"`
	EventAtUTC     time.Time        `json:"eventAtUtc"`
	ObservedAtUTC  time.Time        `json:"observedAtUtc"`
	IdempotencyKey string           `json:"idempotencyKey"`
	PayloadHash    string           `json:"payloadHash"`
	PayloadJSON    json.RawMessage  `json:"payloadJson"`
	Status         ProcessingStatus `json:"processingStatus"`
	AttemptCount   int              `json:"processingAttemptCount"`
	LastAttemptAt  *time.Time       `json:"lastAttemptAtUtc,omitempty"`
	NextAttemptAt  *time.Time       `json:"nextAttemptAtUtc,omitempty"`
	LastError      *string          `json:"lastError,omitempty"`
	ProcessedAtUTC *time.Time       `json:"processedAtUtc,omitempty"`
}

// OutboxMessage is one domain event staged for downstream publication.
type OutboxMessage struct {
	ID             int64           `json:"id"`
	Topic          string          `json:"topic"`
	AggregateKey   string          `json:"aggregateKey"`
	PayloadJSON    json.RawMessage `json:"payloadJson"`
	CreatedAtUTC   time.Time       `json:"createdAtUtc"`
	PublishedAtUTC *time.Time      `json:"publishedAtUtc,omitempty"`
	AttemptCount   int             `json:"attemptCount"`
	LastError      *string         `json:"lastError,omitempty"`
}

// Outbox topics, one per domain event kind.
const (
	TopicLifecycleChanged       = "call-lifecycle-changed"
	TopicCallAnswered           = "call-answered"
	TopicCallTransferred        = "call-transferred"
	TopicCallCompleted          = "call-completed"
	TopicReconciliationRequired = "call-reconciliation-required"
	TopicAgentStatusChanged     = "agent-status-changed"
)

// TopicFor maps a domain event kind to its outbox topic.
func TopicFor(kind lifecycle.EventKind) string {
	switch kind {
	case lifecycle.KindLifecycleChanged, lifecycle.KindCallReoffered:
		return TopicLifecycleChanged
	case lifecycle.KindCallAnswered:
		return TopicCallAnswered
	case lifecycle.KindCallTransferred:
		return TopicCallTransferred
	case lifecycle.KindCallCompleted:
		return TopicCallCompleted
	case lifecycle.KindReconciliationRequired:
		return TopicReconciliationRequired
	case lifecycle.KindAgentStatusChanged:
		return TopicAgentStatusChanged
	default:
		return string(kind)
	}
}

// Truncate bounds s to n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
