package storage

import (
	"context"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DispatchQuery selects actionable inbox rows: Pending rows, Failed rows
// whose next attempt is due at Now, and Processing rows whose lease started
// before LeaseExpiredBefore.
type DispatchQuery struct {
	Now                time.Time
	LeaseExpiredBefore time.Time
	Limit              int
}

// Claim is a conditional lease request on one inbox row.
type Claim struct {
	ID                 int64
	At                 time.Time
	LeaseExpiredBefore time.Time
}

// InboxFailure records a failed processing attempt.
type InboxFailure struct {
	ID            int64
	At            time.Time
	NextAttemptAt *time.Time
	Status        model.ProcessingStatus
	Error         string
}

// CallLookup carries the identifiers tried, in field order, when resolving
// an existing call.
type CallLookup struct {
	CdrID             string
	CallHistoryID     string
	MainCallHistoryID string
	ProviderCallID    string
	CorrelationKey    string
}

// IsZero reports whether the lookup has no identifier.
func (l CallLookup) IsZero() bool {
	return l.CdrID == "" && l.CallHistoryID == "" && l.MainCallHistoryID == "" &&
		l.ProviderCallID == "" && l.CorrelationKey == ""
}

// Inbox is the inbound event staging table.
type Inbox interface {
	// InsertInboxEvent inserts e as Pending. It returns false without error
	// when a row with the same idempotency key already exists.
	InsertInboxEvent(ctx context.Context, e model.InboxEvent) (inserted bool, err error)
	ListDispatchable(ctx context.Context, q DispatchQuery) ([]model.InboxEvent, error)
	// ClaimInboxEvent moves a still-claimable row to Processing, increments its
	// attempt count and stamps the lease. It returns the new attempt count and
	// false when another worker holds the row or it is no longer actionable.
	ClaimInboxEvent(ctx context.Context, c Claim) (attempt int, claimed bool, err error)
	MarkInboxFailed(ctx context.Context, f InboxFailure) error
	ListInboxByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.InboxEvent, error)
	CountBacklog(ctx context.Context) (int64, error)
}

// UnitOfWork is the set of writes applied atomically for one inbox event.
type UnitOfWork interface {
	// FindCall resolves a call by the first lookup identifier that matches.
	// It returns ErrNotFound when none does.
	FindCall(ctx context.Context, l CallLookup) (model.CallProjection, error)
	SaveCall(ctx context.Context, c model.CallProjection) error
	// GetAgentRuntime returns ErrNotFound for an agent never seen.
	GetAgentRuntime(ctx context.Context, queueID, agentID string) (model.AgentRuntime, error)
	SaveAgentRuntime(ctx context.Context, a model.AgentRuntime) error
	// InsertAgentActivity is deduplicated by the activity's idempotency key.
	InsertAgentActivity(ctx context.Context, a model.AgentActivity) (inserted bool, err error)
	// InsertWaitingSnapshot is deduplicated by (batch key, call key).
	InsertWaitingSnapshot(ctx context.Context, s model.WaitingSnapshot) (inserted bool, err error)
	InsertOutbox(ctx context.Context, m model.OutboxMessage) error
	MarkInboxProcessed(ctx context.Context, id int64, at time.Time) error
}

// Store is the single shared persistence resource.
type Store interface {
	Inbox
	// WithUnitOfWork runs fn in one transaction. Nothing fn wrote persists
	// unless fn returns nil and the commit succeeds.
	WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}
