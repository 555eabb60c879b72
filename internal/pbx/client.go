// Package pbx defines the read-only contract of the external PBX query API
// the pollers consume. Rows map one to one onto inbox payload variants.
package pbx

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultCallLogReport is the report function queried for call-log rows.
const DefaultCallLogReport = "CallLogData"

// Client queries the PBX.
type Client interface {
	// ListActiveCalls returns the calls in progress right now.
	ListActiveCalls(ctx context.Context) ([]ActiveCall, error)
	// ListCallHistory returns call segments that started in [from, to).
	ListCallHistory(ctx context.Context, from, to time.Time) ([]CallSegment, error)
	// ListCallLogs returns post-call rows of the named report reported in [from, to).
	ListCallLogs(ctx context.Context, report string, from, to time.Time) ([]CallLogRecord, error)
}

// Identity is the set of identifiers the PBX reports for a call.
type Identity = model.CallIdentity

// ActiveCall is one row of the active-call view.
type ActiveCall struct {
	Identity
	lifecycle.Party
	QueueID             string
	AgentID             string
	Extension           string
	Status              string
	EstablishedAt       *time.Time
	WaitOrder           *int
	SlaThresholdSeconds *int
}

// Payload converts the row for the given poll batch.
func (c ActiveCall) Payload(batchKey string) model.ActiveCallObserved {
	p := model.ActiveCallObserved{
		CallIdentity:        c.Identity,
		Party:               c.Party,
		QueueID:             c.QueueID,
		AgentID:             c.AgentID,
		Extension:           c.Extension,
		Status:              c.Status,
		WaitOrder:           c.WaitOrder,
		SlaThresholdSeconds: c.SlaThresholdSeconds,
		SnapshotBatchKey:    batchKey,
	}
	if c.EstablishedAt != nil {
		at := c.EstablishedAt.UTC()
		p.EstablishedAtUTC = &at
	}
	return p
}

// CallSegment is one row of the historical call-segment view.
type CallSegment struct {
	Identity
	lifecycle.Party
	QueueID             string
	AgentID             string
	Extension           string
	Start               time.Time
	End                 *time.Time
	Answered            bool
	WaitingDuration     string
	SlaThresholdSeconds *int
}

func (s CallSegment) Payload() model.CallHistorySegmentReconciled {
	p := model.CallHistorySegmentReconciled{
		CallIdentity:        s.Identity,
		Party:               s.Party,
		QueueID:             s.QueueID,
		AgentID:             s.AgentID,
		Extension:           s.Extension,
		SegmentStartUTC:     s.Start.UTC(),
		Answered:            s.Answered,
		WaitingDuration:     s.WaitingDuration,
		SlaThresholdSeconds: s.SlaThresholdSeconds,
	}
	if s.End != nil {
		end := s.End.UTC()
		p.SegmentEndUTC = &end
	}
	return p
}

// CallLogRecord is one row of a post-call report.
type CallLogRecord struct {
	Identity
	lifecycle.Party
	QueueID             string
	AgentID             string
	Extension           string
	StartTime           *time.Time
	ReportedAt          time.Time
	Answered            bool
	Status              string
	Reason              string
	RingingDuration     string
	TalkingDuration     string
	SlaThresholdSeconds *int
}

func (r CallLogRecord) Payload() model.CallLogRecordReconciled {
	p := model.CallLogRecordReconciled{
		CallIdentity:        r.Identity,
		Party:               r.Party,
		QueueID:             r.QueueID,
		AgentID:             r.AgentID,
		Extension:           r.Extension,
		ReportedAtUTC:       r.ReportedAt.UTC(),
		Answered:            r.Answered,
		Status:              r.Status,
		Reason:              r.Reason,
		RingingDuration:     r.RingingDuration,
		TalkingDuration:     r.TalkingDuration,
		SlaThresholdSeconds: r.SlaThresholdSeconds,
	}
	if r.StartTime != nil {
		at := r.StartTime.UTC()
		p.StartTimeUTC = &at
	}
	return p
}

// RateLimited wraps c so that calls across all three operations share one
// request budget. Each call waits for a token or for ctx to end.
func RateLimited(c Client, rps float64, burst int) Client {
	if burst < 1 {
		burst = 1
	}
	return &limitedClient{next: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

func (l *limitedClient) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pbx: rate limit: %w", err)
	}
	return nil
}

func (l *limitedClient) ListActiveCalls(ctx context.Context) ([]ActiveCall, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ListActiveCalls(ctx)
}

func (l *limitedClient) ListCallHistory(ctx context.Context, from, to time.Time) ([]CallSegment, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ListCallHistory(ctx, from, to)
}

func (l *limitedClient) ListCallLogs(ctx context.Context, report string, from, to time.Time) ([]CallLogRecord, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ListCallLogs(ctx, report, from, to)
}
