package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
)

const callColumns = `call_key, COALESCE(queue_id, ''), COALESCE(correlation_key, ''),
	COALESCE(provider_call_id, ''), COALESCE(cdr_id, ''), COALESCE(call_history_id, ''),
	COALESCE(parent_call_history_id, ''), COALESCE(segment_id, ''),
	COALESCE(caller_number, ''), COALESCE(caller_name, ''), COALESCE(callee_number, ''),
	COALESCE(callee_name, ''), COALESCE(direction, ''),
	status, COALESCE(disposition, ''), transfer_count, wait_order, sla_threshold_seconds, sla_breached,
	queued_at, offered_at, answered_at, abandoned_at, completed_at, last_missed_at, last_observed_at,
	waiting_ms, ringing_ms, talking_ms, wrap_up_ms, duration_overrides, reconciliation,
	COALESCE(current_agent_id, ''), COALESCE(answered_by_agent_id, ''), created_at, updated_at`

// callLookupColumns pairs each lookup field with its column, in resolution
// priority order.
func callLookupColumns(l CallLookup) [][2]string {
	return [][2]string{
		{"cdr_id", l.CdrID},
		{"call_history_id", l.CallHistoryID},
		{"parent_call_history_id", l.MainCallHistoryID},
		{"provider_call_id", l.ProviderCallID},
		{"correlation_key", l.CorrelationKey},
	}
}

func (u *pgUnitOfWork) FindCall(ctx context.Context, l CallLookup) (model.CallProjection, error) {
	for _, lc := range callLookupColumns(l) {
		if lc[1] == "" {
			continue
		}
		// Column names come from the fixed list above.
		row := u.tx.QueryRow(ctx,
			`SELECT `+callColumns+` FROM calls WHERE `+lc[0]+` = $1
			 ORDER BY created_at ASC LIMIT 1`, lc[1])
		c, err := scanCall(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return model.CallProjection{}, fmt.Errorf("storage: find call by %s: %w", lc[0], err)
		}
		return c, nil
	}
	return model.CallProjection{}, ErrNotFound
}

func (u *pgUnitOfWork) SaveCall(ctx context.Context, c model.CallProjection) error {
	overrides, err := json.Marshal(c.DurationOverrides)
	if err != nil {
		return fmt.Errorf("storage: marshal duration overrides: %w", err)
	}
	marker, err := json.Marshal(c.Reconciliation)
	if err != nil {
		return fmt.Errorf("storage: marshal reconciliation: %w", err)
	}
	tl, d := c.Timeline, c.Durations
	_, err = u.tx.Exec(ctx,
		`INSERT INTO calls (call_key, queue_id, correlation_key, provider_call_id, cdr_id, call_history_id,
		 parent_call_history_id, segment_id, caller_number, caller_name, callee_number, callee_name, direction,
		 status, disposition, transfer_count, wait_order, sla_threshold_seconds, sla_breached,
		 queued_at, offered_at, answered_at, abandoned_at, completed_at, last_missed_at, last_observed_at,
		 waiting_ms, ringing_ms, talking_ms, wrap_up_ms, duration_overrides, needs_reconciliation, reconciliation,
		 current_agent_id, answered_by_agent_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		 $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $36)
		 ON CONFLICT (call_key) DO UPDATE SET
		   queue_id = EXCLUDED.queue_id, correlation_key = EXCLUDED.correlation_key,
		   provider_call_id = EXCLUDED.provider_call_id, cdr_id = EXCLUDED.cdr_id,
		   call_history_id = EXCLUDED.call_history_id, parent_call_history_id = EXCLUDED.parent_call_history_id,
		   segment_id = EXCLUDED.segment_id, caller_number = EXCLUDED.caller_number,
		   caller_name = EXCLUDED.caller_name, callee_number = EXCLUDED.callee_number,
		   callee_name = EXCLUDED.callee_name, direction = EXCLUDED.direction,
		   status = EXCLUDED.status, disposition = EXCLUDED.disposition,
		   transfer_count = EXCLUDED.transfer_count, wait_order = EXCLUDED.wait_order,
		   sla_threshold_seconds = EXCLUDED.sla_threshold_seconds, sla_breached = EXCLUDED.sla_breached,
		   queued_at = EXCLUDED.queued_at, offered_at = EXCLUDED.offered_at,
		   answered_at = EXCLUDED.answered_at, abandoned_at = EXCLUDED.abandoned_at,
		   completed_at = EXCLUDED.completed_at, last_missed_at = EXCLUDED.last_missed_at,
		   last_observed_at = EXCLUDED.last_observed_at,
		   waiting_ms = EXCLUDED.waiting_ms, ringing_ms = EXCLUDED.ringing_ms,
		   talking_ms = EXCLUDED.talking_ms, wrap_up_ms = EXCLUDED.wrap_up_ms,
		   duration_overrides = EXCLUDED.duration_overrides,
		   needs_reconciliation = EXCLUDED.needs_reconciliation, reconciliation = EXCLUDED.reconciliation,
		   current_agent_id = EXCLUDED.current_agent_id, answered_by_agent_id = EXCLUDED.answered_by_agent_id,
		   updated_at = EXCLUDED.updated_at`,
		string(c.Key), nullable(c.QueueID), nullable(c.CorrelationKey),
		nullable(c.Correlation.ProviderCallID), nullable(c.Correlation.CdrID), nullable(c.Correlation.CallHistoryID),
		nullable(c.Correlation.ParentCallHistoryID), nullable(c.Correlation.SegmentID),
		nullable(c.Party.CallerNumber), nullable(c.Party.CallerName), nullable(c.Party.CalleeNumber),
		nullable(c.Party.CalleeName), nullable(c.Party.Direction),
		string(c.Status), nullable(string(c.Disposition)), c.TransferCount, c.WaitOrder, c.SlaThresholdSeconds, c.SlaBreached,
		tl.QueuedAt, tl.OfferedAt, tl.AnsweredAt, tl.AbandonedAt, tl.CompletedAt, tl.LastMissedAt, tl.LastObservedAt,
		d.WaitingMs, d.RingingMs, d.TalkingMs, d.WrapUpMs, overrides, c.Reconciliation.IsMarked(), marker,
		nullable(c.CurrentAgentID), nullable(c.AnsweredByAgentID), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save call %s: %w", c.Key, err)
	}
	return nil
}

func scanCall(row pgx.Row) (model.CallProjection, error) {
	var (
		c                 model.CallProjection
		key, status, disp string
		overrides, marker []byte
	)
	tl := &c.Timeline
	d := &c.Durations
	if err := row.Scan(
		&key, &c.QueueID, &c.CorrelationKey,
		&c.Correlation.ProviderCallID, &c.Correlation.CdrID, &c.Correlation.CallHistoryID,
		&c.Correlation.ParentCallHistoryID, &c.Correlation.SegmentID,
		&c.Party.CallerNumber, &c.Party.CallerName, &c.Party.CalleeNumber, &c.Party.CalleeName, &c.Party.Direction,
		&status, &disp, &c.TransferCount, &c.WaitOrder, &c.SlaThresholdSeconds, &c.SlaBreached,
		&tl.QueuedAt, &tl.OfferedAt, &tl.AnsweredAt, &tl.AbandonedAt, &tl.CompletedAt, &tl.LastMissedAt, &tl.LastObservedAt,
		&d.WaitingMs, &d.RingingMs, &d.TalkingMs, &d.WrapUpMs, &overrides, &marker,
		&c.CurrentAgentID, &c.AnsweredByAgentID, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return model.CallProjection{}, err
	}
	c.Key = lifecycle.CallKey(key)
	c.Status = lifecycle.ParseCallStatus(status)
	c.Disposition = lifecycle.Disposition(disp)
	if err := json.Unmarshal(overrides, &c.DurationOverrides); err != nil {
		return model.CallProjection{}, fmt.Errorf("decode duration overrides: %w", err)
	}
	if err := json.Unmarshal(marker, &c.Reconciliation); err != nil {
		return model.CallProjection{}, fmt.Errorf("decode reconciliation: %w", err)
	}
	utcTimeline(tl)
	return c, nil
}

// utcTimeline normalizes scanned timestamps, which pgx returns in local time.
func utcTimeline(tl *lifecycle.Timeline) {
	for _, p := range []**time.Time{
		&tl.QueuedAt, &tl.OfferedAt, &tl.AnsweredAt, &tl.AbandonedAt,
		&tl.CompletedAt, &tl.LastMissedAt, &tl.LastObservedAt,
	} {
		*p = utcPtr(*p)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
