package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

const inboxColumns = `id, source, event_type, ordering_key, sequence_id, event_at, observed_at,
	idempotency_key, payload_hash, payload_json, processing_status, processing_attempt_count,
	last_attempt_at, next_attempt_at, last_error, processed_at`

// claimableClause matches rows a dispatcher may take: $1 is now, $2 the
// lease cutoff.
const claimableClause = `(processing_status = 'Pending'
	OR (processing_status = 'Failed' AND next_attempt_at <= $1)
	OR (processing_status = 'Processing' AND last_attempt_at < $2))`

// InsertInboxEvent inserts e as Pending and notifies ChannelInbox. A
// duplicate idempotency key is a no-op.
func (db *DB) InsertInboxEvent(ctx context.Context, e model.InboxEvent) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin insert inbox: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO inbox_events (source, event_type, ordering_key, sequence_id, event_at, observed_at,
		 idempotency_key, payload_hash, payload_json, processing_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'Pending')
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		e.Source, e.EventType, e.OrderingKey, e.SequenceID, e.EventAtUTC.UTC(), e.ObservedAtUTC.UTC(),
		e.IdempotencyKey, e.PayloadHash, []byte(e.PayloadJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: insert inbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	// pg_notify is transactional: listeners see it only after commit.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelInbox, e.OrderingKey); err != nil {
		return false, fmt.Errorf("storage: notify inbox: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit insert inbox: %w", err)
	}
	return true, nil
}

// ListDispatchable returns actionable rows ordered by (event_at, id).
func (db *DB) ListDispatchable(ctx context.Context, q DispatchQuery) ([]model.InboxEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+inboxColumns+` FROM inbox_events
		 WHERE `+claimableClause+`
		 ORDER BY event_at ASC, id ASC
		 LIMIT $3`,
		q.Now.UTC(), q.LeaseExpiredBefore.UTC(), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dispatchable: %w", err)
	}
	return scanInboxEvents(rows)
}

// ClaimInboxEvent leases one row if it is still claimable. Rows locked by a
// concurrent claimer are skipped rather than waited on.
func (db *DB) ClaimInboxEvent(ctx context.Context, c Claim) (int, bool, error) {
	var attempt int
	err := db.pool.QueryRow(ctx,
		`WITH claimable AS (
			SELECT id FROM inbox_events
			WHERE id = $3 AND `+claimableClause+`
			FOR UPDATE SKIP LOCKED
		)
		UPDATE inbox_events e
		SET processing_status = 'Processing',
		    processing_attempt_count = e.processing_attempt_count + 1,
		    last_attempt_at = $1,
		    next_attempt_at = NULL
		FROM claimable
		WHERE e.id = claimable.id
		RETURNING e.processing_attempt_count`,
		c.At.UTC(), c.LeaseExpiredBefore.UTC(), c.ID,
	).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: claim inbox event %d: %w", c.ID, err)
	}
	return attempt, true, nil
}

// MarkInboxFailed records a failed attempt as Failed or DeadLetter.
func (db *DB) MarkInboxFailed(ctx context.Context, f InboxFailure) error {
	var next any
	if f.NextAttemptAt != nil {
		next = f.NextAttemptAt.UTC()
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE inbox_events
		 SET processing_status = $2, next_attempt_at = $3, last_error = $4, last_attempt_at = $5
		 WHERE id = $1`,
		f.ID, string(f.Status), next, model.Truncate(f.Error, model.MaxErrorLength), f.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark inbox failed %d: %w", f.ID, err)
	}
	return nil
}

// ListInboxByStatus returns up to limit rows in status, oldest first.
func (db *DB) ListInboxByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.InboxEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+inboxColumns+` FROM inbox_events
		 WHERE processing_status = $1
		 ORDER BY event_at ASC, id ASC
		 LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list inbox by status: %w", err)
	}
	return scanInboxEvents(rows)
}

// CountBacklog counts rows not yet Processed or DeadLetter.
func (db *DB) CountBacklog(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM inbox_events WHERE processing_status IN ('Pending', 'Processing', 'Failed')`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count backlog: %w", err)
	}
	return n, nil
}

func scanInboxEvents(rows pgx.Rows) ([]model.InboxEvent, error) {
	defer rows.Close()
	var events []model.InboxEvent
	for rows.Next() {
		var (
			e       model.InboxEvent
			status  string
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Source, &e.EventType, &e.OrderingKey, &e.SequenceID, &e.EventAtUTC, &e.ObservedAtUTC,
			&e.IdempotencyKey, &e.PayloadHash, &payload, &status, &e.AttemptCount,
			&e.LastAttemptAt, &e.NextAttemptAt, &e.LastError, &e.ProcessedAtUTC,
		); err != nil {
			return nil, fmt.Errorf("storage: scan inbox event: %w", err)
		}
		e.Status = model.ProcessingStatus(status)
		e.PayloadJSON = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
