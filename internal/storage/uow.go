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

// Unit-of-work transactions retry serialization and deadlock failures.
const (
	uowMaxRetries = 3
	uowBaseDelay  = 25 * time.Millisecond
)

type pgUnitOfWork struct {
	tx pgx.Tx
}

var _ UnitOfWork = (*pgUnitOfWork)(nil)

// WithUnitOfWork runs fn in a transaction and commits it. The whole attempt,
// fn included, is retried on transient conflicts, so fn must not keep state
// across invocations.
func (db *DB) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	return WithRetry(ctx, uowMaxRetries, uowBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin unit of work: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(ctx, &pgUnitOfWork{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit unit of work: %w", err)
		}
		return nil
	})
}

func (u *pgUnitOfWork) GetAgentRuntime(ctx context.Context, queueID, agentID string) (model.AgentRuntime, error) {
	var (
		a       model.AgentRuntime
		status  string
		callKey string
		marker  []byte
	)
	err := u.tx.QueryRow(ctx,
		`SELECT queue_id, agent_id, COALESCE(extension, ''), status, COALESCE(current_call_key, ''),
		 talking_ms, wrap_up_ms, talk_started_at, wrap_up_started_at, last_changed_at, reconciliation, updated_at
		 FROM agent_runtimes WHERE queue_id = $1 AND agent_id = $2`,
		queueID, agentID,
	).Scan(&a.QueueID, &a.AgentID, &a.Extension, &status, &callKey,
		&a.TalkingMs, &a.WrapUpMs, &a.TalkStartedAt, &a.WrapUpStartedAt, &a.LastChangedAt, &marker, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgentRuntime{}, ErrNotFound
	}
	if err != nil {
		return model.AgentRuntime{}, fmt.Errorf("storage: get agent runtime %s: %w", agentID, err)
	}
	a.Status = lifecycle.ParseAgentStatus(status)
	a.CurrentCallKey = lifecycle.CallKey(callKey)
	a.TalkStartedAt = utcPtr(a.TalkStartedAt)
	a.WrapUpStartedAt = utcPtr(a.WrapUpStartedAt)
	a.LastChangedAt = utcPtr(a.LastChangedAt)
	if err := json.Unmarshal(marker, &a.Reconciliation); err != nil {
		return model.AgentRuntime{}, fmt.Errorf("storage: decode agent reconciliation: %w", err)
	}
	return a, nil
}

func (u *pgUnitOfWork) SaveAgentRuntime(ctx context.Context, a model.AgentRuntime) error {
	marker, err := json.Marshal(a.Reconciliation)
	if err != nil {
		return fmt.Errorf("storage: marshal agent reconciliation: %w", err)
	}
	_, err = u.tx.Exec(ctx,
		`INSERT INTO agent_runtimes (queue_id, agent_id, extension, status, current_call_key,
		 talking_ms, wrap_up_ms, talk_started_at, wrap_up_started_at, last_changed_at, reconciliation, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (queue_id, agent_id) DO UPDATE SET
		   extension = EXCLUDED.extension, status = EXCLUDED.status,
		   current_call_key = EXCLUDED.current_call_key, talking_ms = EXCLUDED.talking_ms,
		   wrap_up_ms = EXCLUDED.wrap_up_ms, talk_started_at = EXCLUDED.talk_started_at,
		   wrap_up_started_at = EXCLUDED.wrap_up_started_at, last_changed_at = EXCLUDED.last_changed_at,
		   reconciliation = EXCLUDED.reconciliation, updated_at = EXCLUDED.updated_at`,
		a.QueueID, a.AgentID, nullable(a.Extension), string(a.Status), nullable(string(a.CurrentCallKey)),
		a.TalkingMs, a.WrapUpMs, a.TalkStartedAt, a.WrapUpStartedAt, a.LastChangedAt, marker, a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save agent runtime %s: %w", a.AgentID, err)
	}
	return nil
}

// InsertAgentActivity runs under a savepoint so a failed activity insert
// does not abort the surrounding unit of work.
func (u *pgUnitOfWork) InsertAgentActivity(ctx context.Context, a model.AgentActivity) (bool, error) {
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin agent activity savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	tag, err := sp.Exec(ctx,
		`INSERT INTO agent_activities (idempotency_key, queue_id, agent_id, extension, call_key, kind, occurred_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		a.IdempotencyKey, nullable(a.QueueID), a.AgentID, nullable(a.Extension), string(a.CallKey),
		string(a.Kind), a.OccurredAtUTC.UTC(), a.DurationMs,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert agent activity: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: release agent activity savepoint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (u *pgUnitOfWork) InsertWaitingSnapshot(ctx context.Context, s model.WaitingSnapshot) (bool, error) {
	tag, err := u.tx.Exec(ctx,
		`INSERT INTO waiting_snapshots (batch_key, queue_id, call_key, wait_order, waiting_ms, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (batch_key, call_key) DO NOTHING`,
		s.BatchKey, nullable(s.QueueID), string(s.CallKey), s.WaitOrder, s.WaitingMs, s.CapturedAtUTC.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert waiting snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (u *pgUnitOfWork) InsertOutbox(ctx context.Context, m model.OutboxMessage) error {
	_, err := u.tx.Exec(ctx,
		`INSERT INTO outbox_messages (topic, aggregate_key, payload_json, created_at)
		 VALUES ($1, $2, $3, $4)`,
		m.Topic, m.AggregateKey, []byte(m.PayloadJSON), m.CreatedAtUTC.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert outbox %s: %w", m.Topic, err)
	}
	return nil
}

func (u *pgUnitOfWork) MarkInboxProcessed(ctx context.Context, id int64, at time.Time) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE inbox_events
		 SET processing_status = 'Processed', processed_at = $2, next_attempt_at = NULL, last_error = NULL
		 WHERE id = $1`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark inbox processed %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOutbox returns up to limit outbox rows in insertion order. Publication
// is handled downstream; this is for inspection and tests.
func (db *DB) ListOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, topic, aggregate_key, payload_json, created_at, published_at, attempt_count, last_error
		 FROM outbox_messages ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxMessage
	for rows.Next() {
		var (
			m       model.OutboxMessage
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.AggregateKey, &payload, &m.CreatedAtUTC,
			&m.PublishedAtUTC, &m.AttemptCount, &m.LastError); err != nil {
			return nil, fmt.Errorf("storage: scan outbox: %w", err)
		}
		m.PayloadJSON = payload
		out = append(out, m)
	}
	return out, rows.Err()
}
