// Package calls applies inbox events to call and agent projections. Each
// event is interpreted into transition commands, the call aggregate is
// rehydrated from its projection, and every resulting write lands in the
// caller's unit of work.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Config holds manager defaults.
type Config struct {
	// PhoneRegion is the region assumed for numbers without a country code.
	PhoneRegion string
	// DefaultSlaSeconds applies when a payload carries no SLA threshold.
	// Zero leaves such calls without a threshold.
	DefaultSlaSeconds int
	// WrapUpWindow bounds how long an agent stays in wrap-up without a
	// new call. Defaults to one minute.
	WrapUpWindow time.Duration
}

// Manager applies inbox events. It holds no per-call state and is safe for
// concurrent use.
type Manager struct {
	sm     lifecycle.StateMachine
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newKey func() lifecycle.CallKey
}

// New creates a Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = "NL"
	}
	if cfg.WrapUpWindow <= 0 {
		cfg.WrapUpWindow = time.Minute
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		tracer: telemetry.Tracer("kansoku/calls"),
		now:    time.Now,
		newKey: func() lifecycle.CallKey { return lifecycle.CallKey(uuid.NewString()) },
	}
}

// Apply interprets e and writes the resulting call projection, agent
// runtimes, activity rows, waiting snapshot and outbox messages through uow.
func (m *Manager) Apply(ctx context.Context, uow storage.UnitOfWork, e model.InboxEvent) (err error) {
	ctx, span := m.tracer.Start(ctx, "calls.apply", trace.WithAttributes(
		attribute.String("kansoku.event_type", e.EventType),
		attribute.Int64("kansoku.inbox_id", e.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payload, err := model.DecodePayload(e.EventType, e.PayloadJSON)
	if err != nil {
		return fmt.Errorf("calls: %w", err)
	}
	item, bad := buildWorkItem(e, payload)
	for _, b := range bad {
		m.logger.Warn("calls: authoritative duration ignored",
			"inbox_id", e.ID, "field", b.field, "value", b.value, "error", b.err)
	}

	now := m.now().UTC()
	proj, err := m.resolve(ctx, uow, item, now)
	if err != nil {
		return err
	}
	call := lifecycle.Rehydrate(m.sm, proj.CallState)
	span.SetAttributes(attribute.String("kansoku.call_key", string(call.Key())))

	m.enrich(call, item)
	if proj.CorrelationKey == "" {
		proj.CorrelationKey = item.identity.CorrelationKey
	}

	events, disputes := m.applyCommands(call, item, e)
	if item.settle {
		// A call log settles earlier flags, but not its own disagreements
		// with an outcome the call has already reached.
		events = withoutReconciliation(events)
		call.MarkReconciled()
	}
	if item.overrides != nil {
		reasons := call.SetFinalDurations(*item.overrides, e.EventAtUTC)
		if item.settle {
			disputes = append(disputes, reasons...)
		}
	}
	if item.settle && len(disputes) > 0 {
		m.logger.Warn("calls: call log disagrees with call",
			"inbox_id", e.ID, "call_key", call.Key(), "status", call.Status(), "reasons", disputes)
		events = append(events, call.Flag(disputes, e.EventAtUTC))
	}

	agentEvents, err := m.updateAgents(ctx, uow, call, item, events, now)
	if err != nil {
		return err
	}
	events = append(events, agentEvents...)

	if err := m.snapshot(ctx, uow, call, item, e.EventAtUTC); err != nil {
		return err
	}

	proj.CallState = call.State()
	proj.UpdatedAt = now
	if err := uow.SaveCall(ctx, proj); err != nil {
		return fmt.Errorf("calls: save call %s: %w", call.Key(), err)
	}

	for _, ev := range events {
		if err := m.emit(ctx, uow, ev, now); err != nil {
			return err
		}
	}
	return nil
}

// resolve loads the call the item refers to, or starts a new projection.
func (m *Manager) resolve(ctx context.Context, uow storage.UnitOfWork, item workItem, now time.Time) (model.CallProjection, error) {
	proj, err := uow.FindCall(ctx, item.lookup())
	switch {
	case err == nil:
		return proj, nil
	case errors.Is(err, storage.ErrNotFound):
		return model.CallProjection{
			CallState: lifecycle.CallState{Key: m.newKey(), Status: lifecycle.StatusUnknown},
			CreatedAt: now,
		}, nil
	default:
		return model.CallProjection{}, fmt.Errorf("calls: find call: %w", err)
	}
}

func (m *Manager) enrich(call *lifecycle.Call, item workItem) {
	// Resolution by a lower-priority id can join two unrelated calls when the
	// PBX reuses an id. Surface it; the merge itself keeps the held values.
	if conflicts := call.MergeCorrelationIDs(item.identity.Correlation()); len(conflicts) > 0 {
		m.logger.Warn("calls: identifier conflict on resolved call",
			"call_key", call.Key(), "identifiers", conflicts)
	}
	if item.queueID != "" {
		call.SetQueue(item.queueID)
	}
	call.SetPartyInfo(m.normalizeParty(item.party))
	switch {
	case item.slaSeconds != nil:
		call.SetSlaThresholdSeconds(*item.slaSeconds)
	case m.cfg.DefaultSlaSeconds > 0:
		call.SetSlaThresholdSeconds(m.cfg.DefaultSlaSeconds)
	}
	if item.waitOrder != nil {
		call.SetWaitOrder(*item.waitOrder)
	}
}

// applyCommands applies the item's transitions in order. For a call-log item
// it also returns the reasons of rejected commands the call does not already
// corroborate.
func (m *Manager) applyCommands(call *lifecycle.Call, item workItem, e model.InboxEvent) ([]lifecycle.DomainEvent, []string) {
	var (
		events   []lifecycle.DomainEvent
		disputes []string
	)
	for _, cmd := range item.commands {
		if item.establishedAt != nil && cmd.Type == lifecycle.TransitionAnswered && call.Status() != lifecycle.StatusAnswered {
			cmd.OccurredAt = *item.establishedAt
		}
		d, raised := call.Apply(m.sm, cmd)
		events = append(events, raised...)
		switch {
		case !d.Accepted:
			m.logger.Warn("calls: transition rejected",
				"inbox_id", e.ID, "call_key", call.Key(), "transition", cmd.Type,
				"status", d.PreviousStatus, "reason", d.Reason())
			if item.settle && !corroborated(call.State(), cmd) {
				disputes = append(disputes, d.Reasons...)
			}
		case d.RequiresReconciliation:
			m.logger.Info("calls: call flagged for reconciliation",
				"inbox_id", e.ID, "call_key", call.Key(), "transition", cmd.Type,
				"status", d.NextStatus, "reason", d.Reason())
		}
	}
	return events, disputes
}

// corroborated reports whether the milestone cmd asserts is already on the
// call's timeline.
func corroborated(s lifecycle.CallState, cmd lifecycle.TransitionCommand) bool {
	if cmd.Type == lifecycle.TransitionAnswered {
		return s.Timeline.AnsweredAt != nil
	}
	return cmd.Type.Status() == s.Status
}

func withoutReconciliation(events []lifecycle.DomainEvent) []lifecycle.DomainEvent {
	out := events[:0]
	for _, ev := range events {
		if _, ok := ev.(lifecycle.ReconciliationRequired); !ok {
			out = append(out, ev)
		}
	}
	return out
}

// snapshot records the call's queue position when it is waiting in a
// batch-keyed poll.
func (m *Manager) snapshot(ctx context.Context, uow storage.UnitOfWork, call *lifecycle.Call, item workItem, at time.Time) error {
	if item.batchKey == "" || call.Status() != lifecycle.StatusWaiting {
		return nil
	}
	s := call.State()
	row := model.WaitingSnapshot{
		BatchKey:      item.batchKey,
		QueueID:       s.QueueID,
		CallKey:       s.Key,
		WaitOrder:     s.WaitOrder,
		CapturedAtUTC: at.UTC(),
	}
	if q := s.Timeline.QueuedAt; q != nil && !at.Before(*q) {
		ms := at.Sub(*q).Milliseconds()
		row.WaitingMs = &ms
	}
	if _, err := uow.InsertWaitingSnapshot(ctx, row); err != nil {
		return fmt.Errorf("calls: insert waiting snapshot: %w", err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, uow storage.UnitOfWork, ev lifecycle.DomainEvent, now time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("calls: marshal %s: %w", ev.Kind(), err)
	}
	msg := model.OutboxMessage{
		Topic:        model.TopicFor(ev.Kind()),
		AggregateKey: ev.AggregateKey(),
		PayloadJSON:  payload,
		CreatedAtUTC: now,
	}
	if err := uow.InsertOutbox(ctx, msg); err != nil {
		return fmt.Errorf("calls: insert outbox %s: %w", msg.Topic, err)
	}
	return nil
}

func (m *Manager) normalizeParty(p lifecycle.Party) lifecycle.Party {
	p.CallerNumber = normalizeNumber(p.CallerNumber, m.cfg.PhoneRegion)
	p.CalleeNumber = normalizeNumber(p.CalleeNumber, m.cfg.PhoneRegion)
	return p
}

// normalizeNumber formats a phone number as E.164. Numbers that do not parse
// as valid, such as internal extensions, are returned trimmed.
func normalizeNumber(input, region string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed
	}
	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil || !phonenumbers.IsValidNumber(number) {
		return trimmed
	}
	return phonenumbers.Format(number, phonenumbers.E164)
}
