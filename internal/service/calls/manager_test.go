package calls_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/calls"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type harness struct {
	t     *testing.T
	store *memory.Store
	m     *calls.Manager
	seq   int64
}

func newHarness(t *testing.T, cfg calls.Config) *harness {
	t.Helper()
	return &harness{
		t:     t,
		store: memory.New(),
		m:     calls.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func (h *harness) event(eventType string, at time.Time, payload any) model.InboxEvent {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	h.seq++
	return model.InboxEvent{
		ID:             h.seq,
		Source:         "test",
		EventType:      eventType,
		OrderingKey:    "call:test",
		EventAtUTC:     at,
		ObservedAtUTC:  at,
		IdempotencyKey: fmt.Sprintf("evt-%d", h.seq),
		PayloadJSON:    raw,
		Status:         model.StatusProcessing,
		AttemptCount:   1,
	}
}

func (h *harness) applyEvent(e model.InboxEvent) error {
	return h.store.WithUnitOfWork(context.Background(), func(ctx context.Context, uow storage.UnitOfWork) error {
		return h.m.Apply(ctx, uow, e)
	})
}

func (h *harness) apply(eventType string, at time.Time, payload any) model.InboxEvent {
	h.t.Helper()
	e := h.event(eventType, at, payload)
	require.NoError(h.t, h.applyEvent(e))
	return e
}

func (h *harness) onlyCall() model.CallProjection {
	h.t.Helper()
	all := h.store.Calls()
	require.Len(h.t, all, 1)
	return all[0]
}

func (h *harness) topics() []string {
	var out []string
	for _, msg := range h.store.Outbox() {
		out = append(out, msg.Topic)
	}
	return out
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func active(cdr, status, agentID string) model.ActiveCallObserved {
	return model.ActiveCallObserved{
		CallIdentity: model.CallIdentity{CdrID: cdr},
		QueueID:      "support",
		AgentID:      agentID,
		Status:       status,
	}
}

func TestActiveCallPollsBuildFullLifecycle(t *testing.T) {
	h := newHarness(t, calls.Config{})

	waiting := active("cdr-1", "Waiting", "")
	waiting.WaitOrder = ptr(2)
	waiting.SlaThresholdSeconds = ptr(30)
	waiting.SnapshotBatchKey = "batch-1"
	waiting.Party = lifecycle.Party{CallerNumber: "06 12345678", CalleeNumber: "201"}
	h.apply(model.EventActiveCallObserved, t0, waiting)

	ringing := active("cdr-1", "Ringing", "agent-1")
	ringing.SnapshotBatchKey = "batch-2"
	h.apply(model.EventActiveCallObserved, t0.Add(10*time.Second), ringing)
	h.apply(model.EventActiveCallObserved, t0.Add(20*time.Second), active("cdr-1", "Talking", "agent-1"))
	outboxBefore := len(h.store.Outbox())
	h.apply(model.EventActiveCallObserved, t0.Add(50*time.Second), active("cdr-1", "Talking", "agent-1"))
	assert.Len(t, h.store.Outbox(), outboxBefore, "repeated poll is a no-op")

	h.apply(model.EventActiveCallDisappeared, t0.Add(85*time.Second), model.ActiveCallDisappeared{
		CallIdentity:  model.CallIdentity{CdrID: "cdr-1"},
		LastSeenAtUTC: t0.Add(80 * time.Second),
	})

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusCompleted, c.Status)
	assert.Equal(t, lifecycle.DispositionAnswered, c.Disposition)
	assert.Equal(t, "support", c.QueueID)
	assert.Equal(t, "+31612345678", c.Party.CallerNumber)
	assert.Equal(t, "201", c.Party.CalleeNumber)
	assert.Equal(t, "agent-1", c.AnsweredByAgentID)
	require.NotNil(t, c.Durations.WaitingMs)
	assert.Equal(t, int64(20000), *c.Durations.WaitingMs)
	require.NotNil(t, c.Durations.RingingMs)
	assert.Equal(t, int64(10000), *c.Durations.RingingMs)
	require.NotNil(t, c.Durations.TalkingMs)
	assert.Equal(t, int64(60000), *c.Durations.TalkingMs)
	require.NotNil(t, c.SlaBreached)
	assert.False(t, *c.SlaBreached)
	assert.False(t, c.Reconciliation.IsMarked())

	topics := h.topics()
	assert.Equal(t, 4, count(topics, model.TopicLifecycleChanged))
	assert.Equal(t, 1, count(topics, model.TopicCallAnswered))
	assert.Equal(t, 1, count(topics, model.TopicCallCompleted))
	assert.Equal(t, 3, count(topics, model.TopicAgentStatusChanged))
	assert.Zero(t, count(topics, model.TopicReconciliationRequired))
	for _, msg := range h.store.Outbox() {
		assert.True(t, json.Valid(msg.PayloadJSON))
		assert.NotEmpty(t, msg.AggregateKey)
	}

	agent, ok := h.store.Agent("support", "agent-1")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentWrapUp, agent.Status)
	assert.Equal(t, int64(60000), agent.TalkingMs)

	var activityKinds []model.AgentActivityKind
	for _, a := range h.store.Activities() {
		activityKinds = append(activityKinds, a.Kind)
		assert.Equal(t, c.Key, a.CallKey)
	}
	assert.Equal(t, []model.AgentActivityKind{model.ActivityRing, model.ActivityAnswer, model.ActivityTalkEnd}, activityKinds)

	snaps := h.store.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "batch-1", snaps[0].BatchKey)
	require.NotNil(t, snaps[0].WaitOrder)
	assert.Equal(t, 2, *snaps[0].WaitOrder)
}

func TestLateWaitingIsFlaggedNotReapplied(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0.Add(20*time.Second), active("cdr-1", "Talking", "agent-1"))
	h.apply(model.EventActiveCallObserved, t0.Add(5*time.Second), active("cdr-1", "Waiting", ""))

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusAnswered, c.Status)
	assert.Nil(t, c.Timeline.QueuedAt)
	assert.Contains(t, c.Reconciliation.Reasons, lifecycle.ReasonAnswerBeforeRing)
	assert.Contains(t, c.Reconciliation.Reasons, lifecycle.ReasonOutOfOrder)
	assert.Equal(t, 2, count(h.topics(), model.TopicReconciliationRequired))
}

func TestCallLogSettlesReconciliation(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0.Add(20*time.Second), active("cdr-1", "Talking", "agent-1"))
	require.True(t, h.onlyCall().Reconciliation.IsMarked())

	h.apply(model.EventCallLogRecordReconciled, t0.Add(10*time.Minute), model.CallLogRecordReconciled{
		CallIdentity:    model.CallIdentity{CdrID: "cdr-1"},
		AgentID:         "agent-1",
		StartTimeUTC:    ptr(t0.Add(5 * time.Second)),
		ReportedAtUTC:   t0.Add(300 * time.Second),
		Answered:        true,
		RingingDuration: "5",
		TalkingDuration: "00:04:50",
	})

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusCompleted, c.Status)
	assert.Equal(t, lifecycle.DispositionAnswered, c.Disposition)
	assert.False(t, c.Reconciliation.IsMarked())
	require.NotNil(t, c.Durations.TalkingMs)
	assert.Equal(t, int64(290000), *c.Durations.TalkingMs)
	require.NotNil(t, c.Durations.RingingMs)
	assert.Equal(t, int64(5000), *c.Durations.RingingMs)
}

func TestCallLogDisagreeingWithEndedCallStaysFlagged(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Waiting", ""))
	h.apply(model.EventActiveCallDisappeared, t0.Add(40*time.Second), model.ActiveCallDisappeared{
		CallIdentity:  model.CallIdentity{CdrID: "cdr-1"},
		LastSeenAtUTC: t0.Add(35 * time.Second),
	})
	require.Equal(t, lifecycle.StatusCompleted, h.onlyCall().Status)
	flagged := count(h.topics(), model.TopicReconciliationRequired)

	h.apply(model.EventCallLogRecordReconciled, t0.Add(time.Hour), model.CallLogRecordReconciled{
		CallIdentity:  model.CallIdentity{CdrID: "cdr-1"},
		ReportedAtUTC: t0.Add(35 * time.Second),
		Status:        "Unanswered",
		Reason:        "Abandoned by caller",
	})

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusCompleted, c.Status)
	require.True(t, c.Reconciliation.IsMarked())
	found := false
	for _, r := range c.Reconciliation.Reasons {
		if strings.Contains(r, string(lifecycle.TransitionAbandoned)) {
			found = true
		}
	}
	assert.True(t, found, "reasons: %v", c.Reconciliation.Reasons)
	assert.Equal(t, flagged+1, count(h.topics(), model.TopicReconciliationRequired))
}

func TestCallLogOutcomeFromReason(t *testing.T) {
	tests := []struct {
		name        string
		status      string
		reason      string
		wantStatus  lifecycle.CallStatus
		disposition lifecycle.Disposition
	}{
		{"abandoned", "Unanswered", "Abandoned by caller", lifecycle.StatusAbandoned, lifecycle.DispositionAbandoned},
		{"missed", "Missed", "", lifecycle.StatusMissed, lifecycle.DispositionMissed},
		{"no answer", "", "No answer", lifecycle.StatusMissed, lifecycle.DispositionMissed},
		{"other", "Closed", "", lifecycle.StatusCompleted, lifecycle.DispositionCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, calls.Config{})
			h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Queued", ""))
			h.apply(model.EventCallLogRecordReconciled, t0.Add(time.Hour), model.CallLogRecordReconciled{
				CallIdentity:  model.CallIdentity{CdrID: "cdr-1"},
				ReportedAtUTC: t0.Add(40 * time.Second),
				Status:        tt.status,
				Reason:        tt.reason,
			})
			c := h.onlyCall()
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.Equal(t, tt.disposition, c.Disposition)
		})
	}
}

func TestHistorySegmentMissedWithWaitingOverride(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventCallHistorySegmentReconciled, t0.Add(time.Hour), model.CallHistorySegmentReconciled{
		CallIdentity:        model.CallIdentity{CallHistoryID: "h-1"},
		QueueID:             "support",
		AgentID:             "agent-2",
		Extension:           "202",
		SegmentStartUTC:     t0,
		SegmentEndUTC:       ptr(t0.Add(50 * time.Second)),
		WaitingDuration:     "00:00:45",
		SlaThresholdSeconds: ptr(30),
	})

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusMissed, c.Status)
	assert.Equal(t, lifecycle.DispositionMissed, c.Disposition)
	require.NotNil(t, c.Durations.WaitingMs)
	assert.Equal(t, int64(45000), *c.Durations.WaitingMs)
	require.NotNil(t, c.SlaBreached)
	assert.True(t, *c.SlaBreached)

	agent, ok := h.store.Agent("support", "agent-2")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentAvailable, agent.Status)
	assert.Equal(t, "202", agent.Extension)

	acts := h.store.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, model.ActivityMiss, acts[0].Kind)
	assert.Equal(t, "202", acts[0].Extension)
}

func TestInvalidDurationOverrideIsIgnored(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventCallHistorySegmentReconciled, t0.Add(time.Hour), model.CallHistorySegmentReconciled{
		CallIdentity:    model.CallIdentity{CallHistoryID: "h-1"},
		AgentID:         "agent-2",
		SegmentStartUTC: t0,
		SegmentEndUTC:   ptr(t0.Add(50 * time.Second)),
		Answered:        true,
		WaitingDuration: "soon",
	})

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusAnswered, c.Status)
	require.NotNil(t, c.Durations.WaitingMs)
	assert.Equal(t, int64(50000), *c.Durations.WaitingMs)
}

func TestResolutionFollowsIdentifierPriority(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, model.ActiveCallObserved{
		CallIdentity: model.CallIdentity{CallHistoryID: "h-1", CorrelationKey: "corr-1"},
		Status:       "Waiting",
	})
	h.apply(model.EventActiveCallObserved, t0.Add(5*time.Second), model.ActiveCallObserved{
		CallIdentity: model.CallIdentity{CdrID: "cdr-9", CallHistoryID: "h-1"},
		Status:       "Ringing",
	})
	h.apply(model.EventActiveCallObserved, t0.Add(10*time.Second), model.ActiveCallObserved{
		CallIdentity: model.CallIdentity{CdrID: "cdr-9"},
		Status:       "Talking",
	})
	h.apply(model.EventActiveCallDisappeared, t0.Add(30*time.Second), model.ActiveCallDisappeared{
		CallIdentity:  model.CallIdentity{CorrelationKey: "corr-1"},
		LastSeenAtUTC: t0.Add(30 * time.Second),
	})

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusCompleted, c.Status)
	assert.Equal(t, "cdr-9", c.Correlation.CdrID)
	assert.Equal(t, "h-1", c.Correlation.CallHistoryID)
	assert.Equal(t, "corr-1", c.CorrelationKey)

	h.apply(model.EventActiveCallObserved, t0.Add(time.Minute), active("cdr-other", "Waiting", ""))
	assert.Len(t, h.store.Calls(), 2)
}

func TestTransferMovesAgents(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Ringing", "agent-1"))
	h.apply(model.EventActiveCallObserved, t0.Add(5*time.Second), active("cdr-1", "Talking", "agent-1"))
	h.apply(model.EventActiveCallObserved, t0.Add(65*time.Second), active("cdr-1", "Transferred", "agent-2"))

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusTransferred, c.Status)
	assert.Equal(t, 1, c.TransferCount)
	assert.Equal(t, "agent-2", c.CurrentAgentID)
	assert.Equal(t, "agent-1", c.AnsweredByAgentID)
	assert.Equal(t, 1, count(h.topics(), model.TopicCallTransferred))

	first, ok := h.store.Agent("support", "agent-1")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentWrapUp, first.Status)
	assert.Equal(t, int64(60000), first.TalkingMs)

	second, ok := h.store.Agent("support", "agent-2")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentTalking, second.Status)
	assert.Equal(t, c.Key, second.CurrentCallKey)

	var kinds []model.AgentActivityKind
	for _, a := range h.store.Activities() {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []model.AgentActivityKind{
		model.ActivityRing, model.ActivityAnswer, model.ActivityTalkEnd, model.ActivityTransfer,
	}, kinds)
}

func TestWrapUpExpiresBeforeNextOffer(t *testing.T) {
	h := newHarness(t, calls.Config{WrapUpWindow: 30 * time.Second})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Ringing", "agent-1"))
	h.apply(model.EventActiveCallObserved, t0.Add(5*time.Second), active("cdr-1", "Talking", "agent-1"))
	h.apply(model.EventActiveCallDisappeared, t0.Add(70*time.Second), model.ActiveCallDisappeared{
		CallIdentity:  model.CallIdentity{CdrID: "cdr-1"},
		LastSeenAtUTC: t0.Add(65 * time.Second),
	})
	first, ok := h.store.Agent("support", "agent-1")
	require.True(t, ok)
	require.Equal(t, lifecycle.AgentWrapUp, first.Status)

	h.apply(model.EventActiveCallObserved, t0.Add(time.Hour), active("cdr-2", "Ringing", "agent-1"))

	agent, ok := h.store.Agent("support", "agent-1")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentRinging, agent.Status)
	assert.Equal(t, int64(30000), agent.WrapUpMs)
	assert.Equal(t, int64(60000), agent.TalkingMs)
	assert.Nil(t, agent.WrapUpStartedAt)
}

func TestReofferFreesPreviouslyRungAgent(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Ringing", "agent-a"))
	h.apply(model.EventActiveCallObserved, t0.Add(10*time.Second), active("cdr-1", "Ringing", "agent-b"))

	a, ok := h.store.Agent("support", "agent-a")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentAvailable, a.Status)
	assert.Empty(t, a.CurrentCallKey)
	b, ok := h.store.Agent("support", "agent-b")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentRinging, b.Status)
	assert.Equal(t, "agent-b", h.onlyCall().CurrentAgentID)

	h.apply(model.EventActiveCallObserved, t0.Add(15*time.Second), active("cdr-1", "Talking", "agent-b"))
	h.apply(model.EventActiveCallDisappeared, t0.Add(75*time.Second), model.ActiveCallDisappeared{
		CallIdentity:  model.CallIdentity{CdrID: "cdr-1"},
		LastSeenAtUTC: t0.Add(75 * time.Second),
	})

	a, _ = h.store.Agent("support", "agent-a")
	assert.Equal(t, lifecycle.AgentAvailable, a.Status)
	b, _ = h.store.Agent("support", "agent-b")
	assert.Equal(t, lifecycle.AgentWrapUp, b.Status)

	c := h.onlyCall()
	assert.Equal(t, "agent-b", c.AnsweredByAgentID)
	assert.False(t, c.Reconciliation.IsMarked())

	var got []string
	for _, act := range h.store.Activities() {
		got = append(got, act.AgentID+":"+string(act.Kind))
	}
	assert.Equal(t, []string{
		"agent-a:" + string(model.ActivityRing),
		"agent-a:" + string(model.ActivityMiss),
		"agent-b:" + string(model.ActivityRing),
		"agent-b:" + string(model.ActivityAnswer),
		"agent-b:" + string(model.ActivityTalkEnd),
	}, got)
}

func TestAnswerByOtherAgentFreesRungAgent(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Ringing", "agent-a"))
	h.apply(model.EventActiveCallObserved, t0.Add(8*time.Second), active("cdr-1", "Talking", "agent-b"))

	a, ok := h.store.Agent("support", "agent-a")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentAvailable, a.Status)
	b, ok := h.store.Agent("support", "agent-b")
	require.True(t, ok)
	assert.Equal(t, lifecycle.AgentTalking, b.Status)
	assert.Equal(t, "agent-b", h.onlyCall().AnsweredByAgentID)
}

func TestRedeliveredEventIsNoOp(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Waiting", ""))
	ring := h.apply(model.EventActiveCallObserved, t0.Add(5*time.Second), active("cdr-1", "Ringing", "agent-1"))
	before := h.onlyCall()
	outbox := len(h.store.Outbox())
	activities := len(h.store.Activities())

	require.NoError(t, h.applyEvent(ring))

	after := h.onlyCall()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Timeline, after.Timeline)
	assert.False(t, after.Reconciliation.IsMarked())
	assert.Len(t, h.store.Outbox(), outbox)
	assert.Len(t, h.store.Activities(), activities)
}

func TestDefaultSlaThreshold(t *testing.T) {
	h := newHarness(t, calls.Config{DefaultSlaSeconds: 10})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Waiting", ""))
	h.apply(model.EventActiveCallObserved, t0.Add(20*time.Second), active("cdr-1", "Connected", "agent-1"))

	c := h.onlyCall()
	require.NotNil(t, c.SlaThresholdSeconds)
	assert.Equal(t, 10, *c.SlaThresholdSeconds)
	require.NotNil(t, c.SlaBreached)
	assert.True(t, *c.SlaBreached)
}

func TestEstablishedTimeDatesTheAnswer(t *testing.T) {
	h := newHarness(t, calls.Config{})

	h.apply(model.EventActiveCallObserved, t0, active("cdr-1", "Ringing", "agent-1"))
	obs := active("cdr-1", "In progress", "agent-1")
	obs.EstablishedAtUTC = ptr(t0.Add(4 * time.Second))
	h.apply(model.EventActiveCallObserved, t0.Add(10*time.Second), obs)

	c := h.onlyCall()
	assert.Equal(t, lifecycle.StatusAnswered, c.Status)
	require.NotNil(t, c.Timeline.AnsweredAt)
	assert.Equal(t, t0.Add(4*time.Second), *c.Timeline.AnsweredAt)
}

func TestUndecodablePayloadFails(t *testing.T) {
	h := newHarness(t, calls.Config{})

	err := h.applyEvent(h.event("Bogus", t0, map[string]string{"cdrId": "cdr-1"}))
	require.ErrorIs(t, err, model.ErrUnknownEventType)

	err = h.applyEvent(h.event(model.EventActiveCallObserved, t0, map[string]string{"status": "Ringing"}))
	require.ErrorIs(t, err, model.ErrInvalidPayload)
	assert.Empty(t, h.store.Calls())
}

func TestInferActiveTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status      string
		established bool
		want        lifecycle.TransitionType
	}{
		{"Ringing", false, lifecycle.TransitionRinging},
		{"Transferred", false, lifecycle.TransitionTransferred},
		{"Talking", false, lifecycle.TransitionAnswered},
		{"CONNECTED", false, lifecycle.TransitionAnswered},
		{"Established", false, lifecycle.TransitionAnswered},
		{"InQueue", false, lifecycle.TransitionWaiting},
		{"Waiting", false, lifecycle.TransitionWaiting},
		{"OnHold", false, lifecycle.TransitionWaiting},
		{"Ended", false, lifecycle.TransitionCompleted},
		{"Completed", false, lifecycle.TransitionCompleted},
		{"Active", true, lifecycle.TransitionAnswered},
		{"Active", false, lifecycle.TransitionWaiting},
		{"", false, lifecycle.TransitionWaiting},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calls.InferActiveTransition(tt.status, tt.established), "%q established=%v", tt.status, tt.established)
	}
}
