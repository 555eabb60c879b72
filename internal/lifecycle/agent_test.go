package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentAccumulatesIntervals(t *testing.T) {
	t.Parallel()
	a := NewAgent("support", "agent-1")
	a.Login(t0)
	a.MarkAvailable(t0)
	a.OfferCall("call-1", t0.Add(time.Second))
	a.AnswerCall("call-1", t0.Add(5*time.Second))
	a.StartWrapUp(t0.Add(65 * time.Second))
	events := a.EndWrapUp(t0.Add(95 * time.Second))

	s := a.State()
	assert.Equal(t, AgentAvailable, s.Status)
	assert.Equal(t, int64(60000), s.TalkingMs)
	assert.Equal(t, int64(30000), s.WrapUpMs)
	assert.Empty(t, s.CurrentCallKey)
	assert.Nil(t, s.TalkStartedAt)
	assert.False(t, s.Reconciliation.IsMarked())

	require.Len(t, events, 1)
	ev := events[0].(AgentStatusChanged)
	assert.Equal(t, AgentWrapUp, ev.PreviousStatus)
	assert.Equal(t, AgentAvailable, ev.Status)
	assert.Equal(t, "agent-1", ev.AggregateKey())
}

func TestAgentWrapUpExpiresAfterWindow(t *testing.T) {
	t.Parallel()
	a := NewAgent("support", "agent-1")
	a.AnswerCall("call-1", t0)
	a.StartWrapUp(t0.Add(time.Minute))

	assert.Empty(t, a.ExpireWrapUp(time.Minute, t0.Add(90*time.Second)))
	assert.Equal(t, AgentWrapUp, a.State().Status)

	events := a.ExpireWrapUp(time.Minute, t0.Add(time.Hour))
	require.Len(t, events, 1)
	ev := events[0].(AgentStatusChanged)
	assert.Equal(t, AgentAvailable, ev.Status)
	assert.Equal(t, t0.Add(2*time.Minute), ev.OccurredAtUTC)

	s := a.State()
	assert.Equal(t, AgentAvailable, s.Status)
	assert.Equal(t, int64(60000), s.WrapUpMs)
	assert.Nil(t, s.WrapUpStartedAt)
	assert.Empty(t, a.ExpireWrapUp(time.Minute, t0.Add(2*time.Hour)))
}

func TestAgentEndBeforeStartIsFlagged(t *testing.T) {
	t.Parallel()
	a := NewAgent("support", "agent-2")
	a.Login(t0)
	a.AnswerCall("call-1", t0.Add(time.Minute))
	events := a.StartWrapUp(t0.Add(30 * time.Second))

	s := a.State()
	assert.Equal(t, int64(0), s.TalkingMs)
	assert.True(t, s.Reconciliation.IsMarked())
	assert.Contains(t, s.Reconciliation.Reasons, ReasonTalkEndedBeforeStart)
	assert.True(t, events[0].(AgentStatusChanged).Reconcile)
}

func TestAgentOfferWhileLoggedOut(t *testing.T) {
	t.Parallel()
	a := NewAgent("support", "agent-3")
	a.Logout(t0)
	a.OfferCall("call-9", t0.Add(time.Second))

	s := a.State()
	assert.Equal(t, AgentRinging, s.Status)
	assert.Equal(t, CallKey("call-9"), s.CurrentCallKey)
	assert.Equal(t, []string{ReasonOfferWhileLoggedOut}, s.Reconciliation.Reasons)
}

func TestRestoreAgent(t *testing.T) {
	t.Parallel()
	started := t0
	a := RestoreAgent(AgentState{AgentID: "agent-4", Status: AgentTalking, TalkStartedAt: &started, TalkingMs: 1000})
	a.Logout(t0.Add(2 * time.Second))
	assert.Equal(t, int64(3000), a.State().TalkingMs)
	assert.Equal(t, AgentLoggedOut, a.State().Status)
}
