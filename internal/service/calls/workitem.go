package calls

import (
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// workItem is what one inbox event asks of a call.
type workItem struct {
	identity      model.CallIdentity
	party         lifecycle.Party
	queueID       string
	agentID       string
	extension     string
	slaSeconds    *int
	waitOrder     *int
	batchKey      string
	commands      []lifecycle.TransitionCommand
	overrides     *lifecycle.Durations
	settle        bool
	establishedAt *time.Time
}

func (w workItem) lookup() storage.CallLookup {
	return storage.CallLookup{
		CdrID:             w.identity.CdrID,
		CallHistoryID:     w.identity.CallHistoryID,
		MainCallHistoryID: w.identity.MainCallHistoryID,
		ProviderCallID:    w.identity.ProviderCallID,
		CorrelationKey:    w.identity.CorrelationKey,
	}
}

// invalidDuration records an authoritative duration that failed to parse.
type invalidDuration struct {
	field string
	value string
	err   error
}

// buildWorkItem maps a decoded payload to a work item. Unparseable duration
// overrides are dropped and returned so the caller can log them.
func buildWorkItem(e model.InboxEvent, p model.Payload) (workItem, []invalidDuration) {
	at := e.EventAtUTC.UTC()
	source := e.Source
	cmd := func(t lifecycle.TransitionType, when time.Time, agentID, ext string) lifecycle.TransitionCommand {
		return lifecycle.TransitionCommand{Type: t, OccurredAt: when.UTC(), AgentID: agentID, Extension: ext, Source: source}
	}

	var bad []invalidDuration
	parse := func(field, value string) *int64 {
		ms, err := model.DurationMs(value)
		if err != nil {
			bad = append(bad, invalidDuration{field: field, value: value, err: err})
			return nil
		}
		return ms
	}

	w := workItem{identity: p.Identity()}
	switch v := p.(type) {
	case model.ActiveCallObserved:
		w.party = v.Party
		w.queueID, w.agentID, w.extension = v.QueueID, v.AgentID, v.Extension
		w.slaSeconds, w.waitOrder, w.batchKey = v.SlaThresholdSeconds, v.WaitOrder, v.SnapshotBatchKey
		t := InferActiveTransition(v.Status, v.EstablishedAtUTC != nil)
		w.commands = []lifecycle.TransitionCommand{cmd(t, at, v.AgentID, v.Extension)}
		if t == lifecycle.TransitionAnswered && v.EstablishedAtUTC != nil && !v.EstablishedAtUTC.After(at) {
			est := v.EstablishedAtUTC.UTC()
			w.establishedAt = &est
		}

	case model.ActiveCallDisappeared:
		w.queueID = v.QueueID
		when := at
		if !v.LastSeenAtUTC.IsZero() {
			when = v.LastSeenAtUTC
		}
		w.commands = []lifecycle.TransitionCommand{cmd(lifecycle.TransitionCompleted, when, "", "")}

	case model.CallHistorySegmentReconciled:
		w.party = v.Party
		w.queueID, w.agentID, w.extension = v.QueueID, v.AgentID, v.Extension
		w.slaSeconds = v.SlaThresholdSeconds
		w.commands = []lifecycle.TransitionCommand{cmd(lifecycle.TransitionWaiting, v.SegmentStartUTC, "", "")}
		if v.SegmentEndUTC != nil {
			end := lifecycle.TransitionMissed
			if v.Answered {
				end = lifecycle.TransitionAnswered
			}
			w.commands = append(w.commands, cmd(end, *v.SegmentEndUTC, v.AgentID, v.Extension))
		}
		if ms := parse("waitingDuration", v.WaitingDuration); ms != nil {
			w.overrides = &lifecycle.Durations{WaitingMs: ms}
		}

	case model.CallLogRecordReconciled:
		w.party = v.Party
		w.queueID, w.agentID, w.extension = v.QueueID, v.AgentID, v.Extension
		w.slaSeconds = v.SlaThresholdSeconds
		w.settle = true
		if v.Answered && v.StartTimeUTC != nil {
			w.commands = append(w.commands, cmd(lifecycle.TransitionAnswered, *v.StartTimeUTC, v.AgentID, v.Extension))
		}
		w.commands = append(w.commands, cmd(inferLogOutcome(v.Answered, v.Status, v.Reason), v.ReportedAtUTC, v.AgentID, v.Extension))
		ringing := parse("ringingDuration", v.RingingDuration)
		talking := parse("talkingDuration", v.TalkingDuration)
		if ringing != nil || talking != nil {
			w.overrides = &lifecycle.Durations{RingingMs: ringing, TalkingMs: talking}
		}
	}
	return w, bad
}

// InferActiveTransition maps the free-text status of an active call to a
// transition. The first matching substring wins.
func InferActiveTransition(status string, established bool) lifecycle.TransitionType {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "ring"):
		return lifecycle.TransitionRinging
	case strings.Contains(s, "transfer"):
		return lifecycle.TransitionTransferred
	case containsAny(s, "talk", "connect", "establish"):
		return lifecycle.TransitionAnswered
	case containsAny(s, "queue", "wait", "hold"):
		return lifecycle.TransitionWaiting
	case containsAny(s, "end", "complete"):
		return lifecycle.TransitionCompleted
	case established:
		return lifecycle.TransitionAnswered
	default:
		return lifecycle.TransitionWaiting
	}
}

// inferLogOutcome picks the terminal transition for a call-log row.
func inferLogOutcome(answered bool, status, reason string) lifecycle.TransitionType {
	if answered {
		return lifecycle.TransitionCompleted
	}
	s := strings.ToLower(status + " " + reason)
	switch {
	case strings.Contains(s, "abandon"):
		return lifecycle.TransitionAbandoned
	case containsAny(s, "miss", "no answer", "noanswer", "unanswered"):
		return lifecycle.TransitionMissed
	default:
		return lifecycle.TransitionCompleted
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
