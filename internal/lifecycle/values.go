package lifecycle

import (
	"slices"
	"time"
)

// CallKey is the opaque identity of one logical call. It is assigned at first
// observation and never reassigned.
type CallKey string

// CorrelationIDs is the bag of external identifiers describing a call.
type CorrelationIDs struct {
	ProviderCallID      string `json:"providerCallId,omitempty"`
	CdrID               string `json:"cdrId,omitempty"`
	CallHistoryID       string `json:"callHistoryId,omitempty"`
	ParentCallHistoryID string `json:"parentCallHistoryId,omitempty"`
	SegmentID           string `json:"segmentId,omitempty"`
}

// Merge fills absent slots from other. Present values are never overwritten.
func (c CorrelationIDs) Merge(other CorrelationIDs) CorrelationIDs {
	c.ProviderCallID = firstNonEmpty(c.ProviderCallID, other.ProviderCallID)
	c.CdrID = firstNonEmpty(c.CdrID, other.CdrID)
	c.CallHistoryID = firstNonEmpty(c.CallHistoryID, other.CallHistoryID)
	c.ParentCallHistoryID = firstNonEmpty(c.ParentCallHistoryID, other.ParentCallHistoryID)
	c.SegmentID = firstNonEmpty(c.SegmentID, other.SegmentID)
	return c
}

// Conflicts names the primary identifiers present in both c and other with
// different values. Segment and history ids legitimately vary per segment
// and are not compared.
func (c CorrelationIDs) Conflicts(other CorrelationIDs) []string {
	var out []string
	if c.CdrID != "" && other.CdrID != "" && c.CdrID != other.CdrID {
		out = append(out, "cdrId")
	}
	if c.ProviderCallID != "" && other.ProviderCallID != "" && c.ProviderCallID != other.ProviderCallID {
		out = append(out, "providerCallId")
	}
	return out
}

// Party describes the two ends of a call.
type Party struct {
	CallerNumber string `json:"callerNumber,omitempty"`
	CallerName   string `json:"callerName,omitempty"`
	CalleeNumber string `json:"calleeNumber,omitempty"`
	CalleeName   string `json:"calleeName,omitempty"`
	Direction    string `json:"direction,omitempty"`
}

// Merge fills blank fields from other.
func (p Party) Merge(other Party) Party {
	p.CallerNumber = firstNonEmpty(p.CallerNumber, other.CallerNumber)
	p.CallerName = firstNonEmpty(p.CallerName, other.CallerName)
	p.CalleeNumber = firstNonEmpty(p.CalleeNumber, other.CalleeNumber)
	p.CalleeName = firstNonEmpty(p.CalleeName, other.CalleeName)
	p.Direction = firstNonEmpty(p.Direction, other.Direction)
	return p
}

// Timeline holds one optional timestamp per call milestone. Milestone setters
// are first-write-wins; LastObservedAt is the running maximum of every
// timestamp seen for the call.
type Timeline struct {
	QueuedAt       *time.Time `json:"queuedAtUtc,omitempty"`
	OfferedAt      *time.Time `json:"offeredAtUtc,omitempty"`
	AnsweredAt     *time.Time `json:"answeredAtUtc,omitempty"`
	AbandonedAt    *time.Time `json:"abandonedAtUtc,omitempty"`
	CompletedAt    *time.Time `json:"completedAtUtc,omitempty"`
	LastMissedAt   *time.Time `json:"lastMissedAtUtc,omitempty"`
	LastObservedAt *time.Time `json:"lastObservedAtUtc,omitempty"`
}

func (t *Timeline) MarkQueued(at time.Time)    { setOnce(&t.QueuedAt, at) }
func (t *Timeline) MarkOffered(at time.Time)   { setOnce(&t.OfferedAt, at) }
func (t *Timeline) MarkAnswered(at time.Time)  { setOnce(&t.AnsweredAt, at) }
func (t *Timeline) MarkAbandoned(at time.Time) { setOnce(&t.AbandonedAt, at) }
func (t *Timeline) MarkCompleted(at time.Time) { setOnce(&t.CompletedAt, at) }
func (t *Timeline) MarkMissed(at time.Time)    { setOnce(&t.LastMissedAt, at) }

// Observe advances LastObservedAt. It reports true when at precedes the
// current maximum, i.e. the observation arrived out of order.
func (t *Timeline) Observe(at time.Time) bool {
	at = at.UTC()
	if t.LastObservedAt == nil {
		t.LastObservedAt = &at
		return false
	}
	if at.Before(*t.LastObservedAt) {
		return true
	}
	t.LastObservedAt = &at
	return false
}

func setOnce(slot **time.Time, at time.Time) {
	if *slot != nil {
		return
	}
	at = at.UTC()
	*slot = &at
}

// Durations holds per-phase call durations in milliseconds. A nil field means
// the phase has not been measured. Fields are never negative.
type Durations struct {
	WaitingMs *int64 `json:"waitingMs,omitempty"`
	RingingMs *int64 `json:"ringingMs,omitempty"`
	TalkingMs *int64 `json:"talkingMs,omitempty"`
	WrapUpMs  *int64 `json:"wrapUpMs,omitempty"`
}

// overlay returns d with every non-nil field of o applied on top.
func (d Durations) overlay(o Durations) Durations {
	if o.WaitingMs != nil {
		d.WaitingMs = o.WaitingMs
	}
	if o.RingingMs != nil {
		d.RingingMs = o.RingingMs
	}
	if o.TalkingMs != nil {
		d.TalkingMs = o.TalkingMs
	}
	if o.WrapUpMs != nil {
		d.WrapUpMs = o.WrapUpMs
	}
	return d
}

// ComputeDurations derives durations from timeline deltas. A phase is measured
// only when both ends are present; phases whose end precedes their start are
// left unmeasured and named in the returned list.
func ComputeDurations(t Timeline) (Durations, []string) {
	var d Durations
	var negative []string

	waitEnd := t.AnsweredAt
	if waitEnd == nil {
		waitEnd = t.AbandonedAt
	}
	if ms, ok, neg := delta(t.QueuedAt, waitEnd); ok {
		d.WaitingMs = &ms
	} else if neg {
		negative = append(negative, "waiting")
	}
	if ms, ok, neg := delta(t.OfferedAt, t.AnsweredAt); ok {
		d.RingingMs = &ms
	} else if neg {
		negative = append(negative, "ringing")
	}
	if ms, ok, neg := delta(t.AnsweredAt, t.CompletedAt); ok {
		d.TalkingMs = &ms
	} else if neg {
		negative = append(negative, "talking")
	}
	return d, negative
}

func delta(start, end *time.Time) (ms int64, ok, negative bool) {
	if start == nil || end == nil {
		return 0, false, false
	}
	if end.Before(*start) {
		return 0, false, true
	}
	return end.Sub(*start).Milliseconds(), true, false
}

// ReconciliationMarker flags a record for review without blocking processing.
type ReconciliationMarker struct {
	Reasons       []string   `json:"reasons,omitempty"`
	FirstMarkedAt *time.Time `json:"firstMarkedAtUtc,omitempty"`
	LastMarkedAt  *time.Time `json:"lastMarkedAtUtc,omitempty"`
}

// IsMarked reports whether any reason is recorded.
func (m ReconciliationMarker) IsMarked() bool { return len(m.Reasons) > 0 }

// Mark returns a copy of m with reason added (if new) and the marked
// timestamps advanced.
func (m ReconciliationMarker) Mark(reason string, at time.Time) ReconciliationMarker {
	if reason == "" {
		return m
	}
	at = at.UTC()
	if !slices.Contains(m.Reasons, reason) {
		m.Reasons = append(slices.Clone(m.Reasons), reason)
	}
	if m.FirstMarkedAt == nil || at.Before(*m.FirstMarkedAt) {
		m.FirstMarkedAt = &at
	}
	if m.LastMarkedAt == nil || at.After(*m.LastMarkedAt) {
		m.LastMarkedAt = &at
	}
	return m
}

// SlaThreshold is the maximum acceptable waiting time for a call.
type SlaThreshold struct {
	seconds int
}

// NewSlaThreshold returns a threshold for a positive number of seconds.
func NewSlaThreshold(seconds int) (SlaThreshold, bool) {
	if seconds <= 0 {
		return SlaThreshold{}, false
	}
	return SlaThreshold{seconds: seconds}, true
}

// Seconds returns the threshold in seconds.
func (s SlaThreshold) Seconds() int { return s.seconds }

// Breached reports whether waitingMs exceeds the threshold.
func (s SlaThreshold) Breached(waitingMs int64) bool {
	return waitingMs > int64(s.seconds)*1000
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
