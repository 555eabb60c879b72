package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/lifecycle"
)

// Known event types.
const (
	EventActiveCallObserved           = "ActiveCallObserved"
	EventActiveCallDisappeared        = "ActiveCallDisappeared"
	EventCallHistorySegmentReconciled = "CallHistorySegmentReconciled"
	EventCallLogRecordReconciled      = "CallLogRecordReconciled"
)

var (
	// ErrUnknownEventType is returned for event types with no payload variant.
	ErrUnknownEventType = errors.New("model: unknown event type")
	// ErrInvalidPayload is returned when a payload decodes but cannot identify a call.
	ErrInvalidPayload = errors.New("model: invalid payload")
)

// Payload is the sealed union of inbox payload variants, one per event type.
type Payload interface {
	EventType() string
	Identity() CallIdentity
	isPayload()
}

// CallIdentity carries every external identifier a source may know for a call.
type CallIdentity struct {
	ProviderCallID    string `json:"providerCallId,omitempty"`
	CdrID             string `json:"cdrId,omitempty"`
	CallHistoryID     string `json:"callHistoryId,omitempty"`
	MainCallHistoryID string `json:"mainCallHistoryId,omitempty"`
	SegmentID         string `json:"segmentId,omitempty"`
	CorrelationKey    string `json:"correlationKey,omitempty"`
}

// IsZero reports whether no identifier is present.
func (c CallIdentity) IsZero() bool {
	return c.ProviderCallID == "" && c.CdrID == "" && c.CallHistoryID == "" &&
		c.MainCallHistoryID == "" && c.CorrelationKey == ""
}

// Correlation converts the identity to the aggregate's identifier bag.
func (c CallIdentity) Correlation() lifecycle.CorrelationIDs {
	return lifecycle.CorrelationIDs{
		ProviderCallID:      c.ProviderCallID,
		CdrID:               c.CdrID,
		CallHistoryID:       c.CallHistoryID,
		ParentCallHistoryID: c.MainCallHistoryID,
		SegmentID:           c.SegmentID,
	}
}

// Identity returns the identity itself so variants embedding it satisfy Payload.
func (c CallIdentity) Identity() CallIdentity { return c }

// CallOrderingKey returns the ordering key used for call-scoped events.
func CallOrderingKey(id CallIdentity) string {
	for _, v := range []string{id.CdrID, id.CallHistoryID, id.MainCallHistoryID, id.ProviderCallID, id.CorrelationKey} {
		if v = strings.TrimSpace(v); v != "" {
			return "call:" + v
		}
	}
	return ""
}

// ActiveCallObserved is one row of an active-call poll.
type ActiveCallObserved struct {
	CallIdentity
	lifecycle.Party
	QueueID             string     `json:"queueId,omitempty"`
	AgentID             string     `json:"agentId,omitempty"`
	Extension           string     `json:"extension,omitempty"`
	Status              string     `json:"status"`
	EstablishedAtUTC    *time.Time `json:"establishedAtUtc,omitempty"`
	WaitOrder           *int       `json:"waitOrder,omitempty"`
	SlaThresholdSeconds *int       `json:"slaThresholdSeconds,omitempty"`
	SnapshotBatchKey    string     `json:"snapshotBatchKey,omitempty"`
}

// ActiveCallDisappeared reports a call missing from the latest active-call poll.
type ActiveCallDisappeared struct {
	CallIdentity
	QueueID       string    `json:"queueId,omitempty"`
	LastStatus    string    `json:"lastStatus,omitempty"`
	LastSeenAtUTC time.Time `json:"lastSeenAtUtc"`
}

// CallHistorySegmentReconciled is one authoritative historical call segment.
type CallHistorySegmentReconciled struct {
	CallIdentity
	lifecycle.Party
	QueueID             string     `json:"queueId,omitempty"`
	AgentID             string     `json:"agentId,omitempty"`
	Extension           string     `json:"extension,omitempty"`
	SegmentStartUTC     time.Time  `json:"segmentStartUtc"`
	SegmentEndUTC       *time.Time `json:"segmentEndUtc,omitempty"`
	Answered            bool       `json:"answered"`
	WaitingDuration     string     `json:"waitingDuration,omitempty"`
	SlaThresholdSeconds *int       `json:"slaThresholdSeconds,omitempty"`
}

// CallLogRecordReconciled is one post-call log row.
type CallLogRecordReconciled struct {
	CallIdentity
	lifecycle.Party
	QueueID             string     `json:"queueId,omitempty"`
	AgentID             string     `json:"agentId,omitempty"`
	Extension           string     `json:"extension,omitempty"`
	StartTimeUTC        *time.Time `json:"startTimeUtc,omitempty"`
	ReportedAtUTC       time.Time  `json:"reportedAtUtc"`
	Answered            bool       `json:"answered"`
	Status              string     `json:"status,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	RingingDuration     string     `json:"ringingDuration,omitempty"`
	TalkingDuration     string     `json:"talkingDuration,omitempty"`
	SlaThresholdSeconds *int       `json:"slaThresholdSeconds,omitempty"`
}

func (ActiveCallObserved) EventType() string           { return EventActiveCallObserved }
func (ActiveCallDisappeared) EventType() string        { return EventActiveCallDisappeared }
func (CallHistorySegmentReconciled) EventType() string { return EventCallHistorySegmentReconciled }
func (CallLogRecordReconciled) EventType() string      { return EventCallLogRecordReconciled }

func (ActiveCallObserved) isPayload()           {}
func (ActiveCallDisappeared) isPayload()        {}
func (CallHistorySegmentReconciled) isPayload() {}
func (CallLogRecordReconciled) isPayload()      {}

// KnownEventType reports whether eventType has a payload variant.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventActiveCallObserved, EventActiveCallDisappeared,
		EventCallHistorySegmentReconciled, EventCallLogRecordReconciled:
		return true
	}
	return false
}

// DecodePayload decodes raw into the variant for eventType.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	var p Payload
	var err error
	switch eventType {
	case EventActiveCallObserved:
		var v ActiveCallObserved
		err = json.Unmarshal(raw, &v)
		p = v
	case EventActiveCallDisappeared:
		var v ActiveCallDisappeared
		err = json.Unmarshal(raw, &v)
		p = v
	case EventCallHistorySegmentReconciled:
		var v CallHistorySegmentReconciled
		err = json.Unmarshal(raw, &v)
		if err == nil && v.SegmentStartUTC.IsZero() {
			err = fmt.Errorf("%w: segmentStartUtc is required", ErrInvalidPayload)
		}
		p = v
	case EventCallLogRecordReconciled:
		var v CallLogRecordReconciled
		err = json.Unmarshal(raw, &v)
		if err == nil && v.ReportedAtUTC.IsZero() {
			err = fmt.Errorf("%w: reportedAtUtc is required", ErrInvalidPayload)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("model: decode %s payload: %w", eventType, err)
	}
	if p.Identity().IsZero() {
		return nil, fmt.Errorf("model: decode %s payload: %w: no call identifier", eventType, ErrInvalidPayload)
	}
	return p, nil
}
