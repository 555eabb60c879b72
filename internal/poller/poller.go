// Package poller turns PBX query results into inbox envelopes. Active calls
// are polled as snapshots; history segments and call-log rows are re-read
// over a lookback window and deduplicated by the inbox.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/pbx"
)

// Envelope sources.
const (
	SourceActiveCalls = "poll:active"
	SourceCallHistory = "poll:history"
	SourceCallLog     = "poll:calllog"
)

// Writer stages envelopes in the inbox.
type Writer interface {
	WriteBatch(ctx context.Context, envs []model.Envelope) (inserted int, err error)
}

// Config selects the enabled sources and their timing.
type Config struct {
	Interval      time.Duration
	Lookback      time.Duration
	ActiveCalls   bool
	CallHistory   bool
	CallLog       bool
	CallLogReport string
}

// seenCall is what the previous active-call poll knew about a call.
type seenCall struct {
	identity model.CallIdentity
	queueID  string
	status   string
	lastSeen time.Time
}

// Poller runs the enabled PBX polls.
type Poller struct {
	client pbx.Client
	writer Writer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	previous map[string]seenCall
}

// New creates a Poller. Interval and lookback are raised to their minimums.
func New(client pbx.Client, writer Writer, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}
	if cfg.Lookback < time.Minute {
		cfg.Lookback = time.Minute
	}
	if cfg.CallLogReport == "" {
		cfg.CallLogReport = pbx.DefaultCallLogReport
	}
	return &Poller{
		client: client,
		writer: writer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the poller's time source.
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// Run polls every enabled source each interval until ctx is cancelled.
// Poll errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller: started", "interval", p.cfg.Interval,
		"active_calls", p.cfg.ActiveCalls, "call_history", p.cfg.CallHistory, "call_log", p.cfg.CallLog)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs each enabled source once.
func (p *Poller) PollOnce(ctx context.Context) {
	polls := []struct {
		name    string
		enabled bool
		fn      func(context.Context) (int, error)
	}{
		{"active_calls", p.cfg.ActiveCalls, p.PollActiveCalls},
		{"call_history", p.cfg.CallHistory, p.PollCallHistory},
		{"call_log", p.cfg.CallLog, p.PollCallLogs},
	}
	for _, poll := range polls {
		if !poll.enabled || ctx.Err() != nil {
			continue
		}
		n, err := poll.fn(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("poller: poll failed", "source", poll.name, "error", err)
			}
			continue
		}
		if n > 0 {
			p.logger.Debug("poller: envelopes written", "source", poll.name, "inserted", n)
		}
	}
}

// PollActiveCalls writes one ActiveCallObserved per active call, sharing a
// batch key, and one ActiveCallDisappeared per call seen in the previous
// poll but missing from this one.
func (p *Poller) PollActiveCalls(ctx context.Context) (int, error) {
	rows, err := p.client.ListActiveCalls(ctx)
	if err != nil {
		return 0, fmt.Errorf("poller: list active calls: %w", err)
	}
	now := p.now().UTC()
	batchKey := uuid.NewString()

	current := make(map[string]seenCall, len(rows))
	live := make(map[string]struct{}, len(rows))
	envs := make([]model.Envelope, 0, len(rows))
	for _, row := range rows {
		env, ok := p.envelope(SourceActiveCalls, now, row.Payload(batchKey))
		if !ok {
			continue
		}
		envs = append(envs, env)
		current[env.OrderingKey] = seenCall{identity: row.Identity, queueID: row.QueueID, status: row.Status, lastSeen: now}
		for _, id := range identifiers(row.Identity) {
			live[id] = struct{}{}
		}
	}

	p.mu.Lock()
	previous := p.previous
	p.mu.Unlock()
	for _, seen := range previous {
		if stillActive(seen.identity, live) {
			continue
		}
		env, ok := p.envelope(SourceActiveCalls, now, model.ActiveCallDisappeared{
			CallIdentity:  seen.identity,
			QueueID:       seen.queueID,
			LastStatus:    seen.status,
			LastSeenAtUTC: seen.lastSeen,
		})
		if ok {
			envs = append(envs, env)
		}
	}

	n, err := p.writer.WriteBatch(ctx, envs)
	if err != nil {
		return n, fmt.Errorf("poller: write active calls: %w", err)
	}
	p.mu.Lock()
	p.previous = current
	p.mu.Unlock()
	return n, nil
}

// identifiers lists every id a call carries, tagged by kind. A call keeps
// being the same call while any of them is still reported.
func identifiers(id model.CallIdentity) []string {
	var out []string
	for _, kv := range [...][2]string{
		{"provider", id.ProviderCallID},
		{"cdr", id.CdrID},
		{"history", id.CallHistoryID},
		{"main", id.MainCallHistoryID},
		{"corr", id.CorrelationKey},
	} {
		if kv[1] != "" {
			out = append(out, kv[0]+":"+kv[1])
		}
	}
	return out
}

func stillActive(id model.CallIdentity, live map[string]struct{}) bool {
	for _, k := range identifiers(id) {
		if _, ok := live[k]; ok {
			return true
		}
	}
	return false
}

// PollCallHistory writes segments that started within the lookback window.
func (p *Poller) PollCallHistory(ctx context.Context) (int, error) {
	to := p.now().UTC()
	rows, err := p.client.ListCallHistory(ctx, to.Add(-p.cfg.Lookback), to)
	if err != nil {
		return 0, fmt.Errorf("poller: list call history: %w", err)
	}
	envs := make([]model.Envelope, 0, len(rows))
	for _, row := range rows {
		at := row.Start
		if row.End != nil {
			at = *row.End
		}
		if env, ok := p.envelope(SourceCallHistory, at, row.Payload()); ok {
			envs = append(envs, env)
		}
	}
	n, err := p.writer.WriteBatch(ctx, envs)
	if err != nil {
		return n, fmt.Errorf("poller: write call history: %w", err)
	}
	return n, nil
}

// PollCallLogs writes call-log rows reported within the lookback window.
func (p *Poller) PollCallLogs(ctx context.Context) (int, error) {
	to := p.now().UTC()
	rows, err := p.client.ListCallLogs(ctx, p.cfg.CallLogReport, to.Add(-p.cfg.Lookback), to)
	if err != nil {
		return 0, fmt.Errorf("poller: list call logs: %w", err)
	}
	envs := make([]model.Envelope, 0, len(rows))
	for _, row := range rows {
		if env, ok := p.envelope(SourceCallLog, row.ReportedAt, row.Payload()); ok {
			envs = append(envs, env)
		}
	}
	n, err := p.writer.WriteBatch(ctx, envs)
	if err != nil {
		return n, fmt.Errorf("poller: write call logs: %w", err)
	}
	return n, nil
}

// envelope builds the envelope for payload. Rows without any call
// identifier are dropped.
func (p *Poller) envelope(source string, at time.Time, payload model.Payload) (model.Envelope, bool) {
	key := model.CallOrderingKey(payload.Identity())
	if key == "" {
		p.logger.Warn("poller: row without call identifier skipped", "source", source, "event_type", payload.EventType())
		return model.Envelope{}, false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("poller: row not encodable", "source", source, "error", err)
		return model.Envelope{}, false
	}
	return model.Envelope{
		Source:      source,
		EventType:   payload.EventType(),
		EventAtUTC:  at.UTC(),
		OrderingKey: key,
		PayloadJSON: string(raw),
	}, true
}
