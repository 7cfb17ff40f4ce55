// Package audit carries ledger events to operators. Publishing is best effort:
// a failed sink never undoes a committed credit.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/campaign"
)

// Kind names an audit event.
type Kind string

const (
	KindCredit                Kind = "credit"
	KindCycleClosed           Kind = "cycle_closed"
	KindOverflowUndistributed Kind = "overflow_undistributed"
	KindDuplicate             Kind = "duplicate"
	KindRejected              Kind = "rejected"
	KindTallyAppended         Kind = "tally_appended"
	KindTallyCorrected        Kind = "tally_corrected"
	KindTargetChanged         Kind = "target_changed"
	KindRateChanged           Kind = "rate_changed"
	KindPriceChanged          Kind = "price_changed"
)

// Event is one audit record.
type Event struct {
	Kind     Kind   `json:"kind"`
	Campaign string `json:"campaign,omitempty"`
	// Ref is the cycle ("water#3"), counter or tally the event applies to.
	Ref            string           `json:"ref,omitempty"`
	Amount         int64            `json:"amount"`
	Channel        campaign.Channel `json:"channel,omitempty"`
	ContributorRef string           `json:"contributor,omitempty"`
	SettlementKey  string           `json:"settlement_key,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	At             time.Time        `json:"at"`
}

// Sink receives audit events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes events in order and logs sink failures instead of returning them.
func Emit(ctx context.Context, sink Sink, events ...Event) {
	if sink == nil {
		return
	}
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		if err := sink.Publish(ctx, ev); err != nil {
			logger.Warn(ctx, logger.CompAudit, "audit.publish",
				slog.String("status", "fail"),
				slog.String("kind", string(ev.Kind)),
				logger.Campaign(ev.Campaign),
				slog.String("settlement_key", ev.SettlementKey),
				logger.Err(err),
			)
		}
	}
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Publish delivers ev to every sink, even after a failure.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(context.Context, Event) error { return nil }

// Memory records events in process.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends ev.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfKind returns recorded events of kind k.
func (m *Memory) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// LogSink writes events to the structured log.
type LogSink struct{}

// Publish logs ev under the audit component.
func (LogSink) Publish(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Kind == KindRejected || ev.Kind == KindOverflowUndistributed {
		level = slog.LevelWarn
	}
	logger.Event(ctx, logger.CompAudit, level, "audit."+string(ev.Kind),
		logger.Campaign(ev.Campaign),
		slog.String("ref", ev.Ref),
		logger.Amount(ev.Amount),
		slog.String("channel", string(ev.Channel)),
		slog.String("contributor", ev.ContributorRef),
		slog.String("settlement_key", ev.SettlementKey),
		slog.String("reason", ev.Reason),
	)
	return nil
}
