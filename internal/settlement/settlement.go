// Package settlement turns confirmed digital payments and self-reported manual
// transfers into exactly one ledger credit each. Every attempt is keyed by a
// settlement key recorded in the same transaction as the credit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/ledger"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/store"
	"github.com/m3rciful/fundbot/internal/tally"
)

// StarsCurrency is the currency code of digital payments.
const StarsCurrency = "XTR"

// DefaultIntentTTL is how long a pending manual transfer can be confirmed.
const DefaultIntentTTL = 15 * time.Minute

// Status is the result class of a settlement attempt.
type Status string

const (
	StatusApplied                 Status = "applied"
	StatusAlreadyApplied          Status = "already_applied"
	StatusRejectedMalformed       Status = "rejected_malformed"
	StatusRejectedUnknownCampaign Status = "rejected_unknown_campaign"
	StatusRejectedInvalidAmount   Status = "rejected_invalid_amount"
	StatusRejectedIntentConsumed  Status = "rejected_intent_consumed"
	// StatusFailed means the attempt could not complete, usually storage trouble.
	StatusFailed Status = "fail"
)

// Rejected reports whether s is one of the rejection statuses.
func (s Status) Rejected() bool {
	switch s {
	case StatusRejectedMalformed, StatusRejectedUnknownCampaign, StatusRejectedInvalidAmount, StatusRejectedIntentConsumed:
		return true
	}
	return false
}

var (
	// ErrMalformed rejects payloads and requests that cannot be interpreted.
	ErrMalformed = errors.New("settlement: malformed request")
	// ErrIntentConsumed is returned for unknown, expired or already confirmed intents.
	ErrIntentConsumed = errors.New("settlement: intent already consumed or expired")

	errDuplicate = errors.New("settlement: duplicate key")
)

// Outcome describes one settlement attempt.
type Outcome struct {
	Status        Status
	SettlementKey string
	Campaign      string
	// Amount is the credited amount in the campaign's native unit.
	Amount int64
	// RawAmount is the paid amount in Stars; 0 for manual transfers.
	RawAmount int64
	AppliedTo string
	Credit    ledger.CreditResult
	Entry     *campaign.TallyEntry
	// Note explains deviations such as a stale cycle reference.
	Note string
}

// Pipeline settles payments into the ledger.
type Pipeline struct {
	store     store.Store
	ledger    *ledger.Engine
	tally     *tally.Service
	pricing   *pricing.Provider
	sink      audit.Sink
	intentTTL time.Duration
	// maxAmount caps self-reported amounts; 0 leaves only the ledger limit.
	maxAmount int64
	now       func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithIntentTTL sets how long pending manual transfers stay confirmable.
func WithIntentTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.intentTTL = ttl
		}
	}
}

// WithMaxAmount caps the native amount of one manual transfer or tally entry.
func WithMaxAmount(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAmount = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New wires a pipeline. sink may be nil.
func New(st store.Store, eng *ledger.Engine, ts *tally.Service, pp *pricing.Provider, sink audit.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     st,
		ledger:    eng,
		tally:     ts,
		pricing:   pp,
		sink:      sink,
		intentTTL: DefaultIntentTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// checkAmount bounds a requested amount for def.
func (p *Pipeline) checkAmount(def campaign.Definition, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", campaign.ErrInvalidAmount, amount)
	}
	limit := p.ledger.MaxCredit(def)
	if p.maxAmount > 0 && p.maxAmount < limit {
		limit = p.maxAmount
	}
	if amount > limit {
		return fmt.Errorf("%w: %d exceeds the limit of %d", campaign.ErrInvalidAmount, amount, limit)
	}
	return nil
}

// credit is one validated request to apply.
type credit struct {
	key         string
	def         campaign.Definition
	contributor string
	channel     campaign.Channel
	amount      int64
	raw         int64
	label       string
	cycle       int
}

// applyTx credits c and records its settlement key inside tx. It returns
// errDuplicate when the key was already applied.
func (p *Pipeline) applyTx(ctx context.Context, tx store.Tx, c credit) (Outcome, error) {
	if _, err := tx.GetSettlement(ctx, c.key); err == nil {
		return Outcome{}, errDuplicate
	} else if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}
	out := Outcome{
		Status:        StatusApplied,
		SettlementKey: c.key,
		Campaign:      c.def.Key,
		Amount:        c.amount,
		RawAmount:     c.raw,
	}
	switch c.def.Kind {
	case campaign.KindRecurring:
		res, err := p.ledger.CreditCycleTx(ctx, tx, c.def.Key, 0, c.amount)
		if err != nil {
			return Outcome{}, err
		}
		out.Credit, out.AppliedTo = res, res.AppliedTo()
		if first := firstCycle(res); c.cycle > 0 && first != c.cycle {
			out.Note = fmt.Sprintf("requested %s, credited %s",
				campaign.CycleRef(c.def.Key, c.cycle), campaign.CycleRef(c.def.Key, first))
		}
	case campaign.KindUnbounded:
		res, err := p.ledger.CreditTx(ctx, tx, c.def.Key, c.amount)
		if err != nil {
			return Outcome{}, err
		}
		out.Credit, out.AppliedTo = res, res.AppliedTo()
	case campaign.KindTally:
		entry, err := p.tally.AppendTx(ctx, tx, c.contributor, c.def.Key, c.label, c.amount, c.channel)
		if err != nil {
			return Outcome{}, err
		}
		out.Entry, out.AppliedTo = &entry, c.def.Key+":"+entry.ID
	default:
		return Outcome{}, fmt.Errorf("%w: %s", campaign.ErrWrongKind, c.def.Kind)
	}
	inserted, err := tx.InsertSettlement(ctx, campaign.SettlementRecord{
		Key:            c.key,
		Campaign:       c.def.Key,
		AppliedTo:      out.AppliedTo,
		Amount:         c.amount,
		RawAmount:      c.raw,
		Channel:        c.channel,
		ContributorRef: c.contributor,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		// A concurrent attempt committed the same key first.
		return Outcome{}, errDuplicate
	}
	return out, nil
}

func firstCycle(res ledger.CreditResult) int {
	if len(res.Closed) > 0 {
		return res.Closed[0].Number
	}
	return res.Current.Number
}

// settle runs apply in a transaction and turns its result into an outcome.
// prepare may consume state such as a pending intent in the same transaction.
func (p *Pipeline) settle(ctx context.Context, c credit, prepare func(store.Tx) (credit, error)) (Outcome, error) {
	var out Outcome
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		if prepare != nil {
			var err error
			if c, err = prepare(tx); err != nil {
				return err
			}
		}
		var err error
		out, err = p.applyTx(ctx, tx, c)
		return err
	})
	if err != nil {
		return p.finish(ctx, c, Outcome{SettlementKey: c.key, Campaign: c.def.Key, Amount: c.amount, RawAmount: c.raw}, err)
	}
	return p.finish(ctx, c, out, nil)
}

// finish classifies err, logs the attempt and publishes its audit trail.
func (p *Pipeline) finish(ctx context.Context, c credit, out Outcome, err error) (Outcome, error) {
	base := audit.Event{
		Channel:        c.channel,
		ContributorRef: c.contributor,
		SettlementKey:  c.key,
		At:             p.now().UTC(),
	}
	switch {
	case err == nil:
		base.Reason = out.Note
		p.logOutcome(ctx, out, nil)
		switch {
		case out.Entry != nil:
			ev := tally.AppendedEvent(*out.Entry)
			ev.SettlementKey = c.key
			audit.Emit(ctx, p.sink, ev)
		default:
			audit.Emit(ctx, p.sink, ledger.Events(out.Credit, base)...)
		}
		return out, nil
	case errors.Is(err, errDuplicate):
		out.Status = StatusAlreadyApplied
		p.logOutcome(ctx, out, nil)
		ev := base
		ev.Kind, ev.Campaign, ev.Amount = audit.KindDuplicate, out.Campaign, out.Amount
		audit.Emit(ctx, p.sink, ev)
		return out, nil
	}
	out.Status = classify(err)
	p.logOutcome(ctx, out, err)
	ev := base
	ev.Kind, ev.Campaign, ev.Amount = audit.KindRejected, out.Campaign, out.Amount
	ev.Reason = string(out.Status) + ": " + err.Error()
	audit.Emit(ctx, p.sink, ev)
	return out, err
}

// classify maps an error onto a rejection status.
func classify(err error) Status {
	switch {
	case errors.Is(err, campaign.ErrUnknownCampaign):
		return StatusRejectedUnknownCampaign
	case errors.Is(err, campaign.ErrInvalidAmount):
		return StatusRejectedInvalidAmount
	case errors.Is(err, ErrIntentConsumed):
		return StatusRejectedIntentConsumed
	case errors.Is(err, ErrMalformed),
		errors.Is(err, campaign.ErrInvalidLabel),
		errors.Is(err, campaign.ErrInvalidChannel),
		errors.Is(err, campaign.ErrWrongKind),
		errors.Is(err, pricing.ErrRateUnset):
		return StatusRejectedMalformed
	}
	return StatusFailed
}

func (p *Pipeline) logOutcome(ctx context.Context, out Outcome, err error) {
	attrs := []slog.Attr{
		logger.Outcome(string(out.Status)),
		slog.String("settlement_key", out.SettlementKey),
		logger.Campaign(out.Campaign),
		logger.Amount(out.Amount),
	}
	if out.RawAmount > 0 {
		attrs = append(attrs, slog.Int64("raw_amount", out.RawAmount))
	}
	if out.AppliedTo != "" {
		attrs = append(attrs, slog.String("applied_to", out.AppliedTo))
	}
	if out.Note != "" {
		attrs = append(attrs, slog.String("cause", out.Note))
	}
	switch {
	case out.Status == StatusFailed:
		logger.Error(ctx, logger.CompSettlement, "settlement.attempt", append(attrs, logger.Err(err))...)
	case out.Status.Rejected():
		logger.Warn(ctx, logger.CompSettlement, "settlement.attempt", append(attrs, logger.Err(err))...)
	default:
		logger.Info(ctx, logger.CompSettlement, "settlement.attempt", attrs...)
	}
}
