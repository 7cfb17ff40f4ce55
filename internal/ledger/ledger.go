// Package ledger applies credits to campaigns. Recurring campaigns fund a
// chain of cycles: a credit that reaches the target closes the cycle at exactly
// its target and carries the overflow into the next one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

// maxOpenAttempts bounds how often a credit re-targets after the open cycle vanished.
const maxOpenAttempts = 3

// DefaultMaxCyclesPerCredit bounds how many default targets one credit may fill.
const DefaultMaxCyclesPerCredit = 100

var errNoOpenCycle = errors.New("ledger: no open cycle after retries")

// CreditResult describes the effect of one credit.
type CreditResult struct {
	Campaign string
	Amount   int64
	// Closed lists the cycles this credit closed, oldest first.
	Closed []campaign.Cycle
	// Current is the open cycle after the credit, or the last closed cycle when Completed.
	Current campaign.Cycle
	// Total is the counter value after crediting an unbounded campaign.
	Total int64
	// Undistributed is overflow left over once the cycle cap was reached.
	Undistributed int64
	Completed     bool
}

// AppliedTo renders the cycles or counter that received money, e.g. "water#1-3".
func (r CreditResult) AppliedTo() string {
	if r.Current.Campaign == "" {
		return r.Campaign
	}
	first, last := r.Current.Number, r.Current.Number
	if len(r.Closed) > 0 {
		first = r.Closed[0].Number
		if r.Current.Open && r.Current.Raised == 0 {
			last = r.Closed[len(r.Closed)-1].Number
		}
	}
	if first == last {
		return campaign.CycleRef(r.Campaign, first)
	}
	return fmt.Sprintf("%s-%d", campaign.CycleRef(r.Campaign, first), last)
}

// Engine is the ledger state machine.
type Engine struct {
	store   store.Store
	catalog *campaign.Catalog
	sink    audit.Sink
	now     func() time.Time
	// maxCycles caps one credit at maxCycles default targets.
	maxCycles int64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxCyclesPerCredit changes how many cycles a single credit may fill.
func WithMaxCyclesPerCredit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCycles = int64(n)
		}
	}
}

// New builds an engine. sink may be nil.
func New(st store.Store, cat *campaign.Catalog, sink audit.Sink, opts ...Option) *Engine {
	e := &Engine{store: st, catalog: cat, sink: sink, now: time.Now, maxCycles: DefaultMaxCyclesPerCredit}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog exposes the campaign definitions the engine serves.
func (e *Engine) Catalog() *campaign.Catalog { return e.catalog }

// Now returns the engine clock in UTC.
func (e *Engine) Now() time.Time { return e.now().UTC() }

func (e *Engine) definition(key string, kind campaign.Kind) (campaign.Definition, error) {
	def, err := e.catalog.Lookup(key)
	if err != nil {
		return def, err
	}
	if def.Kind != kind {
		return def, fmt.Errorf("%w: %s is %s, not %s", campaign.ErrWrongKind, def.Key, def.Kind, kind)
	}
	return def, nil
}

// MaxCredit is the largest amount one credit may carry into def. Recurring
// campaigns are limited to a fixed number of default targets so a single
// credit never walks an unbounded number of cycles.
func (e *Engine) MaxCredit(def campaign.Definition) int64 {
	if def.Kind != campaign.KindRecurring || def.DefaultTarget <= 0 {
		return math.MaxInt64
	}
	if def.DefaultTarget > math.MaxInt64/e.maxCycles {
		return math.MaxInt64
	}
	return def.DefaultTarget * e.maxCycles
}

func validAmount(amount, limit int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", campaign.ErrInvalidAmount, amount)
	}
	if amount > limit {
		return fmt.Errorf("%w: %d exceeds the limit of %d", campaign.ErrInvalidAmount, amount, limit)
	}
	return nil
}

// checkedAdd rejects credits that would overflow the stored total.
func checkedAdd(ref string, total, amount int64) error {
	if total > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s cannot hold %d more", campaign.ErrInvalidAmount, ref, amount)
	}
	return nil
}

// Credit adds amount to an unbounded campaign.
func (e *Engine) Credit(ctx context.Context, key string, amount int64) (CreditResult, error) {
	var res CreditResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.CreditTx(ctx, tx, key, amount)
		return err
	})
	if err != nil {
		return CreditResult{}, err
	}
	e.logCredit(ctx, res)
	audit.Emit(ctx, e.sink, Events(res, audit.Event{})...)
	return res, nil
}

// CreditTx adds amount to an unbounded campaign inside tx.
func (e *Engine) CreditTx(ctx context.Context, tx store.CounterTx, key string, amount int64) (CreditResult, error) {
	if err := validAmount(amount, math.MaxInt64); err != nil {
		return CreditResult{}, err
	}
	def, err := e.definition(key, campaign.KindUnbounded)
	if err != nil {
		return CreditResult{}, err
	}
	cur, err := tx.GetCounter(ctx, def.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return CreditResult{}, err
	default:
		if err := checkedAdd(def.Key, cur.Raised, amount); err != nil {
			return CreditResult{}, err
		}
	}
	c, err := tx.AddToCounter(ctx, def.Key, amount, e.Now())
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Campaign: def.Key, Amount: amount, Total: c.Raised}, nil
}

// CreditCycle adds amount to the open cycle of a recurring campaign, advancing
// through as many cycles as the amount fills.
func (e *Engine) CreditCycle(ctx context.Context, key string, amount int64) (CreditResult, error) {
	return e.creditCycle(ctx, key, 0, amount)
}

// CreditCycleAt credits only when number is the open cycle. Otherwise it returns
// campaign.ErrCycleClosed and the caller should re-read the state.
func (e *Engine) CreditCycleAt(ctx context.Context, key string, number int, amount int64) (CreditResult, error) {
	if number <= 0 {
		return CreditResult{}, fmt.Errorf("%w: %d", campaign.ErrUnknownCycle, number)
	}
	return e.creditCycle(ctx, key, number, amount)
}

func (e *Engine) creditCycle(ctx context.Context, key string, number int, amount int64) (CreditResult, error) {
	var res CreditResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.CreditCycleTx(ctx, tx, key, number, amount)
		return err
	})
	if err != nil {
		return CreditResult{}, err
	}
	e.logCredit(ctx, res)
	audit.Emit(ctx, e.sink, Events(res, audit.Event{})...)
	return res, nil
}

// CreditCycleTx runs the auto-advance loop inside tx. A positive number pins the
// credit to that cycle.
func (e *Engine) CreditCycleTx(ctx context.Context, tx store.CycleTx, key string, number int, amount int64) (CreditResult, error) {
	def, err := e.definition(key, campaign.KindRecurring)
	if err != nil {
		return CreditResult{}, err
	}
	if err := validAmount(amount, e.MaxCredit(def)); err != nil {
		return CreditResult{}, err
	}
	open, err := tx.OpenCycle(ctx, def.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return CreditResult{}, err
	default:
		if err := checkedAdd(open.Ref(), open.Raised, amount); err != nil {
			return CreditResult{}, err
		}
	}
	now := e.Now()
	if number > 0 {
		if err := e.requireOpen(ctx, tx, def, number, now); err != nil {
			return CreditResult{}, err
		}
	}

	res := CreditResult{Campaign: def.Key, Amount: amount}
	remaining := amount
	attempts := 0
	for remaining > 0 {
		c, err := tx.AddToOpenCycle(ctx, def.Key, remaining)
		if errors.Is(err, store.ErrNotFound) {
			attempts++
			if attempts > maxOpenAttempts {
				return CreditResult{}, errNoOpenCycle
			}
			capped, err := e.openNext(ctx, tx, def, now)
			if err != nil {
				return CreditResult{}, err
			}
			if capped {
				res.Undistributed, res.Completed = remaining, true
				break
			}
			continue
		}
		if err != nil {
			return CreditResult{}, err
		}
		if number > 0 && len(res.Closed) == 0 && c.Number != number {
			return CreditResult{}, fmt.Errorf("%w: %s", campaign.ErrCycleClosed, campaign.CycleRef(def.Key, number))
		}
		if c.Raised < c.Target {
			res.Current = c
			return res, nil
		}
		remaining, err = e.closeAndAdvance(ctx, tx, def, c, now, &res)
		if err != nil {
			return CreditResult{}, err
		}
	}
	if res.Completed {
		if res.Current.Campaign == "" {
			res.Current, err = tx.LatestCycle(ctx, def.Key)
		}
		return res, err
	}
	res.Current, err = tx.OpenCycle(ctx, def.Key)
	if err != nil {
		return CreditResult{}, err
	}
	return res, nil
}

// closeAndAdvance closes c, which has reached its target, and opens the next cycle
// unless the cap was reached. It returns the overflow still to be credited.
func (e *Engine) closeAndAdvance(ctx context.Context, tx store.CycleTx, def campaign.Definition, c campaign.Cycle, now time.Time, res *CreditResult) (int64, error) {
	overflow := c.Raised - c.Target
	closed, err := tx.CloseCycle(ctx, def.Key, c.Number, now)
	if err != nil {
		return 0, err
	}
	res.Closed = append(res.Closed, closed)
	if def.Capped(closed.Number) {
		res.Current = closed
		res.Undistributed += overflow
		res.Completed = true
		return 0, nil
	}
	next := campaign.Cycle{Campaign: def.Key, Number: closed.Number + 1, Target: def.DefaultTarget, OpenedAt: now}
	if _, err := tx.InsertCycle(ctx, next); err != nil {
		return 0, err
	}
	return overflow, nil
}

// openNext makes sure a cycle is open. It reports true when the campaign is
// complete and no further cycle may open.
func (e *Engine) openNext(ctx context.Context, tx store.CycleTx, def campaign.Definition, now time.Time) (bool, error) {
	number := 1
	latest, err := tx.LatestCycle(ctx, def.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, err
	case latest.Open:
		return false, nil
	case def.Capped(latest.Number):
		return true, nil
	default:
		number = latest.Number + 1
	}
	_, err = tx.InsertCycle(ctx, campaign.Cycle{Campaign: def.Key, Number: number, Target: def.DefaultTarget, OpenedAt: now})
	return false, err
}

// requireOpen checks that number is the open cycle, creating the first cycle lazily.
func (e *Engine) requireOpen(ctx context.Context, tx store.CycleTx, def campaign.Definition, number int, now time.Time) error {
	open, err := tx.OpenCycle(ctx, def.Key)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := e.openNext(ctx, tx, def, now); err != nil {
			return err
		}
		open, err = tx.OpenCycle(ctx, def.Key)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && open.Number == number {
		return nil
	}
	if _, getErr := tx.GetCycle(ctx, def.Key, number); errors.Is(getErr, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", campaign.ErrUnknownCycle, campaign.CycleRef(def.Key, number))
	} else if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: %s", campaign.ErrCycleClosed, campaign.CycleRef(def.Key, number))
}

// SetTarget changes the target of the open cycle. When the cycle already holds
// at least the new target it closes immediately and the excess moves on.
func (e *Engine) SetTarget(ctx context.Context, key string, number int, target int64) (CreditResult, error) {
	if err := validAmount(target, math.MaxInt64); err != nil {
		return CreditResult{}, err
	}
	def, err := e.definition(key, campaign.KindRecurring)
	if err != nil {
		return CreditResult{}, err
	}
	var (
		res    CreditResult
		before campaign.Cycle
	)
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		now := e.Now()
		if number == 1 {
			// First reference creates the first cycle.
			if _, err := tx.LatestCycle(ctx, def.Key); errors.Is(err, store.ErrNotFound) {
				if _, err := e.openNext(ctx, tx, def, now); err != nil {
					return err
				}
			}
		}
		var err error
		before, err = tx.GetCycle(ctx, def.Key, number)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", campaign.ErrUnknownCycle, campaign.CycleRef(def.Key, number))
		}
		if err != nil {
			return err
		}
		c, err := tx.UpdateCycleTarget(ctx, def.Key, number, target)
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", campaign.ErrCycleClosed, before.Ref())
		}
		if err != nil {
			return err
		}
		res = CreditResult{Campaign: def.Key, Current: c}
		if c.Raised < c.Target {
			return nil
		}
		overflow, err := e.closeAndAdvance(ctx, tx, def, c, now, &res)
		if err != nil || res.Completed {
			return err
		}
		if overflow == 0 {
			res.Current, err = tx.OpenCycle(ctx, def.Key)
			return err
		}
		carried, err := e.CreditCycleTx(ctx, tx, def.Key, 0, overflow)
		if err != nil {
			return err
		}
		res.Closed = append(res.Closed, carried.Closed...)
		res.Current = carried.Current
		res.Undistributed += carried.Undistributed
		res.Completed = carried.Completed
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}
	logger.Info(ctx, logger.CompLedger, "target.set",
		logger.Campaign(def.Key),
		slog.Int("cycle", number),
		slog.Int64("target", target),
		slog.Int("closed_cycles", len(res.Closed)),
	)
	events := append([]audit.Event{{
		Kind:     audit.KindTargetChanged,
		Campaign: def.Key,
		Ref:      campaign.CycleRef(def.Key, number),
		Amount:   target,
		Reason:   fmt.Sprintf("target %d -> %d", before.Target, target),
	}}, closeEvents(res, audit.Event{})...)
	audit.Emit(ctx, e.sink, events...)
	return res, nil
}

func (e *Engine) logCredit(ctx context.Context, res CreditResult) {
	attrs := []slog.Attr{
		logger.Campaign(res.Campaign),
		logger.Amount(res.Amount),
	}
	if res.Current.Campaign != "" {
		attrs = append(attrs,
			slog.Int("cycle", res.Current.Number),
			slog.Int64("raised", res.Current.Raised),
			slog.Int64("target", res.Current.Target),
			slog.Int("closed_cycles", len(res.Closed)),
		)
	} else {
		attrs = append(attrs, slog.Int64("total", res.Total))
	}
	if res.Undistributed > 0 {
		attrs = append(attrs, slog.Int64("undistributed", res.Undistributed))
		logger.Warn(ctx, logger.CompLedger, "credit.applied", attrs...)
		return
	}
	logger.Info(ctx, logger.CompLedger, "credit.applied", attrs...)
}
