package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

// Snapshot is a read-only view of one campaign.
type Snapshot struct {
	Definition campaign.Definition
	// Cycle is the open cycle of a recurring campaign. Before the first credit it
	// is a not yet stored cycle 1 with the default target.
	Cycle     campaign.Cycle
	Remaining int64
	// Raised is the counter of an unbounded campaign or the tally total.
	Raised    int64
	Completed bool
}

// GetState returns the current snapshot of a campaign.
func (e *Engine) GetState(ctx context.Context, key string) (Snapshot, error) {
	def, err := e.catalog.Lookup(key)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		snap, err = e.snapshotTx(ctx, tx, def)
		return err
	})
	return snap, err
}

// Overview snapshots every campaign in catalog order within one transaction.
func (e *Engine) Overview(ctx context.Context) ([]Snapshot, error) {
	defs := e.catalog.List()
	out := make([]Snapshot, 0, len(defs))
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		out = out[:0]
		for _, def := range defs {
			snap, err := e.snapshotTx(ctx, tx, def)
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// Cycles returns the cycle history of a recurring campaign.
func (e *Engine) Cycles(ctx context.Context, key string) ([]campaign.Cycle, error) {
	def, err := e.definition(key, campaign.KindRecurring)
	if err != nil {
		return nil, err
	}
	var cycles []campaign.Cycle
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		cycles, err = tx.ListCycles(ctx, def.Key)
		return err
	})
	return cycles, err
}

func (e *Engine) snapshotTx(ctx context.Context, tx store.Tx, def campaign.Definition) (Snapshot, error) {
	snap := Snapshot{Definition: def}
	switch def.Kind {
	case campaign.KindUnbounded:
		c, err := tx.GetCounter(ctx, def.Key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return snap, err
		}
		snap.Raised = c.Raised
	case campaign.KindTally:
		total, err := tx.TallyTotal(ctx, def.Key)
		if err != nil {
			return snap, err
		}
		snap.Raised = total
	case campaign.KindRecurring:
		c, err := e.currentCycle(ctx, tx, def)
		if err != nil {
			return snap, err
		}
		snap.Cycle = c
		snap.Remaining = c.Remaining()
		snap.Completed = !c.Open
	default:
		return snap, fmt.Errorf("%w: %s", campaign.ErrWrongKind, def.Kind)
	}
	return snap, nil
}

// currentCycle returns the open cycle or what the next credit would open.
// A closed cycle is returned only when the campaign reached its cap.
func (e *Engine) currentCycle(ctx context.Context, tx store.CycleTx, def campaign.Definition) (campaign.Cycle, error) {
	open, err := tx.OpenCycle(ctx, def.Key)
	if err == nil {
		return open, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return campaign.Cycle{}, err
	}
	next := campaign.Cycle{Campaign: def.Key, Number: 1, Target: def.DefaultTarget, Open: true}
	latest, err := tx.LatestCycle(ctx, def.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return next, nil
	case err != nil:
		return campaign.Cycle{}, err
	case def.Capped(latest.Number):
		return latest, nil
	}
	next.Number = latest.Number + 1
	return next, nil
}

// Events builds the audit trail of a credit. base supplies the channel,
// contributor and settlement key shared by every event.
func Events(res CreditResult, base audit.Event) []audit.Event {
	credit := base
	credit.Kind = audit.KindCredit
	credit.Campaign = res.Campaign
	credit.Ref = res.AppliedTo()
	credit.Amount = res.Amount
	return append([]audit.Event{credit}, closeEvents(res, base)...)
}

func closeEvents(res CreditResult, base audit.Event) []audit.Event {
	var out []audit.Event
	for _, c := range res.Closed {
		ev := base
		ev.Kind = audit.KindCycleClosed
		ev.Campaign = res.Campaign
		ev.Ref = c.Ref()
		ev.Amount = c.Target
		out = append(out, ev)
	}
	if res.Undistributed > 0 {
		ev := base
		ev.Kind = audit.KindOverflowUndistributed
		ev.Campaign = res.Campaign
		ev.Ref = res.Current.Ref()
		ev.Amount = res.Undistributed
		ev.Reason = "cycle cap reached"
		out = append(out, ev)
	}
	return out
}
