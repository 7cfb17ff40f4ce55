// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Cycles", func(t *testing.T) { testCycles(t, newStore(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("Tally", func(t *testing.T) { testTally(t, newStore(t)) })
	t.Run("Settlements", func(t *testing.T) { testSettlements(t, newStore(t)) })
	t.Run("Intents", func(t *testing.T) { testIntents(t, newStore(t)) })
	t.Run("Pricing", func(t *testing.T) { testPricing(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConcurrentAdds", func(t *testing.T) { testConcurrentAdds(t, newStore(t)) })
}

func inTx(t *testing.T, s store.Store, fn func(store.Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func testCycles(t *testing.T, s store.Store) {
	ctx := context.Background()
	inTx(t, s, func(tx store.Tx) error {
		if _, err := tx.OpenCycle(ctx, "water"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("OpenCycle on empty store: %v", err)
		}
		ok, err := tx.InsertCycle(ctx, campaign.Cycle{Campaign: "water", Number: 1, Target: 100, OpenedAt: epoch})
		if err != nil || !ok {
			t.Fatalf("InsertCycle: ok=%v err=%v", ok, err)
		}
		ok, err = tx.InsertCycle(ctx, campaign.Cycle{Campaign: "water", Number: 1, Target: 500, OpenedAt: epoch})
		if err != nil || ok {
			t.Fatalf("duplicate InsertCycle: ok=%v err=%v", ok, err)
		}
		ok, err = tx.InsertCycle(ctx, campaign.Cycle{Campaign: "water", Number: 2, Target: 100, OpenedAt: epoch})
		if err != nil || ok {
			t.Fatalf("second open InsertCycle: ok=%v err=%v", ok, err)
		}
		return nil
	})

	inTx(t, s, func(tx store.Tx) error {
		c, err := tx.AddToOpenCycle(ctx, "water", 130)
		if err != nil {
			t.Fatalf("AddToOpenCycle: %v", err)
		}
		if c.Number != 1 || c.Raised != 130 || !c.Open {
			t.Fatalf("unexpected cycle after add: %+v", c)
		}
		closed, err := tx.CloseCycle(ctx, "water", 1, epoch.Add(time.Hour))
		if err != nil {
			t.Fatalf("CloseCycle: %v", err)
		}
		if closed.Open || closed.Raised != 100 || closed.ClosedAt == nil || !closed.ClosedAt.Equal(epoch.Add(time.Hour)) {
			t.Fatalf("unexpected closed cycle: %+v", closed)
		}
		if _, err := tx.CloseCycle(ctx, "water", 1, epoch); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("second CloseCycle: %v", err)
		}
		if _, err := tx.UpdateCycleTarget(ctx, "water", 1, 50); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("UpdateCycleTarget on closed: %v", err)
		}
		if _, err := tx.UpdateCycleTarget(ctx, "water", 9, 50); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("UpdateCycleTarget on missing: %v", err)
		}
		if _, err := tx.AddToOpenCycle(ctx, "water", 1); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("AddToOpenCycle without open cycle: %v", err)
		}
		ok, err := tx.InsertCycle(ctx, campaign.Cycle{Campaign: "water", Number: 2, Target: 80, Raised: 30, OpenedAt: epoch})
		if err != nil || !ok {
			t.Fatalf("InsertCycle 2: ok=%v err=%v", ok, err)
		}
		return nil
	})

	inTx(t, s, func(tx store.Tx) error {
		latest, err := tx.LatestCycle(ctx, "water")
		if err != nil || latest.Number != 2 || latest.Raised != 30 {
			t.Fatalf("LatestCycle: %+v %v", latest, err)
		}
		updated, err := tx.UpdateCycleTarget(ctx, "water", 2, 90)
		if err != nil || updated.Target != 90 {
			t.Fatalf("UpdateCycleTarget: %+v %v", updated, err)
		}
		all, err := tx.ListCycles(ctx, "water")
		if err != nil || len(all) != 2 || all[0].Number != 1 || all[1].Number != 2 {
			t.Fatalf("ListCycles: %+v %v", all, err)
		}
		if !all[0].OpenedAt.Equal(epoch) {
			t.Fatalf("OpenedAt round trip: %v", all[0].OpenedAt)
		}
		if _, err := tx.GetCycle(ctx, "water", 3); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetCycle missing: %v", err)
		}
		return nil
	})
}

func testCounters(t *testing.T, s store.Store) {
	ctx := context.Background()
	inTx(t, s, func(tx store.Tx) error {
		if _, err := tx.GetCounter(ctx, "winter"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetCounter empty: %v", err)
		}
		if _, err := tx.AddToCounter(ctx, "winter", 40, epoch); err != nil {
			t.Fatalf("AddToCounter: %v", err)
		}
		c, err := tx.AddToCounter(ctx, "winter", 2, epoch.Add(time.Minute))
		if err != nil || c.Raised != 42 || !c.UpdatedAt.Equal(epoch.Add(time.Minute)) {
			t.Fatalf("AddToCounter second: %+v %v", c, err)
		}
		return nil
	})
}

func testTally(t *testing.T, s store.Store) {
	ctx := context.Background()
	inTx(t, s, func(tx store.Tx) error {
		for i, id := range []string{"b-entry", "a-entry", "c-entry"} {
			e := campaign.TallyEntry{ID: id, CreatedAt: epoch, Campaign: "iftar", ContributorRef: "u1",
				Label: "family", Count: int64(i + 1), Channel: campaign.ChannelBank}
			if err := tx.InsertTallyEntry(ctx, e); err != nil {
				t.Fatalf("InsertTallyEntry: %v", err)
			}
		}
		if err := tx.InsertTallyEntry(ctx, campaign.TallyEntry{ID: "a-entry", Campaign: "iftar", Count: 1, CreatedAt: epoch}); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("duplicate entry: %v", err)
		}
		if err := tx.InsertTallyCorrection(ctx, campaign.TallyCorrection{ID: "fix-1", EntryID: "c-entry",
			Campaign: "iftar", Delta: -2, AdminRef: "admin", Reason: "typo", CreatedAt: epoch}); err != nil {
			t.Fatalf("InsertTallyCorrection: %v", err)
		}
		return nil
	})
	inTx(t, s, func(tx store.Tx) error {
		entries, err := tx.ListTallyEntries(ctx, "iftar")
		if err != nil || len(entries) != 3 {
			t.Fatalf("ListTallyEntries: %v %v", entries, err)
		}
		if entries[0].ID != "b-entry" || entries[1].ID != "a-entry" || entries[2].ID != "c-entry" {
			t.Fatalf("insertion order lost: %+v", entries)
		}
		total, err := tx.TallyTotal(ctx, "iftar")
		if err != nil || total != 4 {
			t.Fatalf("TallyTotal = %d, %v; want 4", total, err)
		}
		if total, _ := tx.TallyTotal(ctx, "other"); total != 0 {
			t.Fatalf("TallyTotal for empty campaign = %d", total)
		}
		e, err := tx.GetTallyEntry(ctx, "a-entry")
		if err != nil || e.Count != 2 || e.Channel != campaign.ChannelBank {
			t.Fatalf("GetTallyEntry: %+v %v", e, err)
		}
		return nil
	})
}

func testSettlements(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := campaign.SettlementRecord{Key: "digital:ch-1", Campaign: "water", AppliedTo: "water#1",
		Amount: 100, RawAmount: 55, Channel: campaign.ChannelStars, ContributorRef: "u1", CreatedAt: epoch}
	inTx(t, s, func(tx store.Tx) error {
		ok, err := tx.InsertSettlement(ctx, rec)
		if err != nil || !ok {
			t.Fatalf("InsertSettlement: %v %v", ok, err)
		}
		ok, err = tx.InsertSettlement(ctx, rec)
		if err != nil || ok {
			t.Fatalf("replayed InsertSettlement: %v %v", ok, err)
		}
		got, err := tx.GetSettlement(ctx, rec.Key)
		if err != nil || got.AppliedTo != rec.AppliedTo || got.RawAmount != 55 || !got.CreatedAt.Equal(epoch) {
			t.Fatalf("GetSettlement: %+v %v", got, err)
		}
		return nil
	})
}

func testIntents(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := campaign.Intent{Token: "tok-1", Kind: campaign.IntentManualTransfer, ContributorRef: "u1",
		Campaign: "water", Channel: campaign.ChannelCard, Amount: 500, CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)}
	stale := in
	stale.Token, stale.ExpiresAt = "tok-old", epoch.Add(-time.Minute)
	inTx(t, s, func(tx store.Tx) error {
		if err := tx.InsertIntent(ctx, in); err != nil {
			t.Fatalf("InsertIntent: %v", err)
		}
		if err := tx.InsertIntent(ctx, in); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("duplicate InsertIntent: %v", err)
		}
		return tx.InsertIntent(ctx, stale)
	})
	inTx(t, s, func(tx store.Tx) error {
		if _, err := tx.ConsumeIntent(ctx, "tok-1", "intruder", epoch); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("ConsumeIntent by other contributor: %v", err)
		}
		got, err := tx.ConsumeIntent(ctx, "tok-1", "u1", epoch)
		if err != nil || got.Amount != 500 || !got.ExpiresAt.Equal(in.ExpiresAt) {
			t.Fatalf("ConsumeIntent: %+v %v", got, err)
		}
		if _, err := tx.ConsumeIntent(ctx, "tok-1", "u1", epoch); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second ConsumeIntent: %v", err)
		}
		n, err := tx.PurgeIntents(ctx, epoch)
		if err != nil || n != 1 {
			t.Fatalf("PurgeIntents = %d, %v", n, err)
		}
		return nil
	})
}

func testPricing(t *testing.T, s store.Store) {
	ctx := context.Background()
	inTx(t, s, func(tx store.Tx) error {
		if _, err := tx.GetRate(ctx); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetRate empty: %v", err)
		}
		for _, stars := range []string{"0.5", "0.55"} {
			if err := tx.PutRate(ctx, campaign.Rate{StarsPerUnit: decimal.RequireFromString(stars),
				Currency: "USD", MinorPerUnit: 100, UpdatedAt: epoch}); err != nil {
				t.Fatalf("PutRate: %v", err)
			}
		}
		r, err := tx.GetRate(ctx)
		if err != nil || !r.StarsPerUnit.Equal(decimal.RequireFromString("0.55")) || r.Currency != "USD" {
			t.Fatalf("GetRate: %+v %v", r, err)
		}
		if _, err := tx.GetUnitPrice(ctx, "meals"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetUnitPrice empty: %v", err)
		}
		if err := tx.PutUnitPrice(ctx, "meals", 250, epoch); err != nil {
			t.Fatalf("PutUnitPrice: %v", err)
		}
		if err := tx.PutUnitPrice(ctx, "meals", 300, epoch); err != nil {
			t.Fatalf("PutUnitPrice: %v", err)
		}
		if p, err := tx.GetUnitPrice(ctx, "meals"); err != nil || p != 300 {
			t.Fatalf("GetUnitPrice = %d, %v", p, err)
		}
		return nil
	})
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AddToCounter(ctx, "winter", 10, epoch); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	inTx(t, s, func(tx store.Tx) error {
		if _, err := tx.GetCounter(ctx, "winter"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("rolled back counter still visible: %v", err)
		}
		return nil
	})
}

func testConcurrentAdds(t *testing.T, s store.Store) {
	ctx := context.Background()
	inTx(t, s, func(tx store.Tx) error {
		_, err := tx.InsertCycle(ctx, campaign.Cycle{Campaign: "water", Number: 1, Target: 1_000_000, OpenedAt: epoch})
		return err
	})
	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			errs <- s.InTx(ctx, func(tx store.Tx) error {
				_, err := tx.AddToOpenCycle(ctx, "water", amount)
				return err
			})
		}(int64(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent add: %v", err)
		}
	}
	inTx(t, s, func(tx store.Tx) error {
		c, err := tx.OpenCycle(ctx, "water")
		if err != nil || c.Raised != workers*(workers+1)/2 {
			t.Fatalf("raised = %d, %v; want %d", c.Raised, err, workers*(workers+1)/2)
		}
		return nil
	})
}
