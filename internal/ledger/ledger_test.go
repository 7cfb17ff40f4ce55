package ledger

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	coredatabase "github.com/m3rciful/fundbot/core/database"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
	"github.com/m3rciful/fundbot/internal/store/memstore"
	"github.com/m3rciful/fundbot/internal/store/sqlstore"
	"github.com/m3rciful/fundbot/migrations"
)

var testDefs = []campaign.Definition{
	{Key: "water", Kind: campaign.KindRecurring, Unit: campaign.UnitLiter, DefaultTarget: 100},
	{Key: "meals", Kind: campaign.KindRecurring, Unit: campaign.UnitPortion, DefaultTarget: 100, MaxCycles: 2},
	{Key: "winter", Kind: campaign.KindUnbounded},
	{Key: "iftar", Kind: campaign.KindTally},
}

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func newEngine(t *testing.T, st store.Store) (*Engine, *audit.Memory) {
	t.Helper()
	cat, err := campaign.NewCatalog(testDefs)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	mem := &audit.Memory{}
	return New(st, cat, mem, WithClock(fixedClock())), mem
}

func sqliteStore(t *testing.T) store.Store {
	t.Helper()
	cfg := coredatabase.Config{Driver: coredatabase.DriverSQLite, Path: ":memory:"}
	db, err := coredatabase.Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := coredatabase.RunMigrations(db, cfg, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := sqlstore.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores() map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memstore": func(*testing.T) store.Store { return memstore.New() },
		"sqlite":   sqliteStore,
	}
}

// conserved checks that closed targets plus the open raised amount plus
// undistributed overflow equals everything credited.
func conserved(t *testing.T, e *Engine, key string, credited, undistributed int64) {
	t.Helper()
	cycles, err := e.Cycles(context.Background(), key)
	if err != nil {
		t.Fatalf("Cycles: %v", err)
	}
	var sum int64
	open := 0
	for _, c := range cycles {
		if c.Open {
			open++
		} else if c.Raised != c.Target {
			t.Fatalf("closed cycle %s holds %d of %d", c.Ref(), c.Raised, c.Target)
		}
		sum += c.Raised
	}
	if open > 1 {
		t.Fatalf("%d open cycles", open)
	}
	if sum+undistributed != credited {
		t.Fatalf("conservation broken: cycles %d + undistributed %d != credited %d", sum, undistributed, credited)
	}
}

func TestCreditExactlyRemainingClosesCycle(t *testing.T) {
	e, mem := newEngine(t, memstore.New())
	ctx := context.Background()
	if _, err := e.CreditCycle(ctx, "water", 40); err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}
	res, err := e.CreditCycle(ctx, "water", 60)
	if err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0].Raised != 100 || res.Closed[0].Open {
		t.Fatalf("unexpected closed cycles: %+v", res.Closed)
	}
	if res.Current.Number != 2 || res.Current.Raised != 0 || !res.Current.Open {
		t.Fatalf("unexpected current cycle: %+v", res.Current)
	}
	if res.AppliedTo() != "water#1" {
		t.Fatalf("AppliedTo = %s", res.AppliedTo())
	}
	if n := len(mem.OfKind(audit.KindCycleClosed)); n != 1 {
		t.Fatalf("cycle_closed events = %d", n)
	}
	conserved(t, e, "water", 100, 0)
}

func TestCreditOverflowChainsCycles(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			e, _ := newEngine(t, open(t))
			ctx := context.Background()
			if _, err := e.CreditCycle(ctx, "water", 90); err != nil {
				t.Fatalf("CreditCycle: %v", err)
			}
			res, err := e.CreditCycle(ctx, "water", 250)
			if err != nil {
				t.Fatalf("CreditCycle: %v", err)
			}
			// 10 closes cycle 1, 100 closes cycle 2 and the remaining 140 still
			// exceeds the next target of 100, so cycle 3 closes as well.
			if len(res.Closed) != 3 || res.Closed[0].Number != 1 || res.Closed[2].Number != 3 {
				t.Fatalf("unexpected closed cycles: %+v", res.Closed)
			}
			if res.Current.Number != 4 || res.Current.Raised != 40 || res.Undistributed != 0 {
				t.Fatalf("unexpected result: %+v", res)
			}
			if res.AppliedTo() != "water#1-4" {
				t.Fatalf("AppliedTo = %s", res.AppliedTo())
			}
			conserved(t, e, "water", 340, 0)
		})
	}
}

func TestCreditCapReportsUndistributed(t *testing.T) {
	e, mem := newEngine(t, memstore.New())
	ctx := context.Background()
	if _, err := e.CreditCycle(ctx, "meals", 90); err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}
	res, err := e.CreditCycle(ctx, "meals", 250)
	if err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}
	if !res.Completed || res.Undistributed != 140 || len(res.Closed) != 2 {
		t.Fatalf("unexpected capped result: %+v", res)
	}
	if res.Current.Number != 2 || res.Current.Open {
		t.Fatalf("current should be the last closed cycle: %+v", res.Current)
	}
	again, err := e.CreditCycle(ctx, "meals", 30)
	if err != nil {
		t.Fatalf("CreditCycle after cap: %v", err)
	}
	if !again.Completed || again.Undistributed != 30 || again.AppliedTo() != "meals#2" {
		t.Fatalf("credit after cap: %+v", again)
	}
	conserved(t, e, "meals", 370, 170)
	if n := len(mem.OfKind(audit.KindOverflowUndistributed)); n != 2 {
		t.Fatalf("overflow events = %d, want 2", n)
	}
	snap, err := e.GetState(ctx, "meals")
	if err != nil || !snap.Completed || snap.Remaining != 0 {
		t.Fatalf("snapshot after cap: %+v %v", snap, err)
	}
}

func TestConcurrentCreditsLoseNothing(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			e, _ := newEngine(t, open(t))
			ctx := context.Background()
			const workers, amount = 40, 7
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.CreditCycle(ctx, "water", amount)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("CreditCycle: %v", err)
				}
			}
			conserved(t, e, "water", workers*amount, 0)
			snap, _ := e.GetState(ctx, "water")
			if snap.Cycle.Number != 3 || snap.Cycle.Raised != 80 {
				t.Fatalf("unexpected final cycle: %+v", snap.Cycle)
			}
		})
	}
}

func TestRandomCreditsConserve(t *testing.T) {
	e, _ := newEngine(t, memstore.New())
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))
	var credited, undistributed int64
	for range 200 {
		amount := rng.Int64N(450) + 1
		res, err := e.CreditCycle(ctx, "water", amount)
		if err != nil {
			t.Fatalf("CreditCycle: %v", err)
		}
		credited += amount
		undistributed += res.Undistributed
	}
	conserved(t, e, "water", credited, undistributed)
}

func TestCreditCycleAt(t *testing.T) {
	e, _ := newEngine(t, memstore.New())
	ctx := context.Background()
	if _, err := e.CreditCycleAt(ctx, "water", 1, 100); err != nil {
		t.Fatalf("CreditCycleAt first cycle: %v", err)
	}
	if _, err := e.CreditCycleAt(ctx, "water", 1, 5); !errors.Is(err, campaign.ErrCycleClosed) {
		t.Fatalf("expected ErrCycleClosed, got %v", err)
	}
	if _, err := e.CreditCycleAt(ctx, "water", 9, 5); !errors.Is(err, campaign.ErrUnknownCycle) {
		t.Fatalf("expected ErrUnknownCycle, got %v", err)
	}
	res, err := e.CreditCycleAt(ctx, "water", 2, 5)
	if err != nil || res.Current.Number != 2 || res.Current.Raised != 5 {
		t.Fatalf("CreditCycleAt open cycle: %+v %v", res, err)
	}
	conserved(t, e, "water", 105, 0)
}

func TestSetTarget(t *testing.T) {
	e, mem := newEngine(t, memstore.New())
	ctx := context.Background()
	if _, err := e.CreditCycle(ctx, "water", 60); err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}
	res, err := e.SetTarget(ctx, "water", 1, 150)
	if err != nil || res.Current.Target != 150 || len(res.Closed) != 0 {
		t.Fatalf("raise target: %+v %v", res, err)
	}
	res, err = e.SetTarget(ctx, "water", 1, 50)
	if err != nil {
		t.Fatalf("lower target: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0].Raised != 50 {
		t.Fatalf("lowering the target should close the cycle: %+v", res.Closed)
	}
	if res.Current.Number != 2 || res.Current.Raised != 10 || res.Current.Target != 100 {
		t.Fatalf("overflow should move to cycle 2: %+v", res.Current)
	}
	if _, err := e.SetTarget(ctx, "water", 1, 70); !errors.Is(err, campaign.ErrCycleClosed) {
		t.Fatalf("expected ErrCycleClosed, got %v", err)
	}
	if _, err := e.SetTarget(ctx, "water", 7, 70); !errors.Is(err, campaign.ErrUnknownCycle) {
		t.Fatalf("expected ErrUnknownCycle, got %v", err)
	}
	if _, err := e.SetTarget(ctx, "water", 2, 0); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if n := len(mem.OfKind(audit.KindTargetChanged)); n != 2 {
		t.Fatalf("target_changed events = %d, want 2", n)
	}
	conserved(t, e, "water", 60, 0)
}

func TestSetTargetCreatesFirstCycle(t *testing.T) {
	e, _ := newEngine(t, memstore.New())
	res, err := e.SetTarget(context.Background(), "water", 1, 500)
	if err != nil || res.Current.Number != 1 || res.Current.Target != 500 {
		t.Fatalf("SetTarget on fresh campaign: %+v %v", res, err)
	}
}

func TestCreditUnbounded(t *testing.T) {
	e, _ := newEngine(t, memstore.New())
	ctx := context.Background()
	for _, amount := range []int64{10, 32} {
		if _, err := e.Credit(ctx, "winter", amount); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	snap, err := e.GetState(ctx, "winter")
	if err != nil || snap.Raised != 42 {
		t.Fatalf("winter snapshot: %+v %v", snap, err)
	}
	if _, err := e.Credit(ctx, "winter", 0); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.Credit(ctx, "water", 5); !errors.Is(err, campaign.ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
	if _, err := e.CreditCycle(ctx, "winter", 5); !errors.Is(err, campaign.ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
	if _, err := e.CreditCycle(ctx, "nope", 5); !errors.Is(err, campaign.ErrUnknownCampaign) {
		t.Fatalf("expected ErrUnknownCampaign, got %v", err)
	}
	if _, err := e.CreditCycle(ctx, "water", -3); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestGetStateIsReadOnly(t *testing.T) {
	e, _ := newEngine(t, memstore.New())
	ctx := context.Background()
	snap, err := e.GetState(ctx, "water")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Cycle.Number != 1 || snap.Remaining != 100 || snap.Completed {
		t.Fatalf("unexpected virtual snapshot: %+v", snap)
	}
	cycles, _ := e.Cycles(ctx, "water")
	if len(cycles) != 0 {
		t.Fatalf("GetState must not create cycles, got %+v", cycles)
	}
	all, err := e.Overview(ctx)
	if err != nil || len(all) != len(testDefs) {
		t.Fatalf("Overview: %d %v", len(all), err)
	}
}

func TestCreditRejectsOversizedAmount(t *testing.T) {
	e, _ := newEngine(t, memstore.New())
	ctx := context.Background()
	if _, err := e.CreditCycle(ctx, "water", 100*DefaultMaxCyclesPerCredit+1); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if cycles, _ := e.Cycles(ctx, "water"); len(cycles) != 0 {
		t.Fatalf("rejected credit touched the ledger: %+v", cycles)
	}

	cat, _ := campaign.NewCatalog(testDefs)
	small := New(memstore.New(), cat, nil, WithClock(fixedClock()), WithMaxCyclesPerCredit(3))
	water, _ := cat.Lookup("water")
	if got := small.MaxCredit(water); got != 300 {
		t.Fatalf("MaxCredit = %d, want 300", got)
	}
	if _, err := small.CreditCycle(ctx, "water", 301); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	res, err := small.CreditCycle(ctx, "water", 300)
	if err != nil || len(res.Closed) != 3 || res.Current.Number != 4 {
		t.Fatalf("credit at the limit: %+v %v", res, err)
	}
}

func TestCreditRejectsOverflow(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			e, _ := newEngine(t, open(t))
			ctx := context.Background()
			if _, err := e.Credit(ctx, "winter", 10); err != nil {
				t.Fatalf("Credit: %v", err)
			}
			if _, err := e.Credit(ctx, "winter", math.MaxInt64); !errors.Is(err, campaign.ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
			snap, err := e.GetState(ctx, "winter")
			if err != nil || snap.Raised != 10 {
				t.Fatalf("winter after overflow attempt: %+v %v", snap, err)
			}
		})
	}
}

func TestCreditCycleRejectsOverflow(t *testing.T) {
	cat, _ := campaign.NewCatalog(testDefs)
	e := New(memstore.New(), cat, nil, WithClock(fixedClock()), WithMaxCyclesPerCredit(math.MaxInt))
	ctx := context.Background()
	if _, err := e.SetTarget(ctx, "water", 1, math.MaxInt64); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	if _, err := e.CreditCycle(ctx, "water", 10); err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}
	if _, err := e.CreditCycle(ctx, "water", math.MaxInt64); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	snap, _ := e.GetState(ctx, "water")
	if snap.Cycle.Number != 1 || snap.Cycle.Raised != 10 {
		t.Fatalf("cycle after overflow attempt: %+v", snap.Cycle)
	}
}

// racingStore hands every transaction to wrap before fn sees it.
type racingStore struct {
	store.Store
	wrap func(store.Tx) store.Tx
}

func (s racingStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error { return fn(s.wrap(tx)) })
}

// closingTx makes the first add lose against another writer that fills and
// closes the open cycle and opens the next one. With always set every add loses.
type closingTx struct {
	store.Tx
	always bool
	adds   int
}

func (t *closingTx) AddToOpenCycle(ctx context.Context, key string, amount int64) (campaign.Cycle, error) {
	t.adds++
	if t.adds > 1 && !t.always {
		return t.Tx.AddToOpenCycle(ctx, key, amount)
	}
	if t.always {
		return campaign.Cycle{}, store.ErrNotFound
	}
	open, err := t.Tx.OpenCycle(ctx, key)
	if err != nil {
		return campaign.Cycle{}, err
	}
	if _, err := t.Tx.AddToOpenCycle(ctx, key, open.Remaining()); err != nil {
		return campaign.Cycle{}, err
	}
	now := fixedClock()()
	if _, err := t.Tx.CloseCycle(ctx, key, open.Number, now); err != nil {
		return campaign.Cycle{}, err
	}
	next := campaign.Cycle{Campaign: key, Number: open.Number + 1, Target: open.Target, OpenedAt: now}
	if _, err := t.Tx.InsertCycle(ctx, next); err != nil {
		return campaign.Cycle{}, err
	}
	return campaign.Cycle{}, store.ErrNotFound
}

func TestCreditRetargetsAfterConcurrentClose(t *testing.T) {
	base := memstore.New()
	e, _ := newEngine(t, base)
	ctx := context.Background()
	if _, err := e.CreditCycle(ctx, "water", 30); err != nil {
		t.Fatalf("CreditCycle: %v", err)
	}

	racing, _ := newEngine(t, racingStore{Store: base, wrap: func(tx store.Tx) store.Tx { return &closingTx{Tx: tx} }})
	res, err := racing.CreditCycle(ctx, "water", 25)
	if err != nil {
		t.Fatalf("credit after concurrent close: %v", err)
	}
	if res.Current.Number != 2 || res.Current.Raised != 25 || len(res.Closed) != 0 {
		t.Fatalf("credit should land on the new cycle: %+v", res)
	}
	// 30 credited here, 70 by the other writer, 25 by the retried credit.
	conserved(t, e, "water", 125, 0)
}

func TestCreditGivesUpWhenNoCycleStaysOpen(t *testing.T) {
	base := memstore.New()
	e, _ := newEngine(t, racingStore{Store: base, wrap: func(tx store.Tx) store.Tx { return &closingTx{Tx: tx, always: true} }})
	_, err := e.CreditCycle(context.Background(), "water", 5)
	if !errors.Is(err, errNoOpenCycle) {
		t.Fatalf("expected errNoOpenCycle, got %v", err)
	}
	plain, _ := newEngine(t, base)
	if cycles, _ := plain.Cycles(context.Background(), "water"); len(cycles) != 0 {
		t.Fatalf("failed credit must roll back, got %+v", cycles)
	}
}
