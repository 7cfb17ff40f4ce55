// Package store defines the persistence contract of the funding ledger.
// Every mutation happens inside InTx; implementations serialize concurrent
// writers to the same campaign so increments are never lost.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/m3rciful/fundbot/internal/campaign"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a guarded update matched no row.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable wraps failures to reach the backing storage.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store opens transactions over the ledger state.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes typed record operations inside one transaction.
type Tx interface {
	CycleTx
	CounterTx
	TallyTx
	SettlementTx
	IntentTx
	PricingTx
}

// CycleTx manages recurring campaign cycles.
type CycleTx interface {
	// OpenCycle returns the open cycle of the campaign or ErrNotFound.
	OpenCycle(ctx context.Context, key string) (campaign.Cycle, error)
	// LatestCycle returns the highest numbered cycle or ErrNotFound.
	LatestCycle(ctx context.Context, key string) (campaign.Cycle, error)
	GetCycle(ctx context.Context, key string, number int) (campaign.Cycle, error)
	// ListCycles returns cycles ordered by number.
	ListCycles(ctx context.Context, key string) ([]campaign.Cycle, error)
	// InsertCycle creates an open cycle. It inserts nothing and returns false when the
	// number is taken or another cycle of the campaign is open.
	InsertCycle(ctx context.Context, c campaign.Cycle) (bool, error)
	// AddToOpenCycle atomically adds amount to the open cycle and returns its new state.
	// ErrNotFound means no cycle is open.
	AddToOpenCycle(ctx context.Context, key string, amount int64) (campaign.Cycle, error)
	// CloseCycle clamps raised to target and closes the cycle if it is still open.
	CloseCycle(ctx context.Context, key string, number int, at time.Time) (campaign.Cycle, error)
	// UpdateCycleTarget changes the target of an open cycle; ErrConflict if it is closed.
	UpdateCycleTarget(ctx context.Context, key string, number int, target int64) (campaign.Cycle, error)
}

// CounterTx manages unbounded counters.
type CounterTx interface {
	AddToCounter(ctx context.Context, key string, amount int64, at time.Time) (campaign.Counter, error)
	GetCounter(ctx context.Context, key string) (campaign.Counter, error)
}

// TallyTx manages the append-only tally.
type TallyTx interface {
	InsertTallyEntry(ctx context.Context, e campaign.TallyEntry) error
	GetTallyEntry(ctx context.Context, id string) (campaign.TallyEntry, error)
	// ListTallyEntries returns entries in insertion order.
	ListTallyEntries(ctx context.Context, key string) ([]campaign.TallyEntry, error)
	// TallyTotal is the sum of entry counts plus correction deltas.
	TallyTotal(ctx context.Context, key string) (int64, error)
	InsertTallyCorrection(ctx context.Context, c campaign.TallyCorrection) error
}

// SettlementTx records applied settlement keys.
type SettlementTx interface {
	// InsertSettlement stores r unless its key exists and reports whether it was inserted.
	InsertSettlement(ctx context.Context, r campaign.SettlementRecord) (bool, error)
	GetSettlement(ctx context.Context, settlementKey string) (campaign.SettlementRecord, error)
}

// IntentTx stores one-shot pending intents.
type IntentTx interface {
	InsertIntent(ctx context.Context, in campaign.Intent) error
	// ConsumeIntent deletes and returns the intent. A non-empty contributor must match
	// the owner. Expired intents are deleted but reported as ErrNotFound.
	ConsumeIntent(ctx context.Context, token, contributor string, now time.Time) (campaign.Intent, error)
	// PurgeIntents deletes intents expired at now and returns how many were removed.
	PurgeIntents(ctx context.Context, now time.Time) (int64, error)
}

// PricingTx stores the conversion rate and unit prices.
type PricingTx interface {
	GetRate(ctx context.Context) (campaign.Rate, error)
	PutRate(ctx context.Context, r campaign.Rate) error
	// GetUnitPrice returns the stored price of one native unit or ErrNotFound.
	GetUnitPrice(ctx context.Context, key string) (int64, error)
	PutUnitPrice(ctx context.Context, key string, price int64, at time.Time) error
}
