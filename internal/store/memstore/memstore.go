// Package memstore is an in-process store.Store. One mutex serializes all
// transactions; each transaction works on a copy of the state that replaces
// the committed state only when the transaction succeeds.
package memstore

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

var errClosed = errors.New("memstore: closed")

type state struct {
	cycles      map[string][]campaign.Cycle
	counters    map[string]campaign.Counter
	tally       []campaign.TallyEntry
	corrections []campaign.TallyCorrection
	settlements map[string]campaign.SettlementRecord
	intents     map[string]campaign.Intent
	rate        *campaign.Rate
	prices      map[string]int64
}

func newState() *state {
	return &state{
		cycles:      make(map[string][]campaign.Cycle),
		counters:    make(map[string]campaign.Counter),
		settlements: make(map[string]campaign.SettlementRecord),
		intents:     make(map[string]campaign.Intent),
		prices:      make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := &state{
		cycles:      make(map[string][]campaign.Cycle, len(s.cycles)),
		counters:    maps.Clone(s.counters),
		tally:       slices.Clip(s.tally),
		corrections: slices.Clip(s.corrections),
		settlements: maps.Clone(s.settlements),
		intents:     maps.Clone(s.intents),
		prices:      maps.Clone(s.prices),
	}
	for k, v := range s.cycles {
		c.cycles[k] = slices.Clone(v)
	}
	if s.rate != nil {
		r := *s.rate
		c.rate = &r
	}
	return c
}

// Store keeps the ledger state in memory.
type Store struct {
	mu     sync.Mutex
	st     *state
	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// InTx runs fn with exclusive access to a copy of the state.
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Join(store.ErrUnavailable, errClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Ping reports whether the store accepts transactions.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Join(store.ErrUnavailable, errClosed)
	}
	return nil
}

// Close rejects further transactions.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
