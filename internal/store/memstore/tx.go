package memstore

import (
	"context"
	"slices"
	"time"

	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

type tx struct {
	st *state
}

var _ store.Tx = (*tx)(nil)

func (t *tx) openIndex(key string) int {
	return slices.IndexFunc(t.st.cycles[key], func(c campaign.Cycle) bool { return c.Open })
}

func (t *tx) numberIndex(key string, number int) int {
	return slices.IndexFunc(t.st.cycles[key], func(c campaign.Cycle) bool { return c.Number == number })
}

func (t *tx) OpenCycle(_ context.Context, key string) (campaign.Cycle, error) {
	i := t.openIndex(key)
	if i < 0 {
		return campaign.Cycle{}, store.ErrNotFound
	}
	return t.st.cycles[key][i], nil
}

func (t *tx) LatestCycle(_ context.Context, key string) (campaign.Cycle, error) {
	cycles := t.st.cycles[key]
	if len(cycles) == 0 {
		return campaign.Cycle{}, store.ErrNotFound
	}
	return cycles[len(cycles)-1], nil
}

func (t *tx) GetCycle(_ context.Context, key string, number int) (campaign.Cycle, error) {
	i := t.numberIndex(key, number)
	if i < 0 {
		return campaign.Cycle{}, store.ErrNotFound
	}
	return t.st.cycles[key][i], nil
}

func (t *tx) ListCycles(_ context.Context, key string) ([]campaign.Cycle, error) {
	return slices.Clone(t.st.cycles[key]), nil
}

func (t *tx) InsertCycle(_ context.Context, c campaign.Cycle) (bool, error) {
	if t.numberIndex(c.Campaign, c.Number) >= 0 || t.openIndex(c.Campaign) >= 0 {
		return false, nil
	}
	c.Open = true
	c.ClosedAt = nil
	cycles := append(t.st.cycles[c.Campaign], c)
	slices.SortFunc(cycles, func(a, b campaign.Cycle) int { return a.Number - b.Number })
	t.st.cycles[c.Campaign] = cycles
	return true, nil
}

func (t *tx) AddToOpenCycle(_ context.Context, key string, amount int64) (campaign.Cycle, error) {
	i := t.openIndex(key)
	if i < 0 {
		return campaign.Cycle{}, store.ErrNotFound
	}
	c := &t.st.cycles[key][i]
	c.Raised += amount
	return *c, nil
}

func (t *tx) CloseCycle(_ context.Context, key string, number int, at time.Time) (campaign.Cycle, error) {
	i := t.numberIndex(key, number)
	if i < 0 {
		return campaign.Cycle{}, store.ErrNotFound
	}
	c := &t.st.cycles[key][i]
	if !c.Open {
		return campaign.Cycle{}, store.ErrConflict
	}
	closed := at.UTC()
	c.Raised = c.Target
	c.Open = false
	c.ClosedAt = &closed
	return *c, nil
}

func (t *tx) UpdateCycleTarget(_ context.Context, key string, number int, target int64) (campaign.Cycle, error) {
	i := t.numberIndex(key, number)
	if i < 0 {
		return campaign.Cycle{}, store.ErrNotFound
	}
	c := &t.st.cycles[key][i]
	if !c.Open {
		return campaign.Cycle{}, store.ErrConflict
	}
	c.Target = target
	return *c, nil
}

func (t *tx) AddToCounter(_ context.Context, key string, amount int64, at time.Time) (campaign.Counter, error) {
	c := t.st.counters[key]
	c.Campaign = key
	c.Raised += amount
	c.UpdatedAt = at.UTC()
	t.st.counters[key] = c
	return c, nil
}

func (t *tx) GetCounter(_ context.Context, key string) (campaign.Counter, error) {
	c, ok := t.st.counters[key]
	if !ok {
		return campaign.Counter{}, store.ErrNotFound
	}
	return c, nil
}

func (t *tx) InsertTallyEntry(_ context.Context, e campaign.TallyEntry) error {
	if slices.ContainsFunc(t.st.tally, func(x campaign.TallyEntry) bool { return x.ID == e.ID }) {
		return store.ErrConflict
	}
	t.st.tally = append(t.st.tally, e)
	return nil
}

func (t *tx) GetTallyEntry(_ context.Context, id string) (campaign.TallyEntry, error) {
	i := slices.IndexFunc(t.st.tally, func(x campaign.TallyEntry) bool { return x.ID == id })
	if i < 0 {
		return campaign.TallyEntry{}, store.ErrNotFound
	}
	return t.st.tally[i], nil
}

func (t *tx) ListTallyEntries(_ context.Context, key string) ([]campaign.TallyEntry, error) {
	var out []campaign.TallyEntry
	for _, e := range t.st.tally {
		if e.Campaign == key {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) TallyTotal(_ context.Context, key string) (int64, error) {
	var total int64
	for _, e := range t.st.tally {
		if e.Campaign == key {
			total += e.Count
		}
	}
	for _, c := range t.st.corrections {
		if c.Campaign == key {
			total += c.Delta
		}
	}
	return total, nil
}

func (t *tx) InsertTallyCorrection(_ context.Context, c campaign.TallyCorrection) error {
	t.st.corrections = append(t.st.corrections, c)
	return nil
}

func (t *tx) InsertSettlement(_ context.Context, r campaign.SettlementRecord) (bool, error) {
	if _, ok := t.st.settlements[r.Key]; ok {
		return false, nil
	}
	t.st.settlements[r.Key] = r
	return true, nil
}

func (t *tx) GetSettlement(_ context.Context, settlementKey string) (campaign.SettlementRecord, error) {
	r, ok := t.st.settlements[settlementKey]
	if !ok {
		return campaign.SettlementRecord{}, store.ErrNotFound
	}
	return r, nil
}

func (t *tx) InsertIntent(_ context.Context, in campaign.Intent) error {
	if _, ok := t.st.intents[in.Token]; ok {
		return store.ErrConflict
	}
	t.st.intents[in.Token] = in
	return nil
}

func (t *tx) ConsumeIntent(_ context.Context, token, contributor string, now time.Time) (campaign.Intent, error) {
	in, ok := t.st.intents[token]
	if !ok || (contributor != "" && in.ContributorRef != contributor) {
		return campaign.Intent{}, store.ErrNotFound
	}
	delete(t.st.intents, token)
	if in.Expired(now) {
		return campaign.Intent{}, store.ErrNotFound
	}
	return in, nil
}

func (t *tx) PurgeIntents(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for token, in := range t.st.intents {
		if in.Expired(now) {
			delete(t.st.intents, token)
			n++
		}
	}
	return n, nil
}

func (t *tx) GetRate(context.Context) (campaign.Rate, error) {
	if t.st.rate == nil {
		return campaign.Rate{}, store.ErrNotFound
	}
	return *t.st.rate, nil
}

func (t *tx) PutRate(_ context.Context, r campaign.Rate) error {
	t.st.rate = &r
	return nil
}

func (t *tx) GetUnitPrice(_ context.Context, key string) (int64, error) {
	p, ok := t.st.prices[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) PutUnitPrice(_ context.Context, key string, price int64, _ time.Time) error {
	t.st.prices[key] = price
	return nil
}
