package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

type tx struct {
	tx *sqlx.Tx
}

var _ store.Tx = (*tx)(nil)

func (t *tx) get(ctx context.Context, dst any, query string, args ...any) error {
	return mapErr(t.tx.GetContext(ctx, dst, t.tx.Rebind(query), args...))
}

func (t *tx) selectAll(ctx context.Context, dst any, query string, args ...any) error {
	return mapErr(t.tx.SelectContext(ctx, dst, t.tx.Rebind(query), args...))
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n, mapErr(err)
}

func (t *tx) cycle(ctx context.Context, query string, args ...any) (campaign.Cycle, error) {
	var row cycleRow
	if err := t.get(ctx, &row, query, args...); err != nil {
		return campaign.Cycle{}, err
	}
	return row.model(), nil
}

// guardFailed distinguishes a missing cycle from one whose guard did not match.
func (t *tx) guardFailed(ctx context.Context, key string, number int, err error) error {
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, getErr := t.GetCycle(ctx, key, number); getErr != nil {
		return getErr
	}
	return store.ErrConflict
}

func (t *tx) OpenCycle(ctx context.Context, key string) (campaign.Cycle, error) {
	return t.cycle(ctx, `SELECT `+cycleCols+` FROM campaign_cycles WHERE campaign = ? AND is_open = TRUE`, key)
}

func (t *tx) LatestCycle(ctx context.Context, key string) (campaign.Cycle, error) {
	return t.cycle(ctx, `SELECT `+cycleCols+` FROM campaign_cycles WHERE campaign = ?
		ORDER BY cycle_number DESC LIMIT 1`, key)
}

func (t *tx) GetCycle(ctx context.Context, key string, number int) (campaign.Cycle, error) {
	return t.cycle(ctx, `SELECT `+cycleCols+` FROM campaign_cycles WHERE campaign = ? AND cycle_number = ?`, key, number)
}

func (t *tx) ListCycles(ctx context.Context, key string) ([]campaign.Cycle, error) {
	var rows []cycleRow
	if err := t.selectAll(ctx, &rows, `SELECT `+cycleCols+` FROM campaign_cycles WHERE campaign = ?
		ORDER BY cycle_number`, key); err != nil {
		return nil, err
	}
	out := make([]campaign.Cycle, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (t *tx) InsertCycle(ctx context.Context, c campaign.Cycle) (bool, error) {
	n, err := t.exec(ctx, `INSERT INTO campaign_cycles (`+cycleCols+`)
		VALUES (?, ?, ?, ?, TRUE, ?, NULL) ON CONFLICT DO NOTHING`,
		c.Campaign, c.Number, c.Target, c.Raised, toMillis(c.OpenedAt))
	return n > 0, err
}

func (t *tx) AddToOpenCycle(ctx context.Context, key string, amount int64) (campaign.Cycle, error) {
	return t.cycle(ctx, `UPDATE campaign_cycles SET raised = raised + ?
		WHERE campaign = ? AND is_open = TRUE RETURNING `+cycleCols, amount, key)
}

func (t *tx) CloseCycle(ctx context.Context, key string, number int, at time.Time) (campaign.Cycle, error) {
	c, err := t.cycle(ctx, `UPDATE campaign_cycles SET raised = target, is_open = FALSE, closed_at = ?
		WHERE campaign = ? AND cycle_number = ? AND is_open = TRUE RETURNING `+cycleCols,
		toMillis(at), key, number)
	if err != nil {
		return campaign.Cycle{}, t.guardFailed(ctx, key, number, err)
	}
	return c, nil
}

func (t *tx) UpdateCycleTarget(ctx context.Context, key string, number int, target int64) (campaign.Cycle, error) {
	c, err := t.cycle(ctx, `UPDATE campaign_cycles SET target = ?
		WHERE campaign = ? AND cycle_number = ? AND is_open = TRUE RETURNING `+cycleCols,
		target, key, number)
	if err != nil {
		return campaign.Cycle{}, t.guardFailed(ctx, key, number, err)
	}
	return c, nil
}

func (t *tx) AddToCounter(ctx context.Context, key string, amount int64, at time.Time) (campaign.Counter, error) {
	var row counterRow
	err := t.get(ctx, &row, `INSERT INTO unbounded_counters (campaign, raised, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (campaign) DO UPDATE
		SET raised = unbounded_counters.raised + excluded.raised, updated_at = excluded.updated_at
		RETURNING campaign, raised, updated_at`, key, amount, toMillis(at))
	if err != nil {
		return campaign.Counter{}, err
	}
	return row.model(), nil
}

func (t *tx) GetCounter(ctx context.Context, key string) (campaign.Counter, error) {
	var row counterRow
	if err := t.get(ctx, &row, `SELECT campaign, raised, updated_at FROM unbounded_counters WHERE campaign = ?`, key); err != nil {
		return campaign.Counter{}, err
	}
	return row.model(), nil
}

func (t *tx) InsertTallyEntry(ctx context.Context, e campaign.TallyEntry) error {
	n, err := t.exec(ctx, `INSERT INTO tally_entries (`+tallyCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, toMillis(e.CreatedAt), e.Campaign, e.ContributorRef, e.Label, e.Count, string(e.Channel))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (t *tx) GetTallyEntry(ctx context.Context, id string) (campaign.TallyEntry, error) {
	var row tallyRow
	if err := t.get(ctx, &row, `SELECT `+tallyCols+` FROM tally_entries WHERE id = ?`, id); err != nil {
		return campaign.TallyEntry{}, err
	}
	return row.model(), nil
}

func (t *tx) ListTallyEntries(ctx context.Context, key string) ([]campaign.TallyEntry, error) {
	var rows []tallyRow
	if err := t.selectAll(ctx, &rows, `SELECT `+tallyCols+` FROM tally_entries WHERE campaign = ? ORDER BY seq`, key); err != nil {
		return nil, err
	}
	out := make([]campaign.TallyEntry, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (t *tx) TallyTotal(ctx context.Context, key string) (int64, error) {
	var total int64
	err := t.get(ctx, &total, `SELECT
		COALESCE((SELECT SUM(count) FROM tally_entries WHERE campaign = ?), 0) +
		COALESCE((SELECT SUM(delta) FROM tally_corrections WHERE campaign = ?), 0)`, key, key)
	return total, err
}

func (t *tx) InsertTallyCorrection(ctx context.Context, c campaign.TallyCorrection) error {
	var entryID any
	if c.EntryID != "" {
		entryID = c.EntryID
	}
	_, err := t.exec(ctx, `INSERT INTO tally_corrections (id, entry_id, campaign, delta, admin_ref, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, entryID, c.Campaign, c.Delta, c.AdminRef, c.Reason, toMillis(c.CreatedAt))
	return err
}

func (t *tx) InsertSettlement(ctx context.Context, r campaign.SettlementRecord) (bool, error) {
	n, err := t.exec(ctx, `INSERT INTO settlement_records (`+settlementCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (settlement_key) DO NOTHING`,
		r.Key, r.Campaign, r.AppliedTo, r.Amount, r.RawAmount, string(r.Channel), r.ContributorRef, toMillis(r.CreatedAt))
	return n > 0, err
}

func (t *tx) GetSettlement(ctx context.Context, settlementKey string) (campaign.SettlementRecord, error) {
	var row settlementRow
	if err := t.get(ctx, &row, `SELECT `+settlementCols+` FROM settlement_records WHERE settlement_key = ?`, settlementKey); err != nil {
		return campaign.SettlementRecord{}, err
	}
	return row.model(), nil
}

func (t *tx) InsertIntent(ctx context.Context, in campaign.Intent) error {
	n, err := t.exec(ctx, `INSERT INTO pending_intents (`+intentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO NOTHING`,
		in.Token, string(in.Kind), in.ContributorRef, in.Campaign, string(in.Channel), in.Amount, in.Label,
		toMillis(in.CreatedAt), toMillis(in.ExpiresAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (t *tx) ConsumeIntent(ctx context.Context, token, contributor string, now time.Time) (campaign.Intent, error) {
	query := `DELETE FROM pending_intents WHERE token = ?`
	args := []any{token}
	if contributor != "" {
		query += ` AND contributor_ref = ?`
		args = append(args, contributor)
	}
	var row intentRow
	if err := t.get(ctx, &row, query+` RETURNING `+intentCols, args...); err != nil {
		return campaign.Intent{}, err
	}
	in := row.model()
	if in.Expired(now) {
		return campaign.Intent{}, store.ErrNotFound
	}
	return in, nil
}

func (t *tx) PurgeIntents(ctx context.Context, now time.Time) (int64, error) {
	return t.exec(ctx, `DELETE FROM pending_intents WHERE expires_at <= ?`, toMillis(now))
}

func (t *tx) GetRate(ctx context.Context) (campaign.Rate, error) {
	var row rateRow
	if err := t.get(ctx, &row, `SELECT stars_per_unit, currency, minor_per_unit, updated_at FROM pricing_rate WHERE id = 1`); err != nil {
		return campaign.Rate{}, err
	}
	return row.model()
}

func (t *tx) PutRate(ctx context.Context, r campaign.Rate) error {
	_, err := t.exec(ctx, `INSERT INTO pricing_rate (id, stars_per_unit, currency, minor_per_unit, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET stars_per_unit = excluded.stars_per_unit, currency = excluded.currency,
			minor_per_unit = excluded.minor_per_unit, updated_at = excluded.updated_at`,
		r.StarsPerUnit.String(), r.Currency, r.MinorPerUnit, toMillis(r.UpdatedAt))
	return err
}

func (t *tx) GetUnitPrice(ctx context.Context, key string) (int64, error) {
	var price int64
	err := t.get(ctx, &price, `SELECT price FROM unit_prices WHERE campaign = ?`, key)
	return price, err
}

func (t *tx) PutUnitPrice(ctx context.Context, key string, price int64, at time.Time) error {
	_, err := t.exec(ctx, `INSERT INTO unit_prices (campaign, price, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (campaign) DO UPDATE SET price = excluded.price, updated_at = excluded.updated_at`,
		key, price, toMillis(at))
	return err
}
