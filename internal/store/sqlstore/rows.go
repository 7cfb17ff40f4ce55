package sqlstore

import (
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/m3rciful/fundbot/internal/campaign"
)

const (
	cycleCols      = "campaign, cycle_number, target, raised, is_open, opened_at, closed_at"
	tallyCols      = "id, created_at, campaign, contributor_ref, label, count, channel"
	settlementCols = "settlement_key, campaign, applied_to, amount, raw_amount, channel, contributor_ref, created_at"
	intentCols     = "token, kind, contributor_ref, campaign, channel, amount, label, created_at, expires_at"
)

type cycleRow struct {
	Campaign string        `db:"campaign"`
	Number   int           `db:"cycle_number"`
	Target   int64         `db:"target"`
	Raised   int64         `db:"raised"`
	IsOpen   bool          `db:"is_open"`
	OpenedAt int64         `db:"opened_at"`
	ClosedAt sql.NullInt64 `db:"closed_at"`
}

func (r cycleRow) model() campaign.Cycle {
	c := campaign.Cycle{
		Campaign: r.Campaign,
		Number:   r.Number,
		Target:   r.Target,
		Raised:   r.Raised,
		Open:     r.IsOpen,
		OpenedAt: fromMillis(r.OpenedAt),
	}
	if r.ClosedAt.Valid {
		closed := fromMillis(r.ClosedAt.Int64)
		c.ClosedAt = &closed
	}
	return c
}

type counterRow struct {
	Campaign  string `db:"campaign"`
	Raised    int64  `db:"raised"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r counterRow) model() campaign.Counter {
	return campaign.Counter{Campaign: r.Campaign, Raised: r.Raised, UpdatedAt: fromMillis(r.UpdatedAt)}
}

type tallyRow struct {
	ID             string `db:"id"`
	CreatedAt      int64  `db:"created_at"`
	Campaign       string `db:"campaign"`
	ContributorRef string `db:"contributor_ref"`
	Label          string `db:"label"`
	Count          int64  `db:"count"`
	Channel        string `db:"channel"`
}

func (r tallyRow) model() campaign.TallyEntry {
	return campaign.TallyEntry{
		ID:             r.ID,
		CreatedAt:      fromMillis(r.CreatedAt),
		Campaign:       r.Campaign,
		ContributorRef: r.ContributorRef,
		Label:          r.Label,
		Count:          r.Count,
		Channel:        campaign.Channel(r.Channel),
	}
}

type settlementRow struct {
	Key            string `db:"settlement_key"`
	Campaign       string `db:"campaign"`
	AppliedTo      string `db:"applied_to"`
	Amount         int64  `db:"amount"`
	RawAmount      int64  `db:"raw_amount"`
	Channel        string `db:"channel"`
	ContributorRef string `db:"contributor_ref"`
	CreatedAt      int64  `db:"created_at"`
}

func (r settlementRow) model() campaign.SettlementRecord {
	return campaign.SettlementRecord{
		Key:            r.Key,
		Campaign:       r.Campaign,
		AppliedTo:      r.AppliedTo,
		Amount:         r.Amount,
		RawAmount:      r.RawAmount,
		Channel:        campaign.Channel(r.Channel),
		ContributorRef: r.ContributorRef,
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

type intentRow struct {
	Token          string `db:"token"`
	Kind           string `db:"kind"`
	ContributorRef string `db:"contributor_ref"`
	Campaign       string `db:"campaign"`
	Channel        string `db:"channel"`
	Amount         int64  `db:"amount"`
	Label          string `db:"label"`
	CreatedAt      int64  `db:"created_at"`
	ExpiresAt      int64  `db:"expires_at"`
}

func (r intentRow) model() campaign.Intent {
	return campaign.Intent{
		Token:          r.Token,
		Kind:           campaign.IntentKind(r.Kind),
		ContributorRef: r.ContributorRef,
		Campaign:       r.Campaign,
		Channel:        campaign.Channel(r.Channel),
		Amount:         r.Amount,
		Label:          r.Label,
		CreatedAt:      fromMillis(r.CreatedAt),
		ExpiresAt:      fromMillis(r.ExpiresAt),
	}
}

type rateRow struct {
	StarsPerUnit string `db:"stars_per_unit"`
	Currency     string `db:"currency"`
	MinorPerUnit int64  `db:"minor_per_unit"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r rateRow) model() (campaign.Rate, error) {
	stars, err := decimal.NewFromString(r.StarsPerUnit)
	if err != nil {
		return campaign.Rate{}, err
	}
	return campaign.Rate{
		StarsPerUnit: stars,
		Currency:     r.Currency,
		MinorPerUnit: r.MinorPerUnit,
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}, nil
}
