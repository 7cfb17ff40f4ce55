package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

// ManualTransfer is a self-reported transfer over a manual channel. Amount is
// in the campaign's native unit; Label is used by tally campaigns.
type ManualTransfer struct {
	ContributorRef string
	Campaign       string
	Channel        campaign.Channel
	Amount         int64
	Label          string
	Nonce          string
}

// ManualKey is the settlement key of a manual transfer. Each part is escaped
// so a ':' inside the contributor or nonce cannot shift the separators.
func ManualKey(contributor string, ch campaign.Channel, nonce string) string {
	return fmt.Sprintf("manual:%s:%s:%s",
		url.QueryEscape(contributor), url.QueryEscape(string(ch)), url.QueryEscape(nonce))
}

func (p *Pipeline) manualCredit(m ManualTransfer) (credit, error) {
	c := credit{
		contributor: m.ContributorRef,
		channel:     m.Channel,
		amount:      m.Amount,
		label:       m.Label,
	}
	c.def.Key = m.Campaign
	if m.ContributorRef == "" {
		return c, fmt.Errorf("%w: missing contributor", ErrMalformed)
	}
	def, err := p.ledger.Catalog().Lookup(m.Campaign)
	if err != nil {
		return c, err
	}
	c.def = def
	if !m.Channel.Manual() || !def.Accepts(m.Channel) {
		return c, fmt.Errorf("%w: %s does not accept %q", campaign.ErrInvalidChannel, def.Key, m.Channel)
	}
	if err := p.checkAmount(def, m.Amount); err != nil {
		return c, err
	}
	if def.Kind == campaign.KindTally {
		if c.label, err = p.tally.CleanLabel(m.Label); err != nil {
			return c, err
		}
	}
	return c, nil
}

// MarkManualTransfer applies a self-reported transfer once per
// (contributor, channel, nonce).
func (p *Pipeline) MarkManualTransfer(ctx context.Context, m ManualTransfer) (Outcome, error) {
	c, err := p.manualCredit(m)
	c.key = ManualKey(m.ContributorRef, m.Channel, m.Nonce)
	if err == nil && m.Nonce == "" {
		err = fmt.Errorf("%w: missing nonce", ErrMalformed)
	}
	if err != nil {
		return p.reject(ctx, c, err)
	}
	return p.settle(ctx, c, nil)
}

// BeginManualTransfer validates m and stores it as a pending intent that
// ConfirmManualTransfer can consume exactly once before it expires.
func (p *Pipeline) BeginManualTransfer(ctx context.Context, m ManualTransfer) (campaign.Intent, error) {
	c, err := p.manualCredit(m)
	if err != nil {
		_, err = p.reject(ctx, c, err)
		return campaign.Intent{}, err
	}
	now := p.now().UTC()
	in := campaign.Intent{
		Token:          uuid.NewString(),
		Kind:           campaign.IntentManualTransfer,
		ContributorRef: c.contributor,
		Campaign:       c.def.Key,
		Channel:        c.channel,
		Amount:         c.amount,
		Label:          c.label,
		CreatedAt:      now,
		ExpiresAt:      now.Add(p.intentTTL),
	}
	if err := p.store.InTx(ctx, func(tx store.Tx) error { return tx.InsertIntent(ctx, in) }); err != nil {
		return campaign.Intent{}, err
	}
	logger.Debug(ctx, logger.CompSettlement, "intent.created",
		logger.Campaign(in.Campaign),
		slog.String("channel", string(in.Channel)),
		logger.Amount(in.Amount),
		slog.String("contributor", in.ContributorRef),
	)
	return in, nil
}

// ConfirmManualTransfer consumes the intent and applies its credit in one
// transaction. A second confirmation is rejected with ErrIntentConsumed.
func (p *Pipeline) ConfirmManualTransfer(ctx context.Context, token, contributor string) (Outcome, error) {
	c := credit{key: "intent:" + token, contributor: contributor}
	return p.settle(ctx, c, func(tx store.Tx) (credit, error) {
		in, err := tx.ConsumeIntent(ctx, token, contributor, p.now().UTC())
		if errors.Is(err, store.ErrNotFound) {
			return c, ErrIntentConsumed
		}
		if err != nil {
			return c, err
		}
		def, err := p.ledger.Catalog().Lookup(in.Campaign)
		if err != nil {
			return c, err
		}
		return credit{
			key:         ManualKey(in.ContributorRef, in.Channel, in.Token),
			def:         def,
			contributor: in.ContributorRef,
			channel:     in.Channel,
			amount:      in.Amount,
			label:       in.Label,
		}, nil
	})
}

// CancelManualTransfer drops a pending intent without crediting.
func (p *Pipeline) CancelManualTransfer(ctx context.Context, token, contributor string) error {
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.ConsumeIntent(ctx, token, contributor, p.now().UTC())
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrIntentConsumed
	}
	return err
}

// AppendTally records an in-kind contribution. Resubmissions create new
// entries. Refused submissions are logged and audited like other rejections.
func (p *Pipeline) AppendTally(ctx context.Context, contributor, key, label string, count int64, ch campaign.Channel) (campaign.TallyEntry, error) {
	c := credit{contributor: contributor, channel: ch, amount: count, label: label}
	c.def.Key = key
	def, err := p.ledger.Catalog().Lookup(key)
	if err == nil {
		c.def = def
		err = p.checkAmount(def, count)
	}
	if err != nil {
		_, err = p.reject(ctx, c, err)
		return campaign.TallyEntry{}, err
	}
	entry, err := p.tally.Append(ctx, contributor, key, label, count, ch)
	if err != nil {
		_, err = p.reject(ctx, c, err)
		return campaign.TallyEntry{}, err
	}
	return entry, nil
}

// PurgeIntents removes expired pending intents.
func (p *Pipeline) PurgeIntents(ctx context.Context) (int64, error) {
	var n int64
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.PurgeIntents(ctx, p.now().UTC())
		return err
	})
	return n, err
}

// RunIntentJanitor purges expired intents every interval until ctx is done.
func (p *Pipeline) RunIntentJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.PurgeIntents(ctx)
			if err != nil {
				logger.Warn(ctx, logger.CompSettlement, "intent.purge", slog.String("status", "fail"), logger.Err(err))
				continue
			}
			if n > 0 {
				logger.Info(ctx, logger.CompSettlement, "intent.purge", slog.Int64("count", n))
			}
		}
	}
}
