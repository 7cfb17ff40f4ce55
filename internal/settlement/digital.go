package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/store"
)

const digitalLabel = "Stars"

// Invoice is a priced request for a digital payment.
type Invoice struct {
	Definition campaign.Definition
	Quote      pricing.Quote
	// Cycle is the open cycle the invoice was created for, 0 for other kinds.
	Cycle   int
	Payload string
}

// DigitalPayment is a payment confirmed by the provider.
type DigitalPayment struct {
	ChargeID       string
	ContributorRef string
	Payload        string
	Stars          int64
	Currency       string
}

// DigitalKey is the settlement key of a provider charge.
func DigitalKey(chargeID string) string {
	return "digital:" + chargeID
}

// CreateInvoice quotes quantity native units of the campaign and snapshots the
// quote into the invoice payload.
func (p *Pipeline) CreateInvoice(ctx context.Context, contributor, key string, quantity int64) (Invoice, error) {
	def, err := p.ledger.Catalog().Lookup(key)
	if err != nil {
		return Invoice{}, err
	}
	if !def.Accepts(campaign.ChannelStars) {
		return Invoice{}, fmt.Errorf("%w: %s does not accept %s", campaign.ErrInvalidChannel, def.Key, campaign.ChannelStars)
	}
	if err := p.checkAmount(def, quantity); err != nil {
		return Invoice{}, err
	}
	q, err := p.pricing.Quote(ctx, def.Key, quantity)
	if err != nil {
		return Invoice{}, err
	}
	inv := Invoice{Definition: def, Quote: q}
	if def.Kind == campaign.KindRecurring {
		snap, err := p.ledger.GetState(ctx, def.Key)
		if err != nil {
			return Invoice{}, err
		}
		if snap.Completed {
			return Invoice{}, fmt.Errorf("%w: %s is complete", campaign.ErrCycleClosed, def.Key)
		}
		inv.Cycle = snap.Cycle.Number
	}
	inv.Payload, err = NewPayload(def.Key, inv.Cycle, quantity, q.Rate, q.UnitPrice).Encode()
	if err != nil {
		return Invoice{}, err
	}
	logger.Debug(ctx, logger.CompSettlement, "invoice.created",
		logger.Campaign(def.Key),
		slog.Int("cycle", inv.Cycle),
		logger.Amount(quantity),
		slog.Int64("raw_amount", q.Stars),
		slog.String("contributor", contributor),
	)
	return inv, nil
}

// SettleDigital applies a confirmed payment once. The native amount comes from
// the invoice payload; the current rate is read only when the payload has none.
func (p *Pipeline) SettleDigital(ctx context.Context, pay DigitalPayment) (Outcome, error) {
	c := credit{
		key:         DigitalKey(pay.ChargeID),
		contributor: pay.ContributorRef,
		channel:     campaign.ChannelStars,
		raw:         pay.Stars,
		label:       digitalLabel,
	}
	if pay.ChargeID == "" {
		return p.reject(ctx, c, fmt.Errorf("%w: missing charge id", ErrMalformed))
	}
	if pay.Currency != "" && pay.Currency != StarsCurrency {
		return p.reject(ctx, c, fmt.Errorf("%w: currency %q", ErrMalformed, pay.Currency))
	}
	if pay.Stars <= 0 {
		return p.reject(ctx, c, fmt.Errorf("%w: %d stars", campaign.ErrInvalidAmount, pay.Stars))
	}
	pl, err := DecodePayload(pay.Payload)
	if err != nil {
		return p.reject(ctx, c, err)
	}
	c.def.Key, c.cycle = pl.Campaign, pl.Cycle
	def, err := p.ledger.Catalog().Lookup(pl.Campaign)
	if err != nil {
		return p.reject(ctx, c, err)
	}
	c.def = def
	return p.settle(ctx, c, func(tx store.Tx) (credit, error) {
		amount, err := resolveAmount(ctx, tx, def, pl, pay.Stars)
		c.amount = amount
		return c, err
	})
}

// resolveAmount derives the native amount of a payment from its payload.
func resolveAmount(ctx context.Context, tx store.PricingTx, def campaign.Definition, pl InvoicePayload, stars int64) (int64, error) {
	var (
		rate campaign.Rate
		err  error
	)
	if pl.Rate != "" {
		rate, err = pl.rate()
	} else {
		rate, err = pricing.RateTx(ctx, tx)
	}
	if err != nil {
		return 0, err
	}
	price := pl.Price
	if price == 0 {
		if price, err = pricing.UnitPriceTx(ctx, tx, def); err != nil {
			return 0, err
		}
	}
	if pl.Quantity == 0 {
		q := pricing.QuantityFor(rate, price, stars)
		if q <= 0 {
			return 0, fmt.Errorf("%w: %d stars buy no %s", campaign.ErrInvalidAmount, stars, def.Unit)
		}
		return q, nil
	}
	if want := pricing.StarsFor(rate, pl.Quantity*price); want != stars {
		return 0, fmt.Errorf("%w: paid %d stars, invoice quoted %d", ErrMalformed, stars, want)
	}
	return pl.Quantity, nil
}

// reject records a request refused before any transaction started.
func (p *Pipeline) reject(ctx context.Context, c credit, err error) (Outcome, error) {
	return p.finish(ctx, c, Outcome{SettlementKey: c.key, Campaign: c.def.Key, Amount: c.amount, RawAmount: c.raw}, err)
}
