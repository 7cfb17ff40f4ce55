// Package pricing converts between native campaign units, currency minor
// units and Stars. Values are admin controlled; the last writer wins.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

var (
	// ErrRateUnset is returned before an admin or the seeder stored a rate.
	ErrRateUnset = errors.New("pricing: rate not set")
	// ErrInvalidRate rejects non-positive rates or a missing currency.
	ErrInvalidRate = errors.New("pricing: invalid rate")
	// ErrInvalidPrice rejects non-positive unit prices.
	ErrInvalidPrice = errors.New("pricing: invalid unit price")
)

// Quote prices a number of native units of one campaign.
type Quote struct {
	Campaign  string
	Quantity  int64
	UnitPrice int64
	// Minor is the price in currency minor units.
	Minor int64
	Stars int64
	Rate  campaign.Rate
}

// Provider reads and updates pricing state.
type Provider struct {
	store   store.Store
	catalog *campaign.Catalog
	sink    audit.Sink
	now     func() time.Time
}

// New builds a provider. sink may be nil.
func New(st store.Store, cat *campaign.Catalog, sink audit.Sink) *Provider {
	return &Provider{store: st, catalog: cat, sink: sink, now: time.Now}
}

// Rate returns the active conversion rate.
func (p *Provider) Rate(ctx context.Context) (campaign.Rate, error) {
	var r campaign.Rate
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = RateTx(ctx, tx)
		return err
	})
	return r, err
}

// RateTx reads the rate inside an existing transaction.
func RateTx(ctx context.Context, tx store.PricingTx) (campaign.Rate, error) {
	r, err := tx.GetRate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return campaign.Rate{}, ErrRateUnset
	}
	return r, err
}

// SetRate replaces the conversion rate.
func (p *Provider) SetRate(ctx context.Context, r campaign.Rate) error {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if !r.Valid() {
		return fmt.Errorf("%w: %s %s per unit, %d minor per unit", ErrInvalidRate, r.StarsPerUnit, r.Currency, r.MinorPerUnit)
	}
	r.UpdatedAt = p.now().UTC()
	if err := p.store.InTx(ctx, func(tx store.Tx) error { return tx.PutRate(ctx, r) }); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompPricing, "rate.set",
		slog.String("rate", r.StarsPerUnit.String()),
		slog.String("currency", r.Currency),
	)
	audit.Emit(ctx, p.sink, audit.Event{
		Kind:   audit.KindRateChanged,
		Reason: fmt.Sprintf("%s stars per %s", r.StarsPerUnit, r.Currency),
		At:     r.UpdatedAt,
	})
	return nil
}

// UnitPrice returns the price of one native unit of the campaign in minor units.
func (p *Provider) UnitPrice(ctx context.Context, key string) (int64, error) {
	def, err := p.catalog.Lookup(key)
	if err != nil {
		return 0, err
	}
	var price int64
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		price, err = UnitPriceTx(ctx, tx, def)
		return err
	})
	return price, err
}

// UnitPriceTx reads the stored price, falling back to the configured one.
func UnitPriceTx(ctx context.Context, tx store.PricingTx, def campaign.Definition) (int64, error) {
	price, err := tx.GetUnitPrice(ctx, def.Key)
	if errors.Is(err, store.ErrNotFound) {
		return def.UnitPrice, nil
	}
	return price, err
}

// SetUnitPrice stores a new price for one native unit of the campaign.
func (p *Provider) SetUnitPrice(ctx context.Context, key string, price int64) error {
	def, err := p.catalog.Lookup(key)
	if err != nil {
		return err
	}
	if price <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	at := p.now().UTC()
	if err := p.store.InTx(ctx, func(tx store.Tx) error { return tx.PutUnitPrice(ctx, def.Key, price, at) }); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompPricing, "price.set", logger.Campaign(def.Key), logger.Amount(price))
	audit.Emit(ctx, p.sink, audit.Event{Kind: audit.KindPriceChanged, Campaign: def.Key, Amount: price, At: at})
	return nil
}

// Quote prices quantity native units of the campaign.
func (p *Provider) Quote(ctx context.Context, key string, quantity int64) (Quote, error) {
	def, err := p.catalog.Lookup(key)
	if err != nil {
		return Quote{}, err
	}
	if quantity <= 0 {
		return Quote{}, fmt.Errorf("%w: %d", campaign.ErrInvalidAmount, quantity)
	}
	var q Quote
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		rate, err := RateTx(ctx, tx)
		if err != nil {
			return err
		}
		price, err := UnitPriceTx(ctx, tx, def)
		if err != nil {
			return err
		}
		q = Quote{
			Campaign:  def.Key,
			Quantity:  quantity,
			UnitPrice: price,
			Minor:     quantity * price,
			Stars:     StarsFor(rate, quantity*price),
			Rate:      rate,
		}
		return nil
	})
	return q, err
}

// StarsFor converts minor currency units into Stars, rounding up. Any positive
// amount costs at least one Star.
func StarsFor(r campaign.Rate, minor int64) int64 {
	if minor <= 0 || !r.Valid() {
		return 0
	}
	stars := decimal.NewFromInt(minor).
		Mul(r.StarsPerUnit).
		Div(decimal.NewFromInt(r.MinorPerUnit)).
		Ceil().
		IntPart()
	return max(stars, 1)
}

// QuantityFor converts Stars back into whole native units, rounding down.
func QuantityFor(r campaign.Rate, unitPrice, stars int64) int64 {
	if stars <= 0 || unitPrice <= 0 || !r.Valid() {
		return 0
	}
	minor := decimal.NewFromInt(stars).Mul(decimal.NewFromInt(r.MinorPerUnit))
	return minor.Div(r.StarsPerUnit.Mul(decimal.NewFromInt(unitPrice))).Floor().IntPart()
}

// Defaults are the values seeded into an empty store.
type Defaults struct {
	Rate campaign.Rate
}

// Seed stores the default rate and the configured unit prices unless values already exist.
func Seed(ctx context.Context, st store.Store, cat *campaign.Catalog, d Defaults) error {
	now := time.Now().UTC()
	return st.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRate(ctx); errors.Is(err, store.ErrNotFound) {
			if d.Rate.Valid() {
				r := d.Rate
				r.UpdatedAt = now
				if err := tx.PutRate(ctx, r); err != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}
		for _, def := range cat.List() {
			_, err := tx.GetUnitPrice(ctx, def.Key)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := tx.PutUnitPrice(ctx, def.Key, def.UnitPrice, now); err != nil {
				return err
			}
		}
		return nil
	})
}
