package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store/memstore"
)

func usd(stars string) campaign.Rate {
	return campaign.Rate{StarsPerUnit: decimal.RequireFromString(stars), Currency: "USD", MinorPerUnit: 100}
}

func newProvider(t *testing.T) (*Provider, *audit.Memory) {
	t.Helper()
	cat, err := campaign.NewCatalog([]campaign.Definition{
		{Key: "meals", Kind: campaign.KindRecurring, Unit: campaign.UnitPortion, DefaultTarget: 30, UnitPrice: 250},
		{Key: "winter", Kind: campaign.KindUnbounded},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	mem := &audit.Memory{}
	return New(memstore.New(), cat, mem), mem
}

func TestStarsForRoundsUp(t *testing.T) {
	r := usd("0.55")
	cases := map[int64]int64{
		100:  1,
		250:  2,
		1000: 6,
		2000: 11,
		1:    1,
		0:    0,
	}
	for minor, want := range cases {
		if got := StarsFor(r, minor); got != want {
			t.Fatalf("StarsFor(%d) = %d, want %d", minor, got, want)
		}
	}
}

func TestQuantityForRoundsDown(t *testing.T) {
	r := usd("0.55")
	if got := QuantityFor(r, 250, 11); got != 8 {
		t.Fatalf("QuantityFor = %d, want 8", got)
	}
	if got := QuantityFor(r, 1, 11); got != 2000 {
		t.Fatalf("QuantityFor = %d, want 2000", got)
	}
	if got := QuantityFor(campaign.Rate{}, 1, 11); got != 0 {
		t.Fatalf("invalid rate must yield 0, got %d", got)
	}
}

func TestQuoteNeedsRate(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	if _, err := p.Quote(ctx, "meals", 2); !errors.Is(err, ErrRateUnset) {
		t.Fatalf("expected ErrRateUnset, got %v", err)
	}
	if err := p.SetRate(ctx, usd("0.5")); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	q, err := p.Quote(ctx, "meals", 3)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.UnitPrice != 250 || q.Minor != 750 || q.Stars != 4 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if _, err := p.Quote(ctx, "meals", 0); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.Quote(ctx, "nope", 1); !errors.Is(err, campaign.ErrUnknownCampaign) {
		t.Fatalf("expected ErrUnknownCampaign, got %v", err)
	}
}

func TestSetUnitPriceLastWriterWins(t *testing.T) {
	p, mem := newProvider(t)
	ctx := context.Background()
	if price, _ := p.UnitPrice(ctx, "meals"); price != 250 {
		t.Fatalf("default price = %d", price)
	}
	for _, price := range []int64{300, 275} {
		if err := p.SetUnitPrice(ctx, "meals", price); err != nil {
			t.Fatalf("SetUnitPrice: %v", err)
		}
	}
	if price, _ := p.UnitPrice(ctx, "meals"); price != 275 {
		t.Fatalf("price = %d, want 275", price)
	}
	if err := p.SetUnitPrice(ctx, "meals", 0); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if n := len(mem.OfKind(audit.KindPriceChanged)); n != 2 {
		t.Fatalf("price_changed events = %d, want 2", n)
	}
}

func TestSetRateValidates(t *testing.T) {
	p, mem := newProvider(t)
	if err := p.SetRate(context.Background(), usd("-1")); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	r := usd("0.6")
	r.Currency = " usd "
	if err := p.SetRate(context.Background(), r); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	got, _ := p.Rate(context.Background())
	if got.Currency != "USD" || got.UpdatedAt.IsZero() {
		t.Fatalf("unexpected stored rate: %+v", got)
	}
	if len(mem.OfKind(audit.KindRateChanged)) != 1 {
		t.Fatal("expected one rate_changed event")
	}
}

func TestSeedKeepsExistingValues(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	if err := p.SetRate(ctx, usd("0.7")); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if err := p.SetUnitPrice(ctx, "meals", 400); err != nil {
		t.Fatalf("SetUnitPrice: %v", err)
	}
	if err := Seed(ctx, p.store, p.catalog, Defaults{Rate: usd("0.5")}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	r, _ := p.Rate(ctx)
	if !r.StarsPerUnit.Equal(decimal.RequireFromString("0.7")) {
		t.Fatalf("seed overwrote rate: %s", r.StarsPerUnit)
	}
	if price, _ := p.UnitPrice(ctx, "meals"); price != 400 {
		t.Fatalf("seed overwrote price: %d", price)
	}
	if price, _ := p.UnitPrice(ctx, "winter"); price != 1 {
		t.Fatalf("winter price = %d, want 1", price)
	}
}
