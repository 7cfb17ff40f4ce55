package tally

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store/memstore"
)

func newService(t *testing.T) (*Service, *audit.Memory) {
	t.Helper()
	cat, err := campaign.NewCatalog([]campaign.Definition{
		{Key: "iftar", Kind: campaign.KindTally, Channels: []campaign.Channel{campaign.ChannelBank, campaign.ChannelCard}},
		{Key: "winter", Kind: campaign.KindUnbounded},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	mem := &audit.Memory{}
	return New(memstore.New(), cat, mem, 16), mem
}

func TestAppendTotalsAndOrder(t *testing.T) {
	s, mem := newService(t)
	ctx := context.Background()
	first, err := s.Append(ctx, "u1", "iftar", "  Family   of five ", 5, campaign.ChannelBank)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Label != "Family of five" || first.ID == "" {
		t.Fatalf("unexpected entry: %+v", first)
	}
	second, err := s.Append(ctx, "u2", "iftar", "neighbours", 3, campaign.ChannelCard)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	total, err := s.Total(ctx, "iftar")
	if err != nil || total != 8 {
		t.Fatalf("Total = %d, %v; want 8", total, err)
	}
	entries, err := s.List(ctx, "iftar")
	if err != nil || len(entries) != 2 || entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Fatalf("List: %+v %v", entries, err)
	}
	if n := len(mem.OfKind(audit.KindTallyAppended)); n != 2 {
		t.Fatalf("tally_appended events = %d", n)
	}
}

func TestAppendDuplicatesAreKept(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	for range 2 {
		if _, err := s.Append(ctx, "u1", "iftar", "same", 2, campaign.ChannelBank); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if total, _ := s.Total(ctx, "iftar"); total != 4 {
		t.Fatalf("duplicate submission should count twice, total = %d", total)
	}
}

func TestAppendValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		key   string
		label string
		count int64
		ch    campaign.Channel
		want  error
	}{
		{"zero count", "iftar", "x", 0, campaign.ChannelBank, campaign.ErrInvalidAmount},
		{"blank label", "iftar", " \t ", 1, campaign.ChannelBank, campaign.ErrInvalidLabel},
		{"long label", "iftar", strings.Repeat("é", 17), 1, campaign.ChannelBank, campaign.ErrInvalidLabel},
		{"channel", "iftar", "x", 1, campaign.ChannelCrypto, campaign.ErrInvalidChannel},
		{"wrong kind", "winter", "x", 1, campaign.ChannelBank, campaign.ErrWrongKind},
		{"unknown", "nope", "x", 1, campaign.ChannelBank, campaign.ErrUnknownCampaign},
	}
	for _, tc := range cases {
		if _, err := s.Append(ctx, "u1", tc.key, tc.label, tc.count, tc.ch); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if label, err := s.CleanLabel(strings.Repeat("é", 16)); err != nil || label == "" {
		t.Fatalf("16 runes should fit: %v", err)
	}
}

func TestCorrect(t *testing.T) {
	s, mem := newService(t)
	ctx := context.Background()
	e, err := s.Append(ctx, "u1", "iftar", "typo", 50, campaign.ChannelBank)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Correct(ctx, "admin", "iftar", e.ID, -45, "meant 5"); err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if total, _ := s.Total(ctx, "iftar"); total != 5 {
		t.Fatalf("total after correction = %d, want 5", total)
	}
	if _, err := s.Correct(ctx, "admin", "iftar", "", -6, "too much"); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Correct(ctx, "admin", "iftar", "missing", 1, "x"); err == nil {
		t.Fatal("expected error for unknown entry")
	}
	entries, _ := s.List(ctx, "iftar")
	if len(entries) != 1 || entries[0].Count != 50 {
		t.Fatalf("entries must stay untouched: %+v", entries)
	}
	if len(mem.OfKind(audit.KindTallyCorrected)) != 1 {
		t.Fatal("expected one tally_corrected event")
	}
}

func TestAppendRejectsTotalOverflow(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "u1", "iftar", "first", 10, campaign.ChannelBank); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, "u2", "iftar", "huge", math.MaxInt64-5, campaign.ChannelBank); !errors.Is(err, campaign.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if total, _ := s.Total(ctx, "iftar"); total != 10 {
		t.Fatalf("total = %d, want 10", total)
	}
	if _, err := s.Append(ctx, "u2", "iftar", "fits", math.MaxInt64-10, campaign.ChannelBank); err != nil {
		t.Fatalf("Append at the limit: %v", err)
	}
}
