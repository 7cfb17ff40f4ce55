// Package tally keeps the append-only headcount ledger of in-kind campaigns.
// Entries are never edited; admins adjust totals with audited corrections.
package tally

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/store"
)

// DefaultLabelMaxLen bounds labels when no limit is configured.
const DefaultLabelMaxLen = 64

// Service appends and reads tally entries.
type Service struct {
	store       store.Store
	catalog     *campaign.Catalog
	sink        audit.Sink
	labelMaxLen int
	now         func() time.Time
}

// New builds a tally service. labelMaxLen <= 0 selects DefaultLabelMaxLen.
func New(st store.Store, cat *campaign.Catalog, sink audit.Sink, labelMaxLen int) *Service {
	if labelMaxLen <= 0 {
		labelMaxLen = DefaultLabelMaxLen
	}
	return &Service{store: st, catalog: cat, sink: sink, labelMaxLen: labelMaxLen, now: time.Now}
}

// Append records count units for the campaign. Resubmitting the same entry
// creates a second entry.
func (s *Service) Append(ctx context.Context, contributor, key, label string, count int64, ch campaign.Channel) (campaign.TallyEntry, error) {
	var entry campaign.TallyEntry
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = s.AppendTx(ctx, tx, contributor, key, label, count, ch)
		return err
	})
	if err != nil {
		return campaign.TallyEntry{}, err
	}
	logger.Info(ctx, logger.CompTally, "tally.appended",
		logger.Campaign(entry.Campaign),
		slog.Int64("count", entry.Count),
		slog.String("channel", string(entry.Channel)),
		slog.String("contributor", entry.ContributorRef),
	)
	audit.Emit(ctx, s.sink, AppendedEvent(entry))
	return entry, nil
}

// AppendTx validates and stores an entry inside tx.
func (s *Service) AppendTx(ctx context.Context, tx store.TallyTx, contributor, key, label string, count int64, ch campaign.Channel) (campaign.TallyEntry, error) {
	def, err := s.tallyDefinition(key)
	if err != nil {
		return campaign.TallyEntry{}, err
	}
	if count <= 0 {
		return campaign.TallyEntry{}, fmt.Errorf("%w: %d", campaign.ErrInvalidAmount, count)
	}
	if !def.Accepts(ch) {
		return campaign.TallyEntry{}, fmt.Errorf("%w: %q", campaign.ErrInvalidChannel, ch)
	}
	clean, err := s.CleanLabel(label)
	if err != nil {
		return campaign.TallyEntry{}, err
	}
	total, err := tx.TallyTotal(ctx, def.Key)
	if err != nil {
		return campaign.TallyEntry{}, err
	}
	if total > math.MaxInt64-count {
		return campaign.TallyEntry{}, fmt.Errorf("%w: %s cannot hold %d more", campaign.ErrInvalidAmount, def.Key, count)
	}
	entry := campaign.TallyEntry{
		ID:             uuid.NewString(),
		CreatedAt:      s.now().UTC(),
		Campaign:       def.Key,
		ContributorRef: contributor,
		Label:          clean,
		Count:          count,
		Channel:        ch,
	}
	if err := tx.InsertTallyEntry(ctx, entry); err != nil {
		return campaign.TallyEntry{}, err
	}
	return entry, nil
}

// List returns the campaign entries in insertion order.
func (s *Service) List(ctx context.Context, key string) ([]campaign.TallyEntry, error) {
	def, err := s.tallyDefinition(key)
	if err != nil {
		return nil, err
	}
	var entries []campaign.TallyEntry
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListTallyEntries(ctx, def.Key)
		return err
	})
	return entries, err
}

// Total returns the sum of entry counts plus corrections.
func (s *Service) Total(ctx context.Context, key string) (int64, error) {
	def, err := s.tallyDefinition(key)
	if err != nil {
		return 0, err
	}
	var total int64
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		total, err = tx.TallyTotal(ctx, def.Key)
		return err
	})
	return total, err
}

// Correct appends an admin adjustment. entryID is optional and, when set, must
// name an entry of the same campaign. The corrected total may not drop below zero.
func (s *Service) Correct(ctx context.Context, admin, key, entryID string, delta int64, reason string) (campaign.TallyCorrection, error) {
	def, err := s.tallyDefinition(key)
	if err != nil {
		return campaign.TallyCorrection{}, err
	}
	if delta == 0 {
		return campaign.TallyCorrection{}, fmt.Errorf("%w: correction delta must not be zero", campaign.ErrInvalidAmount)
	}
	reason, err = s.CleanLabel(reason)
	if err != nil {
		return campaign.TallyCorrection{}, err
	}
	corr := campaign.TallyCorrection{
		ID:        uuid.NewString(),
		EntryID:   entryID,
		Campaign:  def.Key,
		Delta:     delta,
		AdminRef:  admin,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if entryID != "" {
			e, err := tx.GetTallyEntry(ctx, entryID)
			if err != nil {
				return fmt.Errorf("tally entry %s: %w", entryID, err)
			}
			if e.Campaign != def.Key {
				return fmt.Errorf("tally entry %s belongs to %s", entryID, e.Campaign)
			}
		}
		total, err := tx.TallyTotal(ctx, def.Key)
		if err != nil {
			return err
		}
		if total+delta < 0 {
			return fmt.Errorf("%w: total %d cannot drop by %d", campaign.ErrInvalidAmount, total, -delta)
		}
		return tx.InsertTallyCorrection(ctx, corr)
	})
	if err != nil {
		return campaign.TallyCorrection{}, err
	}
	logger.Info(ctx, logger.CompTally, "tally.corrected",
		logger.Campaign(def.Key),
		slog.Int64("count", delta),
		slog.String("contributor", admin),
	)
	audit.Emit(ctx, s.sink, audit.Event{
		Kind:           audit.KindTallyCorrected,
		Campaign:       def.Key,
		Ref:            entryID,
		Amount:         delta,
		ContributorRef: admin,
		Reason:         reason,
		At:             corr.CreatedAt,
	})
	return corr, nil
}

// CleanLabel trims label, drops control characters and enforces 1..max runes.
func (s *Service) CleanLabel(label string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, label)
	clean = strings.Join(strings.Fields(clean), " ")
	if n := utf8.RuneCountInString(clean); n == 0 || n > s.labelMaxLen {
		return "", fmt.Errorf("%w: length must be 1..%d", campaign.ErrInvalidLabel, s.labelMaxLen)
	}
	return clean, nil
}

func (s *Service) tallyDefinition(key string) (campaign.Definition, error) {
	def, err := s.catalog.Lookup(key)
	if err != nil {
		return def, err
	}
	if def.Kind != campaign.KindTally {
		return def, fmt.Errorf("%w: %s is %s", campaign.ErrWrongKind, def.Key, def.Kind)
	}
	return def, nil
}

// AppendedEvent is the audit record of a new entry.
func AppendedEvent(e campaign.TallyEntry) audit.Event {
	return audit.Event{
		Kind:           audit.KindTallyAppended,
		Campaign:       e.Campaign,
		Ref:            e.ID,
		Amount:         e.Count,
		Channel:        e.Channel,
		ContributorRef: e.ContributorRef,
		Reason:         e.Label,
		At:             e.CreatedAt,
	}
}
