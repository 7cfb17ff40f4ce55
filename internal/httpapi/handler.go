package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/ledger"
	"github.com/m3rciful/fundbot/internal/store"
)

type cycleDTO struct {
	Number    int        `json:"number"`
	Target    int64      `json:"target"`
	Raised    int64      `json:"raised"`
	Remaining int64      `json:"remaining"`
	Open      bool       `json:"open"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type campaignDTO struct {
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Kind      string    `json:"kind"`
	Unit      string    `json:"unit"`
	Cycle     *cycleDTO `json:"cycle,omitempty"`
	Raised    int64     `json:"raised"`
	Completed bool      `json:"completed,omitempty"`
}

type tallyEntryDTO struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Count     int64     `json:"count"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

type tallyDTO struct {
	Campaign string          `json:"campaign"`
	Total    int64           `json:"total"`
	Entries  []tallyEntryDTO `json:"entries"`
}

func newCycleDTO(c campaign.Cycle) *cycleDTO {
	dto := &cycleDTO{
		Number:    c.Number,
		Target:    c.Target,
		Raised:    c.Raised,
		Remaining: c.Remaining(),
		Open:      c.Open,
		ClosedAt:  c.ClosedAt,
	}
	if !c.OpenedAt.IsZero() {
		opened := c.OpenedAt.UTC()
		dto.OpenedAt = &opened
	}
	return dto
}

func newCampaignDTO(s ledger.Snapshot) campaignDTO {
	dto := campaignDTO{
		Key:       s.Definition.Key,
		Title:     s.Definition.Title,
		Kind:      string(s.Definition.Kind),
		Unit:      string(s.Definition.Unit),
		Raised:    s.Raised,
		Completed: s.Completed,
	}
	if s.Definition.Kind == campaign.KindRecurring {
		dto.Cycle = newCycleDTO(s.Cycle)
		dto.Raised = s.Cycle.Raised
	}
	return dto
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ready.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, "ready", nil)
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.ledger.Overview(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]campaignDTO, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, newCampaignDTO(s))
	}
	writeSuccess(w, http.StatusOK, "", out)
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.GetState(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", newCampaignDTO(snap))
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.ledger.Cycles(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]*cycleDTO, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, newCycleDTO(c))
	}
	writeSuccess(w, http.StatusOK, "", out)
}

func (h *Handler) listTally(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entries, err := h.tally.List(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	total, err := h.tally.Total(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := tallyDTO{Campaign: key, Total: total, Entries: make([]tallyEntryDTO, 0, len(entries))}
	for _, e := range entries {
		out.Campaign = e.Campaign
		out.Entries = append(out.Entries, tallyEntryDTO{
			ID:        e.ID,
			Label:     e.Label,
			Count:     e.Count,
			Channel:   string(e.Channel),
			CreatedAt: e.CreatedAt.UTC(),
		})
	}
	writeSuccess(w, http.StatusOK, "", out)
}

func mapDomainError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, campaign.ErrUnknownCampaign), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, campaign.ErrWrongKind):
		return http.StatusBadRequest, "wrong_kind"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	writeError(w, status, code, err.Error())
}
