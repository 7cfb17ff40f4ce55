package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/m3rciful/fundbot/core/telegram/format"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/ledger"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/settlement"
)

// amount renders n in the campaign's native unit. Minor units are shown as
// money when a rate is known.
func amount(def campaign.Definition, n int64, rate campaign.Rate) string {
	if def.Unit == campaign.UnitMinor && rate.Valid() {
		return format.Money(n, rate.MinorPerUnit, rate.Currency)
	}
	return format.Quantity(n, string(def.Unit))
}

func renderSnapshot(s ledger.Snapshot, rate campaign.Rate) string {
	def := s.Definition
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", format.Escape(def.Title))
	switch def.Kind {
	case campaign.KindRecurring:
		c := s.Cycle
		if s.Completed {
			fmt.Fprintf(&b, "Completed after %s %d.", format.Escape(def.CycleLabel), c.Number)
			return b.String()
		}
		fmt.Fprintf(&b, "%s %d: %s of %s (%s)\n",
			capitalize(def.CycleLabel), c.Number,
			amount(def, c.Raised, rate), amount(def, c.Target, rate), format.Percent(c.Raised, c.Target))
		fmt.Fprintf(&b, "Remaining: %s", amount(def, s.Remaining, rate))
	case campaign.KindUnbounded:
		fmt.Fprintf(&b, "Raised: %s", amount(def, s.Raised, rate))
	case campaign.KindTally:
		fmt.Fprintf(&b, "Total: %s", amount(def, s.Raised, rate))
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func renderOverview(snaps []ledger.Snapshot, rate campaign.Rate) string {
	if len(snaps) == 0 {
		return "No campaigns yet."
	}
	parts := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parts = append(parts, renderSnapshot(s, rate))
	}
	return strings.Join(parts, "\n\n")
}

func renderRate(r campaign.Rate) string {
	if !r.Valid() {
		return "No exchange rate is set yet."
	}
	return fmt.Sprintf("Display currency: <b>%s</b>\n1 %s = %s ⭐",
		format.Escape(r.Currency), format.Escape(r.Currency), r.StarsPerUnit.String())
}

// quoteDescription is plain text; invoices do not support parse modes.
func quoteDescription(def campaign.Definition, q pricing.Quote) string {
	return fmt.Sprintf("%s for %s: %s ⭐ (%s)",
		format.Quantity(q.Quantity, string(def.Unit)), def.Title,
		format.Count(q.Stars), format.Money(q.Minor, q.Rate.MinorPerUnit, q.Rate.Currency))
}

func renderOutcome(def campaign.Definition, out settlement.Outcome) string {
	switch out.Status {
	case settlement.StatusAlreadyApplied:
		return "This payment was already counted. Thank you!"
	case settlement.StatusApplied:
	default:
		return "We could not apply this contribution."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you! %s added to <b>%s</b>.", format.Quantity(out.Amount, string(def.Unit)), format.Escape(def.Title))
	if n := len(out.Credit.Closed); n > 0 {
		fmt.Fprintf(&b, "\nYou completed %s %d", format.Escape(def.CycleLabel), out.Credit.Closed[n-1].Number)
		if n > 1 {
			fmt.Fprintf(&b, " and %d more", n-1)
		}
		b.WriteString("!")
	}
	if out.Credit.Undistributed > 0 {
		fmt.Fprintf(&b, "\nThe campaign is complete; %s could not be assigned and will be reviewed.",
			format.Quantity(out.Credit.Undistributed, string(def.Unit)))
	}
	return b.String()
}

func renderEvent(ev audit.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📒 <b>%s</b>", format.Escape(string(ev.Kind)))
	if ev.Campaign != "" {
		fmt.Fprintf(&b, " · %s", format.Escape(ev.Campaign))
	}
	if ev.Ref != "" && ev.Ref != ev.Campaign {
		fmt.Fprintf(&b, " · %s", format.Escape(ev.Ref))
	}
	if ev.Amount != 0 {
		fmt.Fprintf(&b, "\namount: %s", format.Count(ev.Amount))
	}
	if ev.Channel != "" {
		fmt.Fprintf(&b, "\nchannel: %s", format.Escape(string(ev.Channel)))
	}
	if ev.ContributorRef != "" {
		fmt.Fprintf(&b, "\nby: %s", format.Escape(ev.ContributorRef))
	}
	if ev.SettlementKey != "" {
		fmt.Fprintf(&b, "\nkey: <code>%s</code>", format.Escape(ev.SettlementKey))
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nnote: %s", format.Escape(ev.Reason))
	}
	return b.String()
}

const genericError = "Something went wrong. Please try again later."

// userError maps domain errors onto replies. Unknown errors get a generic text.
func userError(err error) string {
	switch {
	case errors.Is(err, campaign.ErrUnknownCampaign):
		return "Unknown campaign. Use /campaigns to see the list."
	case errors.Is(err, campaign.ErrInvalidAmount):
		return "The amount must be a positive whole number."
	case errors.Is(err, campaign.ErrInvalidChannel):
		return "This campaign does not accept that payment channel."
	case errors.Is(err, campaign.ErrInvalidLabel):
		return "Please add a short name for the contribution."
	case errors.Is(err, campaign.ErrCycleClosed):
		return "This campaign is already complete."
	case errors.Is(err, campaign.ErrUnknownCycle):
		return "That cycle does not exist."
	case errors.Is(err, campaign.ErrWrongKind):
		return "That operation does not apply to this campaign."
	case errors.Is(err, pricing.ErrRateUnset):
		return "Payments are not open yet: no exchange rate is set."
	case errors.Is(err, pricing.ErrInvalidRate), errors.Is(err, pricing.ErrInvalidPrice):
		return "The value must be positive."
	case errors.Is(err, settlement.ErrIntentConsumed):
		return "This request was already handled or has expired."
	}
	return genericError
}
