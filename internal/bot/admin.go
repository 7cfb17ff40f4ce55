package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/m3rciful/fundbot/core/telegram/format"
	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/settlement"

	tele "gopkg.in/telebot.v4"
)

func adminRef(c tele.Context) string {
	return "admin:" + strings.TrimPrefix(ContributorRef(c.Sender()), "tg:")
}

func (b *Bot) handleSetTarget(c tele.Context) error {
	args := c.Args()
	if len(args) != 3 {
		return tghelpers.SendText(c, "Usage: /settarget <campaign> <cycle> <target>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return b.replyError(c, campaign.ErrUnknownCycle)
	}
	target, err := parseQuantity(args[2])
	if err != nil {
		return b.replyError(c, campaign.ErrInvalidAmount)
	}
	res, err := b.deps.Ledger.SetTarget(tghelpers.BuildContext(c), args[0], n, target)
	if err != nil {
		return b.replyError(c, err)
	}
	text := fmt.Sprintf("Target of %s set to %s.", campaign.CycleRef(res.Campaign, n), format.Count(target))
	if len(res.Closed) > 0 {
		text += fmt.Sprintf(" Closed %d cycle(s); open cycle is now %d.", len(res.Closed), res.Current.Number)
	}
	return tghelpers.SendText(c, text)
}

func (b *Bot) handleSetRate(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 || len(args) > 3 {
		return tghelpers.SendText(c, "Usage: /setrate <stars_per_unit> <currency> [minor_per_unit]")
	}
	stars, err := decimal.NewFromString(args[0])
	if err != nil {
		return tghelpers.SendText(c, "Rate must be a number, e.g. 52.5")
	}
	minor := int64(100)
	if len(args) == 3 {
		if minor, err = parseQuantity(args[2]); err != nil {
			return tghelpers.SendText(c, "minor_per_unit must be a positive whole number")
		}
	}
	r := campaign.Rate{StarsPerUnit: stars, Currency: strings.ToUpper(args[1]), MinorPerUnit: minor}
	if err := b.deps.Pricing.SetRate(tghelpers.BuildContext(c), r); err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendHTML(c, "Rate updated.\n"+renderRate(r))
}

func (b *Bot) handleSetPrice(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return tghelpers.SendText(c, "Usage: /setprice <campaign> <minor_units>")
	}
	price, err := parseQuantity(args[1])
	if err != nil {
		return b.replyError(c, campaign.ErrInvalidAmount)
	}
	if err := b.deps.Pricing.SetUnitPrice(tghelpers.BuildContext(c), args[0], price); err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("Unit price of %s set to %s.", strings.ToLower(args[0]), format.Count(price)))
}

func (b *Bot) handleDigest(c tele.Context) error {
	text, err := b.overviewText(c)
	if err != nil {
		return b.replyError(c, err)
	}
	header := fmt.Sprintf("<b>Digest</b> · %s UTC\n\n", b.deps.Ledger.Now().Format(time.DateTime))
	return tghelpers.SendHTML(c, header+text)
}

func (b *Bot) handleCredit(c tele.Context) error {
	args := c.Args()
	if len(args) < 5 {
		return tghelpers.SendText(c, "Usage: /credit <contributor> <campaign> <channel> <amount> <reference> [name]")
	}
	ch, err := campaign.ParseChannel(args[2])
	if err != nil {
		return b.replyError(c, err)
	}
	amount, err := parseQuantity(args[3])
	if err != nil {
		return b.replyError(c, campaign.ErrInvalidAmount)
	}
	out, err := b.deps.Settlement.MarkManualTransfer(tghelpers.BuildContext(c), settlement.ManualTransfer{
		ContributorRef: args[0],
		Campaign:       args[1],
		Channel:        ch,
		Amount:         amount,
		Nonce:          args[4],
		Label:          strings.Join(args[5:], " "),
	})
	if err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("%s: %s (%s)", out.Status, out.AppliedTo, out.SettlementKey))
}

func (b *Bot) handleEntries(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return tghelpers.SendText(c, "Usage: /entries <campaign>")
	}
	entries, err := b.deps.Tally.List(tghelpers.BuildContext(c), args[0])
	if err != nil {
		return b.replyError(c, err)
	}
	if len(entries) == 0 {
		return tghelpers.SendText(c, "No entries yet.")
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "<code>%s</code> %s × %s (%s)\n", e.ID, format.Escape(e.Label), format.Count(e.Count), e.Channel)
	}
	return tghelpers.SendHTML(c, sb.String())
}

func (b *Bot) handleTallyAdd(c tele.Context) error {
	args := c.Args()
	if len(args) < 4 {
		return tghelpers.SendText(c, "Usage: /tallyadd <campaign> <channel> <count> <name>")
	}
	ch, err := campaign.ParseChannel(args[1])
	if err != nil {
		return b.replyError(c, err)
	}
	count, err := parseQuantity(args[2])
	if err != nil {
		return b.replyError(c, campaign.ErrInvalidAmount)
	}
	e, err := b.deps.Settlement.AppendTally(tghelpers.BuildContext(c), adminRef(c), args[0], strings.Join(args[3:], " "), count, ch)
	if err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendHTML(c, fmt.Sprintf("Added entry <code>%s</code>.", e.ID))
}

func (b *Bot) handleTallyFix(c tele.Context) error {
	args := c.Args()
	if len(args) < 4 {
		return tghelpers.SendText(c, "Usage: /tallyfix <campaign> <entry_id> <delta> <reason>")
	}
	if _, err := uuid.Parse(args[1]); err != nil {
		return tghelpers.SendText(c, "Entry id must come from /entries.")
	}
	delta, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || delta == 0 {
		return b.replyError(c, campaign.ErrInvalidAmount)
	}
	corr, err := b.deps.Tally.Correct(tghelpers.BuildContext(c), adminRef(c), args[0], args[1], delta, strings.Join(args[3:], " "))
	if err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("Correction %s recorded: %+d.", corr.ID, corr.Delta))
}
