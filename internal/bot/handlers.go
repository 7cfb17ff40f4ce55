package bot

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/core/telegram/callbacks"
	"github.com/m3rciful/fundbot/core/telegram/format"
	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"
	"github.com/m3rciful/fundbot/core/telegram/keyboard"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/settlement"

	tele "gopkg.in/telebot.v4"
)

const welcomeText = "Welcome! This bot collects support for our campaigns.\n" +
	"Pay with Telegram Stars using /give, or report a bank, card, crypto or e-wallet transfer with /paid."

func (b *Bot) handleStart(c tele.Context) error {
	markup := keyboard.InlineButtonsRows(
		[]keyboard.InlineBtn{{Text: "📋 View campaigns", Unique: cbCampaigns}},
		[]keyboard.InlineBtn{{Text: "💱 Display currency", Unique: cbCurrency}},
	)
	return tghelpers.SendHTML(c, welcomeText, markup)
}

// rate returns the active rate or a zero rate when none is set.
func (b *Bot) rate(c tele.Context) (campaign.Rate, error) {
	r, err := b.deps.Pricing.Rate(tghelpers.BuildContext(c))
	if errors.Is(err, pricing.ErrRateUnset) {
		return campaign.Rate{}, nil
	}
	return r, err
}

func (b *Bot) campaignsMarkup() *tele.ReplyMarkup {
	defs := b.deps.Ledger.Catalog().List()
	btns := make([]keyboard.InlineBtn, 0, len(defs))
	for _, d := range defs {
		btns = append(btns, keyboard.InlineBtn{Text: d.Title, Unique: cbCampaign, Data: d.Key})
	}
	return keyboard.InlineButtonsNPerRow(btns, 2)
}

func (b *Bot) overviewText(c tele.Context) (string, error) {
	ctx := tghelpers.BuildContext(c)
	snaps, err := b.deps.Ledger.Overview(ctx)
	if err != nil {
		return "", err
	}
	r, err := b.rate(c)
	if err != nil {
		return "", err
	}
	return renderOverview(snaps, r), nil
}

func (b *Bot) handleCampaigns(c tele.Context) error {
	text, err := b.overviewText(c)
	if err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendHTML(c, text, b.campaignsMarkup())
}

func (b *Bot) onCampaignsCallback(c tele.Context) error {
	_ = c.Respond()
	text, err := b.overviewText(c)
	if err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.EditOrSendHTML(c, text, b.campaignsMarkup())
}

func (b *Bot) onCampaignCallback(c tele.Context) error {
	_ = c.Respond()
	key := callbacks.CallbackPayload(c)
	ctx := tghelpers.BuildContext(c)
	snap, err := b.deps.Ledger.GetState(ctx, key)
	if err != nil {
		return b.replyError(c, err)
	}
	r, err := b.rate(c)
	if err != nil {
		return b.replyError(c, err)
	}
	rows := [][]keyboard.InlineBtn{}
	if snap.Definition.Accepts(campaign.ChannelStars) && !snap.Completed && r.Valid() {
		var row []keyboard.InlineBtn
		for _, q := range []int64{1, 5, 10} {
			row = append(row, keyboard.InlineBtn{
				Text:   "⭐ " + format.Quantity(q, string(snap.Definition.Unit)),
				Unique: cbGive,
				Data:   snap.Definition.Key + " " + strconv.FormatInt(q, 10),
			})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []keyboard.InlineBtn{{Text: "⬅️ All campaigns", Unique: cbCampaigns}})
	return tghelpers.EditOrSendHTML(c, renderSnapshot(snap, r), keyboard.InlineButtonsRows(rows...))
}

func (b *Bot) handleCurrency(c tele.Context) error {
	r, err := b.rate(c)
	if err != nil {
		return b.replyError(c, err)
	}
	return tghelpers.SendHTML(c, renderRate(r))
}

func (b *Bot) onCurrencyCallback(c tele.Context) error {
	_ = c.Respond()
	return b.handleCurrency(c)
}

func (b *Bot) handleGive(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return tghelpers.SendText(c, "Usage: /give <campaign> <quantity>")
	}
	return b.sendInvoice(c, args[0], args[1])
}

func (b *Bot) onGiveCallback(c tele.Context) error {
	_ = c.Respond()
	args := callbacks.Args(callbacks.CallbackPayload(c))
	if len(args) != 2 {
		return tghelpers.SendText(c, "This button has expired.")
	}
	return b.sendInvoice(c, args[0], args[1])
}

func (b *Bot) sendInvoice(c tele.Context, key, rawQty string) error {
	qty, err := parseQuantity(rawQty)
	if err != nil || qty > giveMaxQty {
		return tghelpers.SendText(c, userError(campaign.ErrInvalidAmount))
	}
	ctx := tghelpers.BuildContext(c)
	inv, err := b.deps.Settlement.CreateInvoice(ctx, ContributorRef(c.Sender()), key, qty)
	if err != nil {
		return b.replyError(c, err)
	}
	def := inv.Definition
	title := def.Title
	if inv.Cycle > 0 {
		title = fmt.Sprintf("%s, %s %d", def.Title, def.CycleLabel, inv.Cycle)
	}
	return tghelpers.SendInvoice(c, &tele.Invoice{
		Title:       title,
		Description: quoteDescription(def, inv.Quote),
		Payload:     inv.Payload,
		Currency:    settlement.StarsCurrency,
		Prices:      []tele.Price{{Label: format.Quantity(qty, string(def.Unit)), Amount: int(inv.Quote.Stars)}},
	})
}

func (b *Bot) handlePaid(c tele.Context) error {
	args := c.Args()
	if len(args) < 3 {
		return tghelpers.SendText(c, "Usage: /paid <campaign> <channel> <amount> [name]\nChannels: "+manualChannels())
	}
	ch, err := campaign.ParseChannel(args[1])
	if err != nil {
		return b.replyError(c, err)
	}
	amount, err := parseQuantity(args[2])
	if err != nil || amount > paidMaxAmount {
		return b.replyError(c, campaign.ErrInvalidAmount)
	}
	in, err := b.deps.Settlement.BeginManualTransfer(tghelpers.BuildContext(c), settlement.ManualTransfer{
		ContributorRef: ContributorRef(c.Sender()),
		Campaign:       args[0],
		Channel:        ch,
		Amount:         amount,
		Label:          strings.Join(args[3:], " "),
	})
	if err != nil {
		return b.replyError(c, err)
	}
	def, _ := b.deps.Ledger.Catalog().Lookup(in.Campaign)
	text := fmt.Sprintf("Please confirm: %s to <b>%s</b> via %s.",
		format.Quantity(in.Amount, string(def.Unit)), format.Escape(def.Title), format.Escape(string(in.Channel)))
	if in.Label != "" {
		text += "\nName: " + format.Escape(in.Label)
	}
	return tghelpers.SendHTML(c, text, keyboard.ConfirmCancelMarkup(cbIntentOK, cbIntentNo, in.Token))
}

func manualChannels() string {
	var names []string
	for _, ch := range campaign.Channels() {
		if ch.Manual() {
			names = append(names, string(ch))
		}
	}
	return strings.Join(names, ", ")
}

func (b *Bot) onIntentConfirm(c tele.Context) error {
	_ = c.Respond()
	ctx := tghelpers.BuildContext(c)
	out, err := b.deps.Settlement.ConfirmManualTransfer(ctx, callbacks.CallbackPayload(c), ContributorRef(c.Sender()))
	if err != nil {
		if out.Status.Rejected() {
			return tghelpers.EditOrSendHTML(c, userError(err))
		}
		return b.replyError(c, err)
	}
	def, _ := b.deps.Ledger.Catalog().Lookup(out.Campaign)
	return tghelpers.EditOrSendHTML(c, renderOutcome(def, out))
}

func (b *Bot) onIntentCancel(c tele.Context) error {
	_ = c.Respond()
	err := b.deps.Settlement.CancelManualTransfer(tghelpers.BuildContext(c), callbacks.CallbackPayload(c), ContributorRef(c.Sender()))
	if err != nil && !errors.Is(err, settlement.ErrIntentConsumed) {
		return b.replyError(c, err)
	}
	return tghelpers.EditOrSendHTML(c, "Cancelled.")
}

func (b *Bot) handleUnknownText(c tele.Context) error {
	return tghelpers.SendText(c, "Use /campaigns to see campaigns or /give to support one.")
}

// replyError answers with a user-facing message and logs unexpected failures.
func (b *Bot) replyError(c tele.Context, err error) error {
	msg := userError(err)
	if msg == genericError {
		logger.Error(tghelpers.BuildContext(c), logger.CompTG, "handler.failed",
			slog.String("handler", logger.HandlerFrom(tghelpers.BuildContext(c))),
			logger.Err(err),
		)
	}
	return tghelpers.SendText(c, msg)
}
