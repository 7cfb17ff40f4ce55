// Package bot is the Telegram front end of the funding ledger: it lists
// campaigns, sells Stars invoices, records self-reported transfers and serves
// admin commands.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tg "github.com/m3rciful/fundbot/core/telegram"
	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"
	"github.com/m3rciful/fundbot/core/telegram/router"
	"github.com/m3rciful/fundbot/internal/ledger"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/settlement"
	"github.com/m3rciful/fundbot/internal/tally"

	tele "gopkg.in/telebot.v4"
)

// Callback unique keys.
const (
	cbCampaigns   = "campaigns"
	cbCampaign    = "campaign"
	cbGive        = "give"
	cbCurrency    = "currency"
	cbIntentOK    = "intent_ok"
	cbIntentNo    = "intent_no"
	giveMaxQty    = 10000
	paidMaxAmount = 1000000
	janitorFloor  = time.Second
)

// Deps are the services the bot front end drives.
type Deps struct {
	Ledger     *ledger.Engine
	Tally      *tally.Service
	Pricing    *pricing.Provider
	Settlement *settlement.Pipeline
	// IsAdmin reports whether a Telegram user may run admin commands.
	IsAdmin func(userID int64) bool
	// Notifier forwards audit events to admin chats once the bot is running.
	Notifier *AdminNotifier
	// JanitorInterval enables the pending intent janitor when positive.
	JanitorInterval time.Duration
}

// Bot wires Telegram updates to the ledger services.
type Bot struct {
	deps Deps
}

// New builds the front end.
func New(d Deps) *Bot {
	return &Bot{deps: d}
}

// ContributorRef is the opaque contributor reference of a Telegram user.
func ContributorRef(u *tele.User) string {
	if u == nil {
		return ""
	}
	return "tg:" + strconv.FormatInt(u.ID, 10)
}

// Register adds the bot's commands and callbacks to reg.
func (b *Bot) Register(reg *tg.Registry) error {
	commands := map[string]tg.Command{
		"/start":     {Handler: b.handleStart, Description: "Welcome and campaign list"},
		"/campaigns": {Handler: b.handleCampaigns, Description: "Show campaign progress", Aliases: []string{"campaigns"}},
		"/currency":  {Handler: b.handleCurrency, Description: "Show the display currency and rate"},
		"/give":      {Handler: b.handleGive, Description: "Support a campaign with Stars", Usage: "<campaign> <quantity>"},
		"/paid":      {Handler: b.handlePaid, Description: "Report a bank, card, crypto or e-wallet transfer", Usage: "<campaign> <channel> <amount> [name]"},

		"/settarget": {Handler: b.handleSetTarget, Description: "Change a cycle target", Usage: "<campaign> <cycle> <target>", AdminOnly: true},
		"/setrate":   {Handler: b.handleSetRate, Description: "Set the Stars exchange rate", Usage: "<stars_per_unit> <currency> [minor_per_unit]", AdminOnly: true},
		"/setprice":  {Handler: b.handleSetPrice, Description: "Set a campaign unit price", Usage: "<campaign> <minor_units>", AdminOnly: true},
		"/digest":    {Handler: b.handleDigest, Description: "Campaign digest", AdminOnly: true},
		"/credit":    {Handler: b.handleCredit, Description: "Record a verified transfer", Usage: "<contributor> <campaign> <channel> <amount> <reference> [name]", AdminOnly: true},
		"/entries":   {Handler: b.handleEntries, Description: "List tally entries", Usage: "<campaign>", AdminOnly: true},
		"/tallyadd":  {Handler: b.handleTallyAdd, Description: "Append a tally entry", Usage: "<campaign> <channel> <count> <name>", AdminOnly: true},
		"/tallyfix":  {Handler: b.handleTallyFix, Description: "Correct a tally total", Usage: "<campaign> <entry_id> <delta> <reason>", AdminOnly: true},
	}
	for name, cmd := range commands {
		if err := reg.RegisterCommand(name, cmd); err != nil {
			return err
		}
	}
	callbacks := map[string]tele.HandlerFunc{
		cbCampaigns: b.onCampaignsCallback,
		cbCampaign:  b.onCampaignCallback,
		cbGive:      b.onGiveCallback,
		cbCurrency:  b.onCurrencyCallback,
		cbIntentOK:  b.onIntentConfirm,
		cbIntentNo:  b.onIntentCancel,
	}
	for key, h := range callbacks {
		if err := reg.RegisterCallback(key, h); err != nil {
			return err
		}
	}
	return nil
}

// Routes returns the update routes for commands, callbacks, text and payments.
func (b *Bot) Routes(reg *tg.Registry) []tg.Route {
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		IsAdmin: b.deps.IsAdmin,
		OnAdminReject: func(c tele.Context) error {
			return tghelpers.SendText(c, "This command is for admins only.")
		},
	})
	routes = append(routes,
		router.CallbackRoute(reg, router.CallbackOptions{}),
		router.TextRoute(reg, router.TextOptions{UnknownText: b.handleUnknownText}),
	)
	return append(routes, router.PaymentRoutes(b.handleCheckout, b.handlePayment)...)
}

// OnStart attaches the admin notifier and starts the intent janitor.
func (b *Bot) OnStart(ctx context.Context, rt tg.Runtime) error {
	if b.deps.Notifier != nil {
		b.deps.Notifier.Attach(rt.Bot)
	}
	if b.deps.JanitorInterval >= janitorFloor {
		go b.deps.Settlement.RunIntentJanitor(ctx, b.deps.JanitorInterval)
	}
	return nil
}

// OnStop detaches the admin notifier so late events are not sent.
func (b *Bot) OnStop(context.Context, tg.Runtime) error {
	if b.deps.Notifier != nil {
		b.deps.Notifier.Attach(nil)
	}
	return nil
}

func parseQuantity(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	return n, nil
}
