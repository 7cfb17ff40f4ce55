package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	tg "github.com/m3rciful/fundbot/core/telegram"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/ledger"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/settlement"
	"github.com/m3rciful/fundbot/internal/store/memstore"
	"github.com/m3rciful/fundbot/internal/tally"

	tele "gopkg.in/telebot.v4"
)

type sent struct {
	what any
	opts []any
}

type fakeContext struct {
	tele.Context
	sender   *tele.User
	args     []string
	text     string
	callback *tele.Callback
	payment  *tele.Payment
	checkout *tele.PreCheckoutQuery
	values   map[string]any
	sent     []sent
	accepted []string
	accepts  int
}

func newContext(userID int64, args ...string) *fakeContext {
	return &fakeContext{sender: &tele.User{ID: userID}, args: args, values: map[string]any{}}
}

func (f *fakeContext) Sender() *tele.User { return f.sender }
func (f *fakeContext) Chat() *tele.Chat { return &tele.Chat{ID: f.sender.ID} }
func (f *fakeContext) Update() tele.Update { return tele.Update{ID: 7} }
func (f *fakeContext) Args() []string { return f.args }
func (f *fakeContext) Text() string { return f.text }
func (f *fakeContext) Callback() *tele.Callback { return f.callback }
func (f *fakeContext) Payment() *tele.Payment { return f.payment }
func (f *fakeContext) PreCheckoutQuery() *tele.PreCheckoutQuery { return f.checkout }
func (f *fakeContext) Get(k string) any { return f.values[k] }
func (f *fakeContext) Set(k string, v any) { f.values[k] = v }
func (f *fakeContext) Respond(...*tele.CallbackResponse) error { return nil }

func (f *fakeContext) Send(what any, opts ...any) error {
	f.sent = append(f.sent, sent{what: what, opts: opts})
	return nil
}

func (f *fakeContext) EditOrSend(what any, opts ...any) error {
	return f.Send(what, opts...)
}

func (f *fakeContext) Accept(msg ...string) error {
	f.accepts++
	f.accepted = append(f.accepted, msg...)
	return nil
}

func (f *fakeContext) lastText(t *testing.T) string {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	s, ok := f.sent[len(f.sent)-1].what.(string)
	if !ok {
		t.Fatalf("last message is %T, not text", f.sent[len(f.sent)-1].what)
	}
	return s
}

type fixture struct {
	bot    *Bot
	ledger *ledger.Engine
	price  *pricing.Provider
	audit  *audit.Memory
}

const adminID = 1

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := campaign.NewCatalog([]campaign.Definition{
		{Key: "water", Title: "Water wells", Kind: campaign.KindRecurring, Unit: campaign.UnitLiter, DefaultTarget: 100, UnitPrice: 50, CycleLabel: "day"},
		{Key: "winter", Title: "Winter aid", Kind: campaign.KindUnbounded},
		{Key: "iftar", Title: "Iftar", Kind: campaign.KindTally, UnitPrice: 300},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	st := memstore.New()
	rate := campaign.Rate{StarsPerUnit: decimal.NewFromInt(50), Currency: "EUR", MinorPerUnit: 100}
	if err := pricing.Seed(context.Background(), st, cat, pricing.Defaults{Rate: rate}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f := &fixture{audit: &audit.Memory{}}
	f.ledger = ledger.New(st, cat, f.audit)
	f.price = pricing.New(st, cat, f.audit)
	ts := tally.New(st, cat, f.audit, 0)
	pipe := settlement.New(st, f.ledger, ts, f.price, f.audit, settlement.WithIntentTTL(time.Minute))
	f.bot = New(Deps{
		Ledger:     f.ledger,
		Tally:      ts,
		Pricing:    f.price,
		Settlement: pipe,
		IsAdmin:    func(id int64) bool { return id == adminID },
	})
	return f
}

func TestGiveAndPay(t *testing.T) {
	f := newFixture(t)
	c := newContext(42, "water", "3")
	if err := f.bot.handleGive(c); err != nil {
		t.Fatalf("handleGive: %v", err)
	}
	inv, ok := c.sent[0].what.(*tele.Invoice)
	if !ok {
		t.Fatalf("expected invoice, got %T", c.sent[0].what)
	}
	if inv.Currency != settlement.StarsCurrency || len(inv.Prices) != 1 || inv.Prices[0].Amount != 75 {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	if inv.Title != "Water wells, day 1" {
		t.Fatalf("title = %q", inv.Title)
	}

	pay := &tele.Payment{Total: 75, Currency: "XTR", Payload: inv.Payload, TelegramChargeID: "charge-1"}
	pc := newContext(42)
	pc.payment = pay
	if err := f.bot.handlePayment(pc); err != nil {
		t.Fatalf("handlePayment: %v", err)
	}
	if !strings.Contains(pc.lastText(t), "Thank you! 3 liters") {
		t.Fatalf("reply = %q", pc.lastText(t))
	}

	again := newContext(42)
	again.payment = pay
	if err := f.bot.handlePayment(again); err != nil {
		t.Fatalf("replayed handlePayment: %v", err)
	}
	if !strings.Contains(again.lastText(t), "already counted") {
		t.Fatalf("replay reply = %q", again.lastText(t))
	}
	snap, err := f.ledger.GetState(context.Background(), "water")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Cycle.Raised != 3 {
		t.Fatalf("raised = %d, want 3", snap.Cycle.Raised)
	}
}

func TestGiveRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	for _, args := range [][]string{{"water"}, {"water", "0"}, {"ghost", "1"}} {
		c := newContext(42, args...)
		if err := f.bot.handleGive(c); err != nil {
			t.Fatalf("handleGive(%v): %v", args, err)
		}
		if _, ok := c.sent[0].what.(string); !ok {
			t.Fatalf("handleGive(%v) sent %T", args, c.sent[0].what)
		}
	}
}

func TestCheckout(t *testing.T) {
	f := newFixture(t)
	c := newContext(42)
	c.checkout = &tele.PreCheckoutQuery{Currency: "XTR", Payload: "garbage", Total: 10}
	if err := f.bot.handleCheckout(c); err != nil {
		t.Fatalf("handleCheckout: %v", err)
	}
	if c.accepts != 1 || len(c.accepted) != 1 {
		t.Fatalf("bad payload must be declined with a message: %+v", c.accepted)
	}

	payload, err := settlement.NewPayload("winter", 0, 0, campaign.Rate{}, 0).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ok := newContext(42)
	ok.checkout = &tele.PreCheckoutQuery{Currency: "XTR", Payload: payload, Total: 10}
	if err := f.bot.handleCheckout(ok); err != nil {
		t.Fatalf("handleCheckout: %v", err)
	}
	if ok.accepts != 1 || len(ok.accepted) != 0 {
		t.Fatalf("valid payload must be accepted: %+v", ok.accepted)
	}
}

func TestPaidConfirmOnce(t *testing.T) {
	f := newFixture(t)
	c := newContext(42, "winter", "bank", "500")
	if err := f.bot.handlePaid(c); err != nil {
		t.Fatalf("handlePaid: %v", err)
	}
	opts, ok := c.sent[0].opts[0].(*tele.SendOptions)
	if !ok || opts.ReplyMarkup == nil {
		t.Fatalf("expected confirm markup, got %+v", c.sent[0].opts)
	}
	token := opts.ReplyMarkup.InlineKeyboard[0][0].Data

	confirm := func() string {
		cc := newContext(42)
		cc.callback = &tele.Callback{Data: "\f" + cbIntentOK + "|" + token}
		if err := f.bot.onIntentConfirm(cc); err != nil {
			t.Fatalf("onIntentConfirm: %v", err)
		}
		return cc.lastText(t)
	}
	if got := confirm(); !strings.Contains(got, "Thank you") {
		t.Fatalf("first confirm = %q", got)
	}
	if got := confirm(); !strings.Contains(got, "already handled") {
		t.Fatalf("second confirm = %q", got)
	}
	snap, err := f.ledger.GetState(context.Background(), "winter")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Raised != 500 {
		t.Fatalf("raised = %d, want 500", snap.Raised)
	}
}

func TestPaidRejectsStars(t *testing.T) {
	f := newFixture(t)
	c := newContext(42, "winter", "stars", "5")
	if err := f.bot.handlePaid(c); err != nil {
		t.Fatalf("handlePaid: %v", err)
	}
	if got := c.lastText(t); got != userError(campaign.ErrInvalidChannel) {
		t.Fatalf("reply = %q", got)
	}
}

func TestPaidRejectsOversizedAmount(t *testing.T) {
	f := newFixture(t)
	c := newContext(42, "winter", "bank", "1000000000")
	if err := f.bot.handlePaid(c); err != nil {
		t.Fatalf("handlePaid: %v", err)
	}
	if got := c.lastText(t); got != userError(campaign.ErrInvalidAmount) {
		t.Fatalf("reply = %q", got)
	}
	if len(c.sent[0].opts) != 0 {
		t.Fatalf("oversized amount must not offer a confirmation: %+v", c.sent[0].opts)
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	f := newFixture(t)
	reg := tg.NewRegistry()
	if err := f.bot.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var setRate tele.HandlerFunc
	for _, r := range f.bot.Routes(reg) {
		if r.Endpoint == "/setrate" {
			setRate = r.Handler
		}
	}
	if setRate == nil {
		t.Fatal("/setrate route missing")
	}

	user := newContext(42, "60", "EUR")
	if err := setRate(user); err != nil {
		t.Fatalf("setrate as user: %v", err)
	}
	if !strings.Contains(user.lastText(t), "admins only") {
		t.Fatalf("user reply = %q", user.lastText(t))
	}

	admin := newContext(adminID, "60", "eur")
	if err := setRate(admin); err != nil {
		t.Fatalf("setrate as admin: %v", err)
	}
	r, err := f.price.Rate(context.Background())
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if !r.StarsPerUnit.Equal(decimal.NewFromInt(60)) || r.Currency != "EUR" || r.MinorPerUnit != 100 {
		t.Fatalf("rate = %+v", r)
	}
	if len(f.audit.OfKind(audit.KindRateChanged)) != 1 {
		t.Fatal("expected one rate_changed event")
	}
}

func TestSetTargetAndDigest(t *testing.T) {
	f := newFixture(t)
	c := newContext(adminID, "water", "1", "40")
	if err := f.bot.handleSetTarget(c); err != nil {
		t.Fatalf("handleSetTarget: %v", err)
	}
	if !strings.Contains(c.lastText(t), "water#1") {
		t.Fatalf("reply = %q", c.lastText(t))
	}
	d := newContext(adminID)
	if err := f.bot.handleDigest(d); err != nil {
		t.Fatalf("handleDigest: %v", err)
	}
	text := d.lastText(t)
	for _, want := range []string{"Digest", "Day 1: 0 liters of 40 liters (0%)", "Winter aid", "Raised: 0.00 EUR", "Total: 0 persons"} {
		if !strings.Contains(text, want) {
			t.Fatalf("digest missing %q:\n%s", want, text)
		}
	}
}

func TestTallyAddAndFix(t *testing.T) {
	f := newFixture(t)
	add := newContext(adminID, "iftar", "bank", "5", "Ali", "family")
	if err := f.bot.handleTallyAdd(add); err != nil {
		t.Fatalf("handleTallyAdd: %v", err)
	}
	entries, err := f.bot.deps.Tally.List(context.Background(), "iftar")
	if err != nil || len(entries) != 1 || entries[0].Label != "Ali family" {
		t.Fatalf("entries = %+v, %v", entries, err)
	}
	fix := newContext(adminID, "iftar", entries[0].ID, "-2", "double", "count")
	if err := f.bot.handleTallyFix(fix); err != nil {
		t.Fatalf("handleTallyFix: %v", err)
	}
	total, err := f.bot.deps.Tally.Total(context.Background(), "iftar")
	if err != nil || total != 3 {
		t.Fatalf("total = %d, %v", total, err)
	}
}

type fakePoster struct {
	to []string
}

func (p *fakePoster) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	p.to = append(p.to, to.Recipient())
	return &tele.Message{}, nil
}

func TestAdminNotifier(t *testing.T) {
	n := NewAdminNotifier([]int64{1, 2}, audit.KindRejected)
	ev := audit.Event{Kind: audit.KindRejected, Campaign: "water", Reason: "rejected_malformed: bad"}
	if err := n.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish before attach: %v", err)
	}
	p := &fakePoster{}
	n.Attach(p)
	if err := n.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := n.Publish(context.Background(), audit.Event{Kind: audit.KindCredit}); err != nil {
		t.Fatalf("Publish filtered: %v", err)
	}
	if len(p.to) != 2 || p.to[0] != "1" || p.to[1] != "2" {
		t.Fatalf("recipients = %v", p.to)
	}
}
