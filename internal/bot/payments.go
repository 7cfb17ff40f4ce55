package bot

import (
	"log/slog"

	"github.com/m3rciful/fundbot/core/logger"
	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"
	"github.com/m3rciful/fundbot/internal/settlement"

	tele "gopkg.in/telebot.v4"
)

// handleCheckout answers the pre-checkout query. Payloads that could never
// settle are declined so the contributor is not charged.
func (b *Bot) handleCheckout(c tele.Context) error {
	q := c.PreCheckoutQuery()
	if q == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	pl, err := settlement.DecodePayload(q.Payload)
	if err == nil {
		_, err = b.deps.Ledger.Catalog().Lookup(pl.Campaign)
	}
	if err == nil && q.Currency != settlement.StarsCurrency {
		err = settlement.ErrMalformed
	}
	if err != nil {
		logger.Warn(ctx, logger.CompSettlement, "checkout.declined",
			slog.String("status", "skip"),
			slog.Int("raw_amount", q.Total),
			logger.Err(err),
		)
		return c.Accept(userError(err))
	}
	return c.Accept()
}

// handlePayment settles a successful Stars payment. Telegram may deliver the
// same payment more than once; the charge id keeps it idempotent.
func (b *Bot) handlePayment(c tele.Context) error {
	pay := c.Payment()
	if pay == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	out, err := b.deps.Settlement.SettleDigital(ctx, settlement.DigitalPayment{
		ChargeID:       pay.TelegramChargeID,
		ContributorRef: ContributorRef(c.Sender()),
		Payload:        pay.Payload,
		Stars:          int64(pay.Total),
		Currency:       pay.Currency,
	})
	if err != nil && !out.Status.Rejected() {
		return b.replyError(c, err)
	}
	def, _ := b.deps.Ledger.Catalog().Lookup(out.Campaign)
	return tghelpers.SendHTML(c, renderOutcome(def, out))
}
