package router

import (
	"time"

	tg "github.com/m3rciful/fundbot/core/telegram"

	tele "gopkg.in/telebot.v4"
)

// TextOptions controls fallback behaviour for text updates.
type TextOptions struct {
	UnknownText tele.HandlerFunc
}

// TextRoute resolves plain text to commands or aliases, then to the registry
// fallback and finally to opts.UnknownText.
func TextRoute(reg *tg.Registry, opts TextOptions) tg.Route {
	handler := func(c tele.Context) error {
		start := time.Now()
		if reg != nil {
			if key, cmd, ok := reg.LookupCommand(c.Text()); ok && cmd.Handler != nil && !cmd.AdminOnly {
				return handleWithSummary(c, normalizeHandlerName(key), start, "", "", func() error {
					return cmd.Handler(c)
				})
			}
			if fb := reg.TextFallback(); fb != nil {
				return handleWithSummary(c, "fallback", start, "", "", func() error { return fb(c) })
			}
		}
		if opts.UnknownText != nil {
			return handleWithSummary(c, "unknown_text", start, "", "", func() error {
				return opts.UnknownText(c)
			})
		}
		logHandlerSummary(c, "unknown_text", start, "skip", "ok", nil)
		return nil
	}
	return tg.Route{Endpoint: tele.OnText, Handler: handler}
}

// PaymentRoutes binds the pre-checkout and successful payment handlers.
func PaymentRoutes(onCheckout, onPayment tele.HandlerFunc) []tg.Route {
	return []tg.Route{
		{
			Endpoint: tele.OnCheckout,
			Handler: func(c tele.Context) error {
				return handleWithSummary(c, "checkout", time.Now(), "", "", func() error { return onCheckout(c) })
			},
		},
		{
			Endpoint: tele.OnPayment,
			Handler: func(c tele.Context) error {
				return handleWithSummary(c, "payment", time.Now(), "", "", func() error { return onPayment(c) })
			},
		},
	}
}
