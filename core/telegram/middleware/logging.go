package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// recentUpdates keeps a short-lived set of processed update IDs to avoid double logging.
var (
	recentMu     sync.Mutex
	recentUpdate = make(map[int]time.Time)
	keepFor      = 10 * time.Second
)

func alreadyLogged(updateID int) bool {
	now := time.Now()
	recentMu.Lock()
	defer recentMu.Unlock()
	for id, ts := range recentUpdate {
		if now.Sub(ts) > keepFor {
			delete(recentUpdate, id)
		}
	}
	if _, ok := recentUpdate[updateID]; ok {
		return true
	}
	recentUpdate[updateID] = now
	return false
}

// LoggerMiddleware sets the request id and logs a single receipt line per update.
// Payment updates are always logged; everything else is debug-sampled.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		user := c.Sender()
		chat := c.Chat()

		var chatID, userID int64
		if chat != nil {
			chatID = chat.ID
		}
		if user != nil {
			userID = user.ID
		}
		rid := logger.BuildRID(upd.ID, chatID, userID)
		c.Set("rid", rid)

		ctx := logger.WithRID(logger.Background(), rid)
		ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
		ctx = logger.WithLogger(ctx, logger.Component(logger.CompTG))
		tghelpers.StoreContext(c, ctx)

		kind := UpdateKind(upd)
		if alreadyLogged(upd.ID) {
			return next(c)
		}
		attrs := []slog.Attr{slog.String("status", "ok"), slog.String("kind", kind)}
		switch {
		case upd.PreCheckoutQuery != nil:
			attrs = append(attrs, slog.Int("amount", upd.PreCheckoutQuery.Total))
			logger.Info(ctx, logger.CompTG, "update.received", attrs...)
			return next(c)
		case upd.Message != nil && upd.Message.Payment != nil:
			attrs = append(attrs, slog.Int("amount", upd.Message.Payment.Total))
			logger.Info(ctx, logger.CompTG, "update.received", attrs...)
			return next(c)
		}
		if !logger.ShouldSampleDebug() {
			return next(c)
		}
		if user != nil && user.Username != "" {
			attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
		}
		switch {
		case upd.Callback != nil:
			key, payload := callbacks.ParseCallbackData(upd.Callback)
			if key != "" {
				attrs = append(attrs, slog.String("cb_key", logger.SanitizeLimit(key, 128)))
			}
			if payload != "" {
				attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(payload, 256)))
			}
		case upd.Message != nil:
			if t := c.Text(); t != "" {
				attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
			}
		}
		logger.Debug(ctx, logger.CompTG, "update.received", attrs...)
		return next(c)
	}
}
