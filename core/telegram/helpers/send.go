package helpers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher wires the asynchronous sender used by helper functions.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

func sendAsync(c tele.Context, action string, run func() error) error {
	disp := globalDispatcher.Load()
	if disp == nil {
		return run()
	}

	ctx := BuildContext(c)
	if err := disp.Enqueue(ctx, action, run); err != nil {
		if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
			logger.Warn(ctx, logger.CompTGSender, "queue.fallback",
				slog.String("action", action),
				logger.Err(err),
			)
			return run()
		}
		return err
	}
	return nil
}

// SendText sends raw text (no parse mode) to the current recipient.
func SendText(c tele.Context, text string, opts ...*tele.SendOptions) error {
	var sendOpts *tele.SendOptions
	if len(opts) > 0 {
		sendOpts = opts[0]
	}
	return sendAsync(c, "send.text", func() error {
		if sendOpts != nil {
			return c.Send(text, sendOpts)
		}
		return c.Send(text)
	})
}

// SendHTML sends a message with HTML parse mode and optional reply markup.
func SendHTML(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	var rm *tele.ReplyMarkup
	if len(markup) > 0 {
		rm = markup[0]
	}
	return SendText(c, text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
}

// EditOrSendHTML edits the callback message or sends a new one if editing fails.
func EditOrSendHTML(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	var rm *tele.ReplyMarkup
	if len(markup) > 0 {
		rm = markup[0]
	}
	return c.EditOrSend(text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
}

// SendInvoice sends a Stars invoice synchronously; failures must reach the caller.
func SendInvoice(c tele.Context, inv *tele.Invoice) error {
	return c.Send(inv)
}

// Poster is the subset of *tele.Bot used to message arbitrary chats.
type Poster interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Notify sends HTML text to an arbitrary recipient through the dispatcher.
func Notify(ctx context.Context, bot Poster, to tele.Recipient, text string) error {
	run := func() error {
		_, err := bot.Send(to, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
		return err
	}
	disp := globalDispatcher.Load()
	if disp == nil {
		return run()
	}
	return disp.Enqueue(ctx, "send.notify", run)
}
