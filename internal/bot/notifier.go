package bot

import (
	"context"
	"errors"
	"sync/atomic"

	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"
	"github.com/m3rciful/fundbot/internal/audit"

	tele "gopkg.in/telebot.v4"
)

// AdminNotifier is an audit sink that messages every admin chat.
// Events published before Attach are dropped.
type AdminNotifier struct {
	admins []int64
	kinds  map[audit.Kind]struct{}
	poster atomic.Pointer[posterBox]
}

type posterBox struct{ p tghelpers.Poster }

// NewAdminNotifier builds a notifier for admins. With no kinds every event is forwarded.
func NewAdminNotifier(admins []int64, kinds ...audit.Kind) *AdminNotifier {
	n := &AdminNotifier{admins: admins}
	if len(kinds) > 0 {
		n.kinds = make(map[audit.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			n.kinds[k] = struct{}{}
		}
	}
	return n
}

// Attach sets the poster used to deliver messages; nil detaches.
func (n *AdminNotifier) Attach(p tghelpers.Poster) {
	if p == nil {
		n.poster.Store(nil)
		return
	}
	n.poster.Store(&posterBox{p: p})
}

// Publish implements audit.Sink.
func (n *AdminNotifier) Publish(ctx context.Context, ev audit.Event) error {
	box := n.poster.Load()
	if box == nil {
		return nil
	}
	if n.kinds != nil {
		if _, ok := n.kinds[ev.Kind]; !ok {
			return nil
		}
	}
	text := renderEvent(ev)
	var errs []error
	for _, id := range n.admins {
		if err := tghelpers.Notify(ctx, box.p, &tele.Chat{ID: id}, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
