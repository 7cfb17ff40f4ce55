package router

import (
	"log/slog"
	"time"

	"github.com/m3rciful/fundbot/core/logger"
	tg "github.com/m3rciful/fundbot/core/telegram"
	"github.com/m3rciful/fundbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	IsAdmin       func(userID int64) bool
	OnAdminReject tele.HandlerFunc
}

// CommandRoutes prepares command handlers with admin checks and summary logging.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}

	adminOpts := middleware.AdminOptions{IsAdmin: opts.IsAdmin, OnReject: opts.OnAdminReject}
	commands := reg.Commands()
	routes := make([]tg.Route, 0, len(commands))
	for name, def := range commands {
		routes = append(routes, tg.Route{Endpoint: name, Handler: commandHandler(name, def, adminOpts)})
		for _, alias := range def.Aliases {
			routes = append(routes, tg.Route{Endpoint: "/" + alias, Handler: commandHandler(name, def, adminOpts)})
		}
	}

	logger.Info(logger.Background(), logger.CompTGWire, "complete",
		slog.Int("count", len(commands)),
		slog.Int("callbacks", len(reg.ListCallbacks())),
	)
	return routes
}

func commandHandler(name string, def tg.Command, adminOpts middleware.AdminOptions) tele.HandlerFunc {
	h := middleware.WithAdminCheck(adminOpts, def.AdminOnly, def.Handler)
	handlerName := normalizeHandlerName(name)
	return func(c tele.Context) error {
		return handleWithSummary(c, handlerName, time.Now(), "", "", func() error { return h(c) })
	}
}
