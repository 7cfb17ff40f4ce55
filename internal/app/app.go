// Package app assembles the fundbot services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/fundbot/core/bootstrap"
	"github.com/m3rciful/fundbot/core/cmd"
	"github.com/m3rciful/fundbot/core/logger"
	coretelegram "github.com/m3rciful/fundbot/core/telegram"
	tghelpers "github.com/m3rciful/fundbot/core/telegram/helpers"
	"github.com/m3rciful/fundbot/internal/audit"
	"github.com/m3rciful/fundbot/internal/bot"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/config"
	"github.com/m3rciful/fundbot/internal/httpapi"
	"github.com/m3rciful/fundbot/internal/ledger"
	"github.com/m3rciful/fundbot/internal/pricing"
	"github.com/m3rciful/fundbot/internal/settlement"
	"github.com/m3rciful/fundbot/internal/store"
	"github.com/m3rciful/fundbot/internal/store/sqlstore"
	"github.com/m3rciful/fundbot/internal/tally"
	"github.com/m3rciful/fundbot/migrations"

	tele "gopkg.in/telebot.v4"
)

// App holds the wired services of one fundbot process.
type App struct {
	cfg     *config.Config
	db      *sqlx.DB
	store   store.Store
	catalog *campaign.Catalog

	ledger     *ledger.Engine
	tally      *tally.Service
	pricing    *pricing.Provider
	settlement *settlement.Pipeline
	bot        *bot.Bot
	notifier   *bot.AdminNotifier

	closers []io.Closer
}

// Bootstrap connects storage, applies migrations, seeds pricing and wires the services.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	rate, err := cfg.Pricing.Rate()
	if err != nil {
		return nil, err
	}
	res, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:     cfg.CoreConfig(),
		Database:   cfg.Database,
		Migrations: migrations.FS,
		Modules: bootstrap.Modules{
			Storage: func(db *sqlx.DB) (bootstrap.Storage, error) {
				return sqlstore.New(db), nil
			},
			Seeders: []bootstrap.Seeder{
				bootstrap.TypedSeeder(func(ctx context.Context, st store.Store) error {
					return pricing.Seed(ctx, st, cat, pricing.Defaults{Rate: rate})
				}),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	st, ok := res.Storage.(store.Store)
	if !ok {
		_ = res.DB.Close()
		return nil, fmt.Errorf("app: unexpected storage %T", res.Storage)
	}
	a, err := New(cfg, st, cat)
	if err != nil {
		_ = res.DB.Close()
		return nil, err
	}
	a.db = res.DB
	a.closers = append(a.closers, res.DB)
	return a, nil
}

// New wires the services on top of an initialized store.
func New(cfg *config.Config, st store.Store, cat *campaign.Catalog) (*App, error) {
	a := &App{cfg: cfg, store: st, catalog: cat}
	sink, err := a.buildSinks()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.ledger = ledger.New(st, cat, sink)
	a.pricing = pricing.New(st, cat, sink)
	a.tally = tally.New(st, cat, sink, cfg.Settlement.LabelMaxLen)
	var opts []settlement.Option
	if cfg.Settlement.IntentTTL > 0 {
		opts = append(opts, settlement.WithIntentTTL(cfg.Settlement.IntentTTL))
	}
	if cfg.Settlement.MaxAmount > 0 {
		opts = append(opts, settlement.WithMaxAmount(cfg.Settlement.MaxAmount))
	}
	a.settlement = settlement.New(st, a.ledger, a.tally, a.pricing, sink, opts...)
	a.bot = bot.New(bot.Deps{
		Ledger:          a.ledger,
		Tally:           a.tally,
		Pricing:         a.pricing,
		Settlement:      a.settlement,
		IsAdmin:         cfg.Telegram.IsAdmin,
		Notifier:        a.notifier,
		JanitorInterval: cfg.Settlement.JanitorInterval,
	})
	return a, nil
}

// buildSinks assembles the audit fan-out from configuration.
func (a *App) buildSinks() (audit.Sink, error) {
	var sinks audit.Multi
	if !a.cfg.Audit.DisableLog {
		sinks = append(sinks, audit.LogSink{})
	}
	if a.cfg.Audit.Admin {
		a.notifier = bot.NewAdminNotifier(a.cfg.Telegram.Admins())
		sinks = append(sinks, a.notifier)
	}
	if r := a.cfg.Audit.Redis; r.URL != "" {
		client, err := audit.ConnectRedis(r.URL)
		if err != nil {
			return nil, fmt.Errorf("audit redis: %w", err)
		}
		a.closers = append(a.closers, client)
		sinks = append(sinks, audit.NewRedisStreamSink(client, r.Stream, r.MaxLen))
	}
	if k := a.cfg.Audit.Kafka; len(k.Brokers) > 0 {
		ks, err := audit.NewKafkaSink(k.Brokers, k.Topic)
		if err != nil {
			return nil, fmt.Errorf("audit kafka: %w", err)
		}
		a.closers = append(a.closers, ks)
		sinks = append(sinks, ks)
	}
	logger.Info(logger.Background(), logger.CompAudit, "sinks", slog.Int("count", len(sinks)))
	return sinks, nil
}

// TelegramRunOptions registers the bot and returns its runtime options.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	reg := coretelegram.NewRegistry()
	if err := a.bot.Register(reg); err != nil {
		return coretelegram.RunOptions{}, err
	}
	core := a.cfg.CoreConfig()
	return coretelegram.RunOptions{
		Config:   core,
		Registry: reg,
		Middlewares: coretelegram.DefaultMiddlewares(core, func(c tele.Context) error {
			return tghelpers.SendText(c, "Too many requests, please slow down.")
		}),
		Routes:  a.bot.Routes(reg),
		OnStart: a.bot.OnStart,
		OnStop:  a.bot.OnStop,
	}, nil
}

// Services returns the HTTP read API when it is enabled.
func (a *App) Services() []cmd.Service {
	if a.cfg.HTTP.Listen == "" {
		return nil
	}
	h := httpapi.NewRouter(httpapi.NewHandler(a.ledger, a.tally, a.store))
	srv := httpapi.NewServer(a.cfg.HTTP.Listen, h)
	return []cmd.Service{{Name: "http", Run: srv.Run}}
}

// Close releases the database and audit connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
