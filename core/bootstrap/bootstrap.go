package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/fundbot/core/config"
	coredatabase "github.com/m3rciful/fundbot/core/database"
	"github.com/m3rciful/fundbot/core/logger"
)

// Options control the generic bootstrap pipeline shared between bots.
type Options struct {
	Config   *coreconfig.Config
	Database coredatabase.Config
	// Migrations holds one directory of SQL files per database driver.
	Migrations fs.FS

	LoggerInit func(*coreconfig.Config) error
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(*sqlx.DB, coredatabase.Config, fs.FS) error

	Modules Modules
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	DB      *sqlx.DB
	Storage Storage
}

// Run initializes the logger, connects to the database, applies migrations and runs seeders.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	if err := migrate(db, opts.Database, opts.Migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	res := &Result{DB: db}
	if opts.Modules.Storage == nil {
		return res, nil
	}
	storage, err := opts.Modules.Storage(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: storage init failed: %w", err)
	}
	res.Storage = storage

	if err := runSeeders(ctx, opts.Modules.Seeders, storage); err != nil {
		_ = db.Close()
		return nil, err
	}
	return res, nil
}

func runSeeders(ctx context.Context, seeders []Seeder, storage Storage) error {
	for i, s := range seeders {
		if s == nil {
			continue
		}
		start := time.Now()
		err := s.Seed(ctx, storage)
		attrs := []slog.Attr{
			slog.Int("seeder", i),
			slog.String("status", logger.Status(err)),
			slog.Duration("duration", logger.Took(start)),
		}
		if err != nil {
			logger.Error(ctx, logger.CompSeed, "seed", append(attrs, logger.Err(err))...)
			return fmt.Errorf("bootstrap: seeder %d failed: %w", i, err)
		}
		logger.Info(ctx, logger.CompSeed, "seed", attrs...)
	}
	return nil
}
