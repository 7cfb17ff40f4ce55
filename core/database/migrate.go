package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/fundbot/core/logger"
)

// RunMigrations applies all up migrations found under the driver named directory of fsys
// (for example "postgres/0001_init.up.sql").
func RunMigrations(db *sqlx.DB, cfg Config, fsys fs.FS) error {
	ctx := logger.Background()
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if fsys == nil {
		return fmt.Errorf("migrations: nil source filesystem")
	}

	files := listMigrationFiles(fsys, cfg.Driver)
	preview, truncated := logger.SummarizeStrings(files, 6)
	logger.Debug(ctx, logger.CompMigrate, "resolve",
		slog.String("driver", cfg.Driver),
		slog.Int("files_total", len(files)),
		slog.String("files_preview", preview),
		slog.Bool("files_truncated", truncated),
	)

	src, err := iofs.New(fsys, cfg.Driver)
	if err != nil {
		logger.Error(ctx, logger.CompMigrate, "db.migrate", logger.Err(err))
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	m, closeFn, err := newMigrator(ctx, db, cfg, src)
	if err != nil {
		_ = src.Close()
		logger.Error(ctx, logger.CompMigrate, "db.migrate", logger.Err(err))
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer closeFn()

	fromVer, _, _ := m.Version()

	start := time.Now()
	upErr := m.Up()
	took := logger.RoundMS(time.Since(start))

	switch {
	case upErr == nil:
	case errors.Is(upErr, migrate.ErrNoChange):
		logger.Info(ctx, logger.CompMigrate, "summary",
			slog.Uint64("from_ver", uint64(fromVer)),
			slog.Uint64("to_ver", uint64(fromVer)),
			slog.Int("files", 0),
			slog.Duration("duration", took),
		)
		return nil
	default:
		logger.Error(ctx, logger.CompMigrate, "apply", logger.Err(upErr), slog.Duration("duration", took))
		return fmt.Errorf("migration execution failed: %w", upErr)
	}

	toVer, _, _ := m.Version()
	applied := selectApplied(files, uint64(fromVer), uint64(toVer))
	if len(applied) > 0 {
		previewApplied, truncatedApplied := logger.SummarizeStrings(applied, 6)
		logger.Debug(ctx, logger.CompMigrate, "apply",
			slog.Int("files_total", len(applied)),
			slog.String("files_preview", previewApplied),
			slog.Bool("files_truncated", truncatedApplied),
		)
	}

	logger.Info(ctx, logger.CompMigrate, "summary",
		slog.Uint64("from_ver", uint64(fromVer)),
		slog.Uint64("to_ver", uint64(toVer)),
		slog.Int("files", len(applied)),
		slog.Duration("duration", took),
	)
	return nil
}

// newMigrator builds a migrator for the configured driver. The returned close function
// releases migrator resources without closing db.
func newMigrator(ctx context.Context, db *sqlx.DB, cfg Config, src source.Driver) (*migrate.Migrate, func(), error) {
	if cfg.Driver == DriverSQLite {
		if db == nil {
			return nil, nil, fmt.Errorf("sqlite migrations need an open connection")
		}
		driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
		if err != nil {
			return nil, nil, err
		}
		m, err := migrate.NewWithInstance("iofs", src, DriverSQLite, driver)
		if err != nil {
			return nil, nil, err
		}
		// The sqlite driver closes the shared *sql.DB on Close, so only the source is released.
		return m, func() { _ = src.Close() }, nil
	}

	if err := WaitForPostgres(ctx, cfg.DSN(), 30*time.Second); err != nil {
		return nil, nil, fmt.Errorf("database not ready: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL())
	if err != nil {
		return nil, nil, err
	}
	return m, func() { _, _ = m.Close() }, nil
}

func listMigrationFiles(fsys fs.FS, dir string) []string {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func parseVersion(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

func selectApplied(files []string, from, to uint64) []string {
	if to <= from {
		return nil
	}
	var out []string
	for _, f := range files {
		if v := parseVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
