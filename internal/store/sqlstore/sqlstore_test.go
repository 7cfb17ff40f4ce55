package sqlstore

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	coredatabase "github.com/m3rciful/fundbot/core/database"
	"github.com/m3rciful/fundbot/internal/store"
	"github.com/m3rciful/fundbot/internal/store/storetest"
	"github.com/m3rciful/fundbot/migrations"
)

// openTest returns a migrated in-memory SQLite store closed with the test.
func openTest(t *testing.T) store.Store {
	t.Helper()
	cfg := coredatabase.Config{Driver: coredatabase.DriverSQLite, Path: ":memory:"}
	db, err := coredatabase.Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := coredatabase.RunMigrations(db, cfg, migrations.FS); err != nil {
		_ = db.Close()
		t.Fatalf("migrate: %v", err)
	}
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformanceSQLite(t *testing.T) {
	storetest.Run(t, openTest)
}

func TestMapErr(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{driver.ErrBadConn, store.ErrUnavailable},
		{&pq.Error{Code: "08006"}, store.ErrUnavailable},
		{&pq.Error{Code: "57P01"}, store.ErrUnavailable},
		{fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505"}), nil},
	}
	for _, tc := range cases {
		got := mapErr(tc.err)
		if tc.want == nil {
			if errors.Is(got, store.ErrUnavailable) {
				t.Fatalf("mapErr(%v) should not be unavailable", tc.err)
			}
			continue
		}
		if !errors.Is(got, tc.want) {
			t.Fatalf("mapErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
