package bootstrap

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/fundbot/core/config"
	coredatabase "github.com/m3rciful/fundbot/core/database"
)

type fakeStore struct{ seeded []string }

func TestRunSeedsTypedStorage(t *testing.T) {
	store := &fakeStore{}
	var migrated bool
	res, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		LoggerInit: func(*coreconfig.Config) error { return nil },
		Connect:    func(coredatabase.Config) (*sqlx.DB, error) { return &sqlx.DB{}, nil },
		Migrate: func(*sqlx.DB, coredatabase.Config, fs.FS) error {
			migrated = true
			return nil
		},
		Modules: Modules{
			Storage: func(*sqlx.DB) (Storage, error) { return store, nil },
			Seeders: []Seeder{
				TypedSeeder(func(_ context.Context, s *fakeStore) error {
					s.seeded = append(s.seeded, "rate")
					return nil
				}),
			},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !migrated {
		t.Fatal("expected migrations to run")
	}
	if res.Storage != store || len(store.seeded) != 1 {
		t.Fatalf("unexpected seeding result: %+v", store.seeded)
	}
}

func TestRunFailsOnLoggerInit(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		LoggerInit: func(*coreconfig.Config) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped logger error, got %v", err)
	}
}

func TestTypedSeederRejectsWrongStorage(t *testing.T) {
	seeder := TypedSeeder(func(context.Context, *fakeStore) error { return nil })
	if err := seeder.Seed(context.Background(), "not a store"); !errors.Is(err, errStorageType) {
		t.Fatalf("expected storage type error, got %v", err)
	}
}
