package bootstrap

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

var errStorageType = errors.New("bootstrap: storage does not match seeder type")

// Storage is the application store handed to seeders. Its concrete type belongs to the app.
type Storage any

// Seeder loads reference data into a storage implementation.
type Seeder interface {
	Seed(ctx context.Context, storage Storage) error
}

// SeederFunc adapts a bare function to the Seeder interface.
type SeederFunc func(ctx context.Context, storage Storage) error

// Seed executes the underlying function.
func (f SeederFunc) Seed(ctx context.Context, storage Storage) error {
	return f(ctx, storage)
}

// TypedSeeder adapts a function expecting a concrete storage type.
// The seeder fails when the bootstrap storage does not implement T.
func TypedSeeder[T any](fn func(ctx context.Context, storage T) error) Seeder {
	return SeederFunc(func(ctx context.Context, storage Storage) error {
		typed, ok := storage.(T)
		if !ok {
			return errStorageType
		}
		return fn(ctx, typed)
	})
}

// Modules groups optional bootstrapping hooks for storage and seeding.
type Modules struct {
	// Storage wraps the migrated database into the application store.
	Storage func(*sqlx.DB) (Storage, error)
	Seeders []Seeder
}
