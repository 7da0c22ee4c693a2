// Package storage provides the durable key/value records behind the token
// and login stores.
//
// Every backend stores opaque byte values under short keys, replaces values
// atomically so readers never see a partial write, and supports Take, a
// load-and-delete that succeeds for at most one caller.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by Load and Take when no record exists for a key.
var ErrNotFound = errors.New("storage: record not found")

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Backend is a durable key/value store.
type Backend interface {
	// Load returns the value for key or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save atomically replaces the value for key.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Take atomically loads and deletes key. Of several concurrent callers
	// at most one receives the value; the rest get ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)

	// Close releases the backend's resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of file, memory, sqlite or postgres.
	Backend string

	// Dir is the directory of the file backend.
	Dir string

	// DSN is the sqlite database path or the postgres connection string.
	DSN string
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileBackend(cfg.Dir)
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.DSN)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// validateKey keeps keys usable as file names and SQL values alike.
func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
