package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tokenward/pkg/logging"
)

// FileBackend stores each key as <dir>/<key>.json.
//
// SECURITY: values are credentials. The directory is created with 0700 and
// files with 0600 permissions. Writes go to a temporary file that is renamed
// into place, so a crash never leaves a truncated record behind.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend creates the directory if needed and returns a backend on it.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("file storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the storage directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file that holds key.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

// Load implements Backend.
func (b *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Save implements Backend.
func (b *FileBackend) Save(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tmp, err := os.CreateTemp(b.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict permissions: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, b.Path(key)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}

	logging.Debug("Storage", "Saved %s to %s", key, b.dir)
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Take implements Backend. The record is first renamed to a name unique to
// this call; rename is atomic, so only one process can claim it.
func (b *FileBackend) Take(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	claim, err := os.CreateTemp(b.dir, "."+key+"-*.take")
	if err != nil {
		return nil, fmt.Errorf("failed to create claim file: %w", err)
	}
	claimName := claim.Name()
	claim.Close()
	defer os.Remove(claimName)

	if err := os.Rename(b.Path(key), claimName); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to claim %s: %w", key, err)
	}

	data, err := os.ReadFile(claimName)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed %s: %w", key, err)
	}
	return data, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}
