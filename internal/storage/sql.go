package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"tokenward/pkg/logging"
)

const recordsSchema = `
	CREATE TABLE IF NOT EXISTS tokenward_records (
		record_key  TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);`

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLBackend stores records in a single table of a SQL database.
// Queries are written with ? placeholders and rebound per driver.
type SQLBackend struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite storage requires a database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return newSQLBackend(ctx, sqlx.NewDb(db, "sqlite"))
}

// OpenPostgres connects to PostgreSQL and verifies connectivity with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBackend, error) {
	if dsn == "" {
		return nil, errors.New("postgres storage requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return newSQLBackend(ctx, sqlx.NewDb(db, "postgres"))
}

func newSQLBackend(ctx context.Context, db *sqlx.DB) (*SQLBackend, error) {
	if _, err := db.ExecContext(ctx, recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init 'tokenward_records' table schema: %w", err)
	}
	logging.Debug("Storage", "Using %s storage", db.DriverName())
	return &SQLBackend{db: db}, nil
}

// Load implements Backend.
func (b *SQLBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var value string
	query := b.db.Rebind(`SELECT value FROM tokenward_records WHERE record_key = ?`)
	if err := b.db.GetContext(ctx, &value, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return []byte(value), nil
}

// Save implements Backend with a single upsert statement.
func (b *SQLBackend) Save(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	query := b.db.Rebind(`
		INSERT INTO tokenward_records (record_key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (record_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := b.db.ExecContext(ctx, query, key, string(value), time.Now().UTC()); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	query := b.db.Rebind(`DELETE FROM tokenward_records WHERE record_key = ?`)
	if _, err := b.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Take implements Backend. DELETE ... RETURNING removes and returns the row
// in one statement, so only one caller can observe it.
func (b *SQLBackend) Take(ctx context.Context, key string) ([]byte, error) {
	var value string
	query := b.db.Rebind(`DELETE FROM tokenward_records WHERE record_key = ? RETURNING value`)
	if err := b.db.QueryRowxContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	return []byte(value), nil
}

// Close implements Backend.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
