package itemsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures SQLiteStorage.
type SQLiteConfig struct {
	// Path of the database file; ":memory:" keeps it in process memory.
	Path          string
	BusyTimeoutMs int
	EnableWAL     bool
}

func (c *SQLiteConfig) defaults() {
	if c.Path == "" {
		c.Path = "itemsync.db"
	}
	if c.BusyTimeoutMs == 0 {
		c.BusyTimeoutMs = 5000
	}
}

func buildSQLiteDSN(c SQLiteConfig) string {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", c.Path, c.BusyTimeoutMs)
	if c.EnableWAL && c.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	dsn += "&_pragma=synchronous(normal)"
	return dsn
}

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStorage is a Storage backed by a single SQLite table. One connection
// is used, which serializes writes.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStorage opens (or creates) the database and its kv table.
func OpenSQLiteStorage(ctx context.Context, cfg SQLiteConfig, logger *slog.Logger) (*SQLiteStorage, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite_storage")

	db, err := sql.Open("sqlite", buildSQLiteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	logger.Debug("database opened", "path", cfg.Path, "wal", cfg.EnableWAL)
	return &SQLiteStorage{db: db, logger: logger}, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
