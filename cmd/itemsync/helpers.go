package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	itemsync "github.com/itemsync/itemsync-go"
)

// openStorage opens the local state store selected in the config. SQLite is
// the default.
func openStorage(ctx context.Context, cfg *Config, logger *slog.Logger) (itemsync.Storage, error) {
	path := cfg.Default.StoragePath
	switch cfg.Default.Storage {
	case "memory":
		return itemsync.NewMemoryStorage(), nil
	case "file":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "state")
		}
		return itemsync.NewFileStorage(path)
	case "sqlite", "":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		return itemsync.OpenSQLiteStorage(ctx, itemsync.SQLiteConfig{Path: path, EnableWAL: true}, logger)
	default:
		return nil, fmt.Errorf("unknown storage %q (valid: sqlite, file, memory)", cfg.Default.Storage)
	}
}

// session bundles what a command needs to talk to the backend through the
// local cache.
type session struct {
	cfg     *Config
	logger  *slog.Logger
	client  *itemsync.Client
	storage itemsync.Storage
	engine  *itemsync.Engine
}

type sessionOptions struct {
	push    bool
	prober  bool
	metrics *itemsync.Metrics
}

func openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	cfg, logger, err := runtimeConfig()
	if err != nil {
		return nil, err
	}

	var clientOpts []itemsync.ClientOption
	clientOpts = append(clientOpts, itemsync.WithLogger(logger))
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, itemsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := itemsync.NewClient(clientOpts...)

	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state: %w", err)
	}

	engineCfg := itemsync.EngineConfig{
		Gateway:     client,
		Storage:     storage,
		Logger:      logger,
		Metrics:     opts.metrics,
		PageSize:    cfg.Default.PageSize,
		DisablePush: !opts.push,
	}
	if opts.prober {
		engineCfg.Prober = itemsync.NewProber(client.BaseURL(), itemsync.WithProberLogger(logger))
	}
	engine, err := itemsync.NewEngine(ctx, engineCfg)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, client: client, storage: storage, engine: engine}, nil
}

func (s *session) Close() {
	s.engine.Close()
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("failed to close local state", "error", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
