package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	itemsync "github.com/itemsync/itemsync-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.itemsync/config.toml.
type Config struct {
	Default ConfigDefault      `toml:"default"`
	Auth    ConfigAuth         `toml:"auth"`
	Log     itemsync.LogConfig `toml:"log"`
}

// ConfigDefault holds backend and local state settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	PageSize int    `toml:"page_size"`
	// Storage is one of sqlite, file or memory.
	Storage     string `toml:"storage"`
	StoragePath string `toml:"storage_path"`
}

// ConfigAuth remembers who logged in last. The token itself lives in the
// local state store.
type ConfigAuth struct {
	Username string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.itemsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".itemsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file, or returns defaults if there is none.
// Environment variables override file values.
func loadConfig() (*Config, error) {
	cfg := &Config{Log: itemsync.DefaultLogConfig()}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// loadFileConfig reads the config file without environment overrides, for
// commands that write it back.
func loadFileConfig() (*Config, error) {
	cfg := &Config{}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Default.BaseURL = getEnvWithDefault("ITEMSYNC_BASE_URL", cfg.Default.BaseURL)
	cfg.Default.PageSize = getEnvIntWithDefault("ITEMSYNC_PAGE_SIZE", cfg.Default.PageSize)
	cfg.Default.Storage = getEnvWithDefault("ITEMSYNC_STORAGE", cfg.Default.Storage)
	cfg.Default.StoragePath = getEnvWithDefault("ITEMSYNC_STORAGE_PATH", cfg.Default.StoragePath)
	cfg.Log.Level = getEnvWithDefault("ITEMSYNC_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvWithDefault("ITEMSYNC_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Output = getEnvWithDefault("ITEMSYNC_LOG_OUTPUT", cfg.Log.Output)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > itemsync.MaxPageSize {
				return fmt.Errorf("page_size must be between 1 and %d", itemsync.MaxPageSize)
			}
			cfg.Default.PageSize = n
		case "storage":
			switch value {
			case "sqlite", "file", "memory":
			default:
				return fmt.Errorf("storage must be sqlite, file or memory")
			}
			cfg.Default.Storage = value
		case "storage_path":
			cfg.Default.StoragePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		case "output":
			cfg.Log.Output = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log)", section)
	}
	return nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.page_size":
		return strconv.Itoa(cfg.Default.PageSize), nil
	case "default.storage":
		return cfg.Default.Storage, nil
	case "default.storage_path":
		return cfg.Default.StoragePath, nil
	case "auth.username":
		return cfg.Auth.Username, nil
	case "log.level":
		return cfg.Log.Level, nil
	case "log.format":
		return cfg.Log.Format, nil
	case "log.output":
		return cfg.Log.Output, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagBaseURL  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "itemsync",
	Short: "Items sync CLI",
	Long: "Command-line client for an items backend.\n" +
		"Lists and edits items through a local cache, queues writes while offline,\n" +
		"and follows live changes.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is normal.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "backend URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// runtimeConfig loads the effective configuration and installs the logger.
func runtimeConfig() (*Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	logger := itemsync.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
