package config

import (
	"strings"
	"time"
)

// Defaults for unset values.
const (
	DefaultPort            = 8080
	DefaultMode            = 1
	DefaultDebounce        = 500 * time.Millisecond
	DefaultPollInterval    = 2 * time.Second
	DefaultUploadGrace     = 10 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
	DefaultCatalogBackend  = "badger"
)

// ApplyDefaults fills zero values. Booleans are left alone: their defaults
// come from GetDefaultConfig through Load.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.DataRoot == "" {
		cfg.DataRoot = defaultDataRoot()
	}

	applyWatcherDefaults(&cfg.Watcher)
	applyServerDefaults(&cfg.Server)
	applyCatalogDefaults(&cfg.Catalog)

	if cfg.Coordinator.UploadGrace == 0 {
		cfg.Coordinator.UploadGrace = DefaultUploadGrace
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "console"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyWatcherDefaults(cfg *WatcherConfig) {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Source == "" {
		cfg.Source = "fsnotify"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyCatalogDefaults(cfg *CatalogConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultCatalogBackend
	}
	cfg.Backend = strings.ToLower(cfg.Backend)
	if cfg.Path == "" {
		switch cfg.Backend {
		case "badger":
			cfg.Path = "catalog"
		case "sqlite":
			cfg.Path = "catalog.db"
		}
	}
}

// GetDefaultConfig returns a complete configuration with every default set.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Library: LibraryConfig{
			Recursive:      true,
			PruneEmptyDirs: false,
		},
		Watcher: WatcherConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Mode: DefaultMode,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
