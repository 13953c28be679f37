// Package config loads the Shari configuration.
//
// Configuration sources, highest precedence first:
//  1. Command line flags (applied by the caller after Load)
//  2. Environment variables (SHARI_*, e.g. SHARI_SERVER_PORT=8080)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lucaji/Shari/internal/logging"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "SHARI"

// Config is the complete configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// DataRoot holds the documents and caches folders and, by default, the
	// catalog database.
	DataRoot string `mapstructure:"data_root" yaml:"data_root" validate:"required"`

	Library     LibraryConfig     `mapstructure:"library" yaml:"library"`
	Watcher     WatcherConfig     `mapstructure:"watcher" yaml:"watcher"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`

	// MetricsAddr serves /metrics when set (e.g. ":9090").
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`
	// Output is stdout, stderr, or a file path (rotated).
	Output     string `mapstructure:"output" yaml:"output" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// LibraryConfig describes the documents folder.
type LibraryConfig struct {
	DocumentsDir   string   `mapstructure:"documents_dir" yaml:"documents_dir"`
	CachesDir      string   `mapstructure:"caches_dir" yaml:"caches_dir"`
	Recursive      bool     `mapstructure:"recursive" yaml:"recursive"`
	Extensions     []string `mapstructure:"extensions" yaml:"extensions"`
	PruneEmptyDirs bool     `mapstructure:"prune_empty_dirs" yaml:"prune_empty_dirs"`
}

// WatcherConfig controls the change watcher.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	// Source is fsnotify or poll.
	Source       string        `mapstructure:"source" yaml:"source" validate:"omitempty,oneof=fsnotify poll"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gte=0"`
}

// ServerConfig controls the LAN file server.
type ServerConfig struct {
	// Mode is 0 (off), 1 (web), 2 (webdav) or 4 (both).
	Mode          int    `mapstructure:"mode" yaml:"mode" validate:"oneof=0 1 2 4"`
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	MaxUploadSize int64  `mapstructure:"max_upload_size" yaml:"max_upload_size" validate:"gte=0"`

	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// CatalogConfig selects the catalog backend.
type CatalogConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"required,oneof=memory badger sqlite postgres"`
	// Path is the badger directory or sqlite file. Relative paths resolve
	// under the data root.
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// CoordinatorConfig tunes reconciliation.
type CoordinatorConfig struct {
	// UploadGrace bounds how long an unfinished upload keeps its file out
	// of the catalog.
	UploadGrace time.Duration `mapstructure:"upload_grace" yaml:"upload_grace" validate:"gte=0"`
}

// LoggingSettings converts the section for logging.Init.
func (c LoggingConfig) LoggingSettings() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		OutputPath: c.Output,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

// CatalogPath returns the backend path resolved against the data root.
func (c *Config) CatalogPath() string {
	p := c.Catalog.Path
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataRoot, p)
}

// Load reads configuration from the file at configPath (or the default
// location when empty), the environment and defaults, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about; registering every default
	// makes each key overridable from the environment.
	registerDefaults(v, GetDefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("data_root", d.DataRoot)

	v.SetDefault("library.documents_dir", d.Library.DocumentsDir)
	v.SetDefault("library.caches_dir", d.Library.CachesDir)
	v.SetDefault("library.recursive", d.Library.Recursive)
	v.SetDefault("library.extensions", d.Library.Extensions)
	v.SetDefault("library.prune_empty_dirs", d.Library.PruneEmptyDirs)

	v.SetDefault("watcher.enabled", d.Watcher.Enabled)
	v.SetDefault("watcher.debounce", d.Watcher.Debounce)
	v.SetDefault("watcher.source", d.Watcher.Source)
	v.SetDefault("watcher.poll_interval", d.Watcher.PollInterval)

	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_upload_size", d.Server.MaxUploadSize)
	v.SetDefault("server.username", d.Server.Username)
	v.SetDefault("server.password_hash", d.Server.PasswordHash)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("catalog.backend", d.Catalog.Backend)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.dsn", d.Catalog.DSN)

	v.SetDefault("coordinator.upload_grace", d.Coordinator.UploadGrace)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/shari, ~/.config/shari, or "." when
// no home directory is known.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shari")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "shari")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// defaultDataRoot is ~/Shari, or ./Shari without a home directory.
func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Shari"
	}
	return filepath.Join(home, "Shari")
}
