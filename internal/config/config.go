// Package config loads client configuration from a YAML file, EMOSYNC_*
// environment variables and built-in defaults, in increasing order of
// precedence for env over file over defaults.
//
// Example:
//
//	loader := config.NewLoader("")
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//	loader.Watch(func(cfg config.Config, err error) { ... })
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/moodjar/emosync/internal/connectivity"
	"github.com/moodjar/emosync/internal/gateway"
	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/orchestrator"
)

// EnvPrefix prefixes every environment override, e.g. EMOSYNC_USER_ID or
// EMOSYNC_SYNC_MAX_BACKOFF.
const EnvPrefix = "EMOSYNC"

// Config is the client configuration.
type Config struct {
	// DataDir holds the encrypted cache and, without a remote URL, the
	// local remote store.
	DataDir string `mapstructure:"data_dir"`

	// Passphrase seals the cache. Prefer EMOSYNC_PASSPHRASE over the file.
	Passphrase string `mapstructure:"passphrase"`

	// UserID partitions the remote store. Empty means signed out.
	UserID string `mapstructure:"user_id"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Network   NetworkConfig   `mapstructure:"network"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// RemoteConfig selects the remote store.
type RemoteConfig struct {
	// URL of an "emosync serve" instance. Empty uses a SQLite file under
	// DataDir.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig tunes the orchestrator's retry behavior.
type SyncConfig struct {
	MinBackoff         time.Duration `mapstructure:"min_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	RetryMinBackoff    time.Duration `mapstructure:"retry_min_backoff"`
	RetryMaxBackoff    time.Duration `mapstructure:"retry_max_backoff"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	MaxRejectAttempts  int           `mapstructure:"max_reject_attempts"`
	FinalFlushTimeout  time.Duration `mapstructure:"final_flush_timeout"`
}

// BatchConfig bounds remote writes and pull pages.
type BatchConfig struct {
	MaxSize      int `mapstructure:"max_size"`
	MaxBytes     int `mapstructure:"max_bytes"`
	PullPageSize int `mapstructure:"pull_page_size"`
}

// NetworkConfig drives the connectivity monitor.
type NetworkConfig struct {
	// ProbeAddress is dialed to decide reachability. Empty derives it from
	// Remote.URL; without either the client is always online.
	ProbeAddress string        `mapstructure:"probe_address"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// Metered reports the link as metered, for SyncOnWifiOnly.
	Metered bool `mapstructure:"metered"`
}

// DashboardConfig controls the daemon's status server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultDataDir returns ~/.emosync, or .emosync when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".emosync"
	}
	return filepath.Join(home, ".emosync")
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	orch := orchestrator.DefaultConfig()
	gw := gateway.DefaultConfig()
	net := connectivity.DefaultConfig()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("passphrase", "")
	v.SetDefault("user_id", "")

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("sync.min_backoff", orch.MinBackoff.String())
	v.SetDefault("sync.max_backoff", orch.MaxBackoff.String())
	v.SetDefault("sync.retry_min_backoff", orch.RetryMinBackoff.String())
	v.SetDefault("sync.retry_max_backoff", orch.RetryMaxBackoff.String())
	v.SetDefault("sync.error_rate_threshold", orch.ErrorRateThreshold)
	v.SetDefault("sync.max_reject_attempts", orch.MaxRejectAttempts)
	v.SetDefault("sync.final_flush_timeout", orch.FinalFlushTimeout.String())

	v.SetDefault("batch.max_size", gw.MaxBatchSize)
	v.SetDefault("batch.max_bytes", gw.MaxBatchBytes)
	v.SetDefault("batch.pull_page_size", gw.PullPageSize)

	v.SetDefault("network.probe_address", "")
	v.SetDefault("network.poll_interval", net.PollInterval.String())
	v.SetDefault("network.probe_timeout", net.ProbeTimeout.String())
	v.SetDefault("network.metered", false)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:7465")
}

// Loader reads and watches one config file.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	watched bool
}

// NewLoader returns a loader for path, or DefaultPath when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, path: path}
}

// Path returns the config file location.
func (l *Loader) Path() string {
	return l.path
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the file if it exists and decodes the merged configuration.
// A missing file is not an error.
func (l *Loader) Load() (Config, error) {
	if _, err := os.Stat(l.path); err == nil {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to stat config %s: %w", l.path, err)
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the re-decoded configuration whenever the file
// changes. It returns false when there is no file to watch. Only the first
// call registers a watcher.
func (l *Loader) Watch(fn func(Config, error)) bool {
	if _, err := os.Stat(l.path); err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	if !l.watched {
		l.v.WatchConfig()
		l.watched = true
	}
	return true
}

// WriteDefault writes the default configuration to the loader's path. An
// existing file is left alone unless force is set.
func (l *Loader) WriteDefault(force bool) error {
	if _, err := os.Stat(l.path); err == nil && !force {
		return fmt.Errorf("config %s already exists", l.path)
	}

	def := viper.New()
	setDefaults(def)
	settings := def.AllSettings()
	delete(settings, "passphrase")

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Sync.ErrorRateThreshold <= 0 || c.Sync.ErrorRateThreshold > 1 {
		return fmt.Errorf("sync.error_rate_threshold must be in (0, 1] (got %v)", c.Sync.ErrorRateThreshold)
	}
	if c.Sync.MaxBackoff < c.Sync.MinBackoff {
		return fmt.Errorf("sync.max_backoff %v is below sync.min_backoff %v", c.Sync.MaxBackoff, c.Sync.MinBackoff)
	}
	if c.Batch.MaxSize <= 0 || c.Batch.MaxBytes <= 0 || c.Batch.PullPageSize <= 0 {
		return fmt.Errorf("batch limits must be positive")
	}
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		return fmt.Errorf("remote.url must be an http(s) URL (got %q)", c.Remote.URL)
	}
	return nil
}

// CachePath is the encrypted record cache location.
func (c Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// LocalRemotePath is the SQLite remote store used without a remote URL.
func (c Config) LocalRemotePath() string {
	return filepath.Join(c.DataDir, "remote.db")
}

// Logging returns the logging configuration.
func (c Config) Logging(console bool) logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Console:    console,
	}
}

// Orchestrator returns the orchestrator configuration.
func (c Config) Orchestrator() *orchestrator.Config {
	return &orchestrator.Config{
		MinBackoff:         c.Sync.MinBackoff,
		MaxBackoff:         c.Sync.MaxBackoff,
		RetryMinBackoff:    c.Sync.RetryMinBackoff,
		RetryMaxBackoff:    c.Sync.RetryMaxBackoff,
		ErrorRateThreshold: c.Sync.ErrorRateThreshold,
		MaxRejectAttempts:  c.Sync.MaxRejectAttempts,
		FinalFlushTimeout:  c.Sync.FinalFlushTimeout,
	}
}

// Gateway returns the gateway configuration.
func (c Config) Gateway() *gateway.Config {
	return &gateway.Config{
		MaxBatchSize:  c.Batch.MaxSize,
		MaxBatchBytes: c.Batch.MaxBytes,
		PullPageSize:  c.Batch.PullPageSize,
	}
}

// Connectivity returns the monitor configuration.
func (c Config) Connectivity() *connectivity.Config {
	return &connectivity.Config{
		PollInterval: c.Network.PollInterval,
		ProbeTimeout: c.Network.ProbeTimeout,
		Initial:      connectivity.State{Online: true, Metered: c.Network.Metered},
	}
}
