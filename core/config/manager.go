// Package config loads and stores the tool's settings: relay
// endpoints, session defaults, transport tuning, and watcher ignore
// rules. Settings layer defaults, the user's config file, and
// LIVESHARE_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/liveshare/core/storage"
	"github.com/adalundhe/liveshare/core/transport"
)

type Manager struct {
	configPtr unsafe.Pointer
	dirs      *storage.Dirs
	watchers  []func(*Config)
	watcherMu sync.RWMutex
}

type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Log       LogConfig       `yaml:"log"`
}

type RelayConfig struct {
	URL        string `yaml:"url"`
	ListenAddr string `yaml:"listen_addr"`
}

type SessionConfig struct {
	DisplayName string        `yaml:"display_name"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type TransportConfig struct {
	// Interactive tightens heartbeat and batch intervals for live
	// typing sessions.
	Interactive          bool          `yaml:"interactive"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	BatchInterval        time.Duration `yaml:"batch_interval"`
	MaxBatchSize         int           `yaml:"max_batch_size"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type WatcherConfig struct {
	Enabled        bool     `yaml:"enabled"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func NewManager(dirs *storage.Dirs) *Manager {
	m := &Manager{dirs: dirs}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:        "ws://localhost:8090/ws",
			ListenAddr: ":8090",
		},
		Session: SessionConfig{
			IdleTimeout: 60 * time.Second,
		},
		Transport: TransportConfig{
			Interactive: true,
		},
		Watcher: WatcherConfig{
			Enabled:        true,
			IgnorePatterns: []string{".git", "node_modules", "*.swp", "*.tmp", "*~"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load reads the user's config file over the defaults and applies
// environment overrides. A missing file is not an error.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.dirs.ConfigPath(), cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}
	if err := m.loadYAMLFile(filepath.Join(".", ".liveshare.yaml"), cfg); err != nil {
		return fmt.Errorf("project config: %w", err)
	}

	m.applyEnvironment(cfg)

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

// Save writes the current settings to the user config file.
func (m *Manager) Save() error {
	cfg := m.Get()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dirs.Config, 0700); err != nil {
		return err
	}
	return os.WriteFile(m.dirs.ConfigPath(), data, 0600)
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("LIVESHARE_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("LIVESHARE_RELAY_LISTEN_ADDR"); v != "" {
		cfg.Relay.ListenAddr = v
	}
	if v := os.Getenv("LIVESHARE_DISPLAY_NAME"); v != "" {
		cfg.Session.DisplayName = v
	}
	if v := os.Getenv("LIVESHARE_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleTimeout = d
		}
	}
	if v := os.Getenv("LIVESHARE_INTERACTIVE"); v != "" {
		cfg.Transport.Interactive = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("LIVESHARE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// TransportOptions derives transport tuning from the settings. Unset
// fields keep the mode's defaults.
func (c *Config) TransportOptions() transport.Options {
	opts := transport.DefaultOptions()
	if c.Transport.Interactive {
		opts = transport.InteractiveOptions()
	}
	if c.Transport.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = c.Transport.HeartbeatInterval
	}
	if c.Transport.BatchInterval > 0 {
		opts.BatchInterval = c.Transport.BatchInterval
	}
	if c.Transport.MaxBatchSize > 0 {
		opts.MaxBatchSize = c.Transport.MaxBatchSize
	}
	if c.Transport.CompressionThreshold > 0 {
		opts.CompressionThreshold = c.Transport.CompressionThreshold
	}
	if c.Transport.ReconnectBase > 0 {
		opts.ReconnectBase = c.Transport.ReconnectBase
	}
	if c.Transport.MaxReconnectAttempts > 0 {
		opts.MaxReconnectAttempts = c.Transport.MaxReconnectAttempts
	}
	return opts
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}
