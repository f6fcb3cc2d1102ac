// Package config loads and hot-reloads the backbone's YAML configuration,
// in the same style the teacher project uses for its own config (a single
// struct decoded with gopkg.in/yaml.v3, an XDG-aware default path, and a
// Diff helper for SIGHUP reload logging).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ProjectID string        `yaml:"project_id"`
	Server    ServerConfig  `yaml:"server"`
	Watcher WatcherConfig `yaml:"state_watcher"`
	Poller  PollerConfig  `yaml:"poller"`
	Delta   DeltaConfig   `yaml:"delta"`
	JSONL   JSONLConfig   `yaml:"jsonl"`
	Ring    RingConfig    `yaml:"ring"`
	Store   StoreConfig   `yaml:"store"`
	Hub     HubConfig     `yaml:"hub"`
	OTLP    OTLPConfig    `yaml:"otlp"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

// WatcherConfig configures the State Watcher's external document.
type WatcherConfig struct {
	StatePath   string        `yaml:"state_path"`
	Debounce    time.Duration `yaml:"debounce"`
	QuietWindow time.Duration `yaml:"quiet_window"`
}

// PollerConfig configures the Terminal Poller's tick rate, back-off curve,
// and the external CLI invocation contract.
type PollerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	CLIPath        string        `yaml:"cli_path"`
	CLITimeout     time.Duration `yaml:"cli_timeout"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// DeltaConfig configures the Delta Detector's dedup bookkeeping.
type DeltaConfig struct {
	DedupCapacity int `yaml:"dedup_capacity"`
}

// JSONLConfig configures the directory the JSONL Tailer watches.
type JSONLConfig struct {
	Dir        string `yaml:"dir"`
	GlobSuffix string `yaml:"glob_suffix"` // e.g. "events-*.jsonl"
}

// RingConfig configures the Ring Log's bounded capacity.
type RingConfig struct {
	Capacity int `yaml:"capacity"`
}

// StoreConfig configures the Durable Event Store's file location and
// pruning policy.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	MaxAgeDays    int           `yaml:"max_age_days"`
	MaxEvents     int           `yaml:"max_events"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// HubConfig configures the Broadcast Hub's heartbeat and recovery hand-off.
type HubConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxEventsToLoad   int           `yaml:"max_events_to_load"`
}

// OTLPConfig configures the OTLP metrics receiver and its Prometheus
// exposition endpoint.
type OTLPConfig struct {
	Port        int  `yaml:"port"`
	MetricsPort int  `yaml:"metrics_port"`
	Enabled     bool `yaml:"enabled"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads config from the given path, or returns default config
// if path doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	stateDir := defaultStateDir()
	return &Config{
		ProjectID: "default",
		Server: ServerConfig{
			Port:           8787,
			Host:           "127.0.0.1",
			MaxConnections: 1000,
		},
		Watcher: WatcherConfig{
			StatePath:   filepath.Join(stateDir, "agent-dashboard", "state.json"),
			Debounce:    100 * time.Millisecond,
			QuietWindow: 50 * time.Millisecond,
		},
		Poller: PollerConfig{
			TickInterval:   150 * time.Millisecond,
			CLIPath:        "terminal-read",
			CLITimeout:     5 * time.Second,
			MaxOutputBytes: 1 << 20,
			BackoffBase:    time.Second,
			BackoffMax:     30 * time.Second,
		},
		Delta: DeltaConfig{
			DedupCapacity: 1000,
		},
		JSONL: JSONLConfig{
			Dir:        filepath.Join(stateDir, "agent-dashboard", "streams"),
			GlobSuffix: "events-*.jsonl",
		},
		Ring: RingConfig{
			Capacity: 1000,
		},
		Store: StoreConfig{
			Path:          filepath.Join(stateDir, "agent-dashboard", "events.db"),
			MaxAgeDays:    30,
			MaxEvents:     10000,
			PruneInterval: time.Minute,
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxEventsToLoad:   1000,
		},
		OTLP: OTLPConfig{
			Port:        4318,
			MetricsPort: 4319,
			Enabled:     true,
		},
	}
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "agent-dashboard", "config.yaml")
}

// Diff compares two configs and returns human-readable descriptions of what
// changed. Only fields that are safe to hot-reload at runtime are compared
// (poller timings, delta/jsonl/ring/store/hub tuning). Server-level
// settings (port, host, auth) require a full restart and are not diffed;
// OTLP settings are not diffed either.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Poller.TickInterval != new.Poller.TickInterval {
		changes = append(changes, fmt.Sprintf("poller.tick_interval: %s → %s", old.Poller.TickInterval, new.Poller.TickInterval))
	}
	if old.Poller.BackoffBase != new.Poller.BackoffBase {
		changes = append(changes, fmt.Sprintf("poller.backoff_base: %s → %s", old.Poller.BackoffBase, new.Poller.BackoffBase))
	}
	if old.Poller.BackoffMax != new.Poller.BackoffMax {
		changes = append(changes, fmt.Sprintf("poller.backoff_max: %s → %s", old.Poller.BackoffMax, new.Poller.BackoffMax))
	}
	if old.Delta.DedupCapacity != new.Delta.DedupCapacity {
		changes = append(changes, fmt.Sprintf("delta.dedup_capacity: %d → %d", old.Delta.DedupCapacity, new.Delta.DedupCapacity))
	}
	if old.JSONL.Dir != new.JSONL.Dir {
		changes = append(changes, fmt.Sprintf("jsonl.dir: %s → %s", old.JSONL.Dir, new.JSONL.Dir))
	}
	if old.Ring.Capacity != new.Ring.Capacity {
		changes = append(changes, fmt.Sprintf("ring.capacity: %d → %d", old.Ring.Capacity, new.Ring.Capacity))
	}
	if old.Store.MaxAgeDays != new.Store.MaxAgeDays {
		changes = append(changes, fmt.Sprintf("store.max_age_days: %d → %d", old.Store.MaxAgeDays, new.Store.MaxAgeDays))
	}
	if old.Store.MaxEvents != new.Store.MaxEvents {
		changes = append(changes, fmt.Sprintf("store.max_events: %d → %d", old.Store.MaxEvents, new.Store.MaxEvents))
	}
	if old.Hub.HeartbeatInterval != new.Hub.HeartbeatInterval {
		changes = append(changes, fmt.Sprintf("hub.heartbeat_interval: %s → %s", old.Hub.HeartbeatInterval, new.Hub.HeartbeatInterval))
	}

	return changes
}
