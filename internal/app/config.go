package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"murmur-chat/client-core/internal/account"
	"murmur-chat/client-core/internal/conn"
	"murmur-chat/client-core/internal/receive"
	"murmur-chat/client-core/internal/send"
	"murmur-chat/client-core/internal/syncer"
)

// RelayConfig points at the relay's two surfaces: the HTTP API and the
// duplex websocket endpoint.
type RelayConfig struct {
	APIBase      string  `yaml:"apiBase"`
	WSEndpoint   string  `yaml:"wsEndpoint"`
	RequestRate  float64 `yaml:"requestRate"`
	RequestBurst int     `yaml:"requestBurst"`
}

type StoreConfig struct {
	// Path/Secret enable encrypted persistence; both empty runs memory-only,
	// which is only useful in tests.
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

type Config struct {
	LogLevel     string         `yaml:"logLevel"`
	MetricsAddr  string         `yaml:"metricsAddr"` // empty disables the exporter
	EventHistory int            `yaml:"eventHistory"`
	Relay        RelayConfig    `yaml:"relay"`
	Store        StoreConfig    `yaml:"store"`
	Connection   conn.Config    `yaml:"connection"`
	Receive      receive.Config `yaml:"receive"`
	Send         send.Config    `yaml:"send"`
	Account      account.Config `yaml:"account"`
	Sync         syncer.Config  `yaml:"sync"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:     "info",
		EventHistory: 256,
		Relay: RelayConfig{
			APIBase:      "https://relay.murmur.local",
			WSEndpoint:   "wss://relay.murmur.local/v1/stream",
			RequestRate:  10,
			RequestBurst: 5,
		},
		Connection: conn.DefaultConfig(),
		Receive:    receive.DefaultConfig(),
		Send:       send.DefaultConfig(),
		Account:    account.DefaultConfig(),
		Sync:       syncer.DefaultConfig(),
	}
}

// LoadConfig reads a yaml file over the defaults. A missing path is not an
// error; the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return normalizeConfig(cfg), nil
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = def.EventHistory
	}
	if cfg.Relay.APIBase == "" {
		cfg.Relay.APIBase = def.Relay.APIBase
	}
	if cfg.Relay.WSEndpoint == "" {
		cfg.Relay.WSEndpoint = def.Relay.WSEndpoint
	}
	if cfg.Relay.RequestRate <= 0 {
		cfg.Relay.RequestRate = def.Relay.RequestRate
	}
	if cfg.Relay.RequestBurst <= 0 {
		cfg.Relay.RequestBurst = def.Relay.RequestBurst
	}
	return cfg
}
