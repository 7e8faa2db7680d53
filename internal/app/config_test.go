package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Relay.APIBase != def.Relay.APIBase {
		t.Fatalf("api base = %q", cfg.Relay.APIBase)
	}
	if cfg.EventHistory != def.EventHistory {
		t.Fatalf("event history = %d", cfg.EventHistory)
	}
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
logLevel: debug
relay:
  apiBase: https://relay.example.net
  wsEndpoint: wss://relay.example.net/v1/stream
connection:
  heartbeatInterval: 15s
send:
  maxAttempts: 7
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Relay.APIBase != "https://relay.example.net" {
		t.Fatalf("api base = %q", cfg.Relay.APIBase)
	}
	if cfg.Connection.HeartbeatInterval != 15*time.Second {
		t.Fatalf("heartbeat = %s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Send.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d", cfg.Send.MaxAttempts)
	}
	// Untouched sections keep their defaults.
	if cfg.Relay.RequestRate != DefaultConfig().Relay.RequestRate {
		t.Fatalf("request rate = %v", cfg.Relay.RequestRate)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n  - ["), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
