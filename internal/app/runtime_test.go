package app

import (
	"path/filepath"
	"testing"
)

func TestNewRuntimeWiresComponents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.enc")
	cfg.Store.Secret = "test-secret"

	rt, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if rt.Bus == nil || rt.Store == nil || rt.Conn == nil {
		t.Fatal("runtime left components unwired")
	}
	if rt.Receiver == nil || rt.Sender == nil || rt.Accounts == nil || rt.Sync == nil {
		t.Fatal("runtime left pipelines unwired")
	}

	// Nothing registered yet: no credential for the duplex dial.
	if got := rt.currentCredential(); got != "" {
		t.Fatalf("credential = %q, want empty before registration", got)
	}

	// Close before Start is a no-op.
	rt.Close()
}
