package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHandlerFingerprintsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("delivery failed", "peer", "mur1abc.1", "attempt", 2)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["peer"]; ok {
		t.Fatal("peer should not appear in the clear")
	}
	fp, ok := payload["peer_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("peer_fp = %v", payload["peer_fp"])
	}
	if payload["attempt"].(float64) != 2 {
		t.Fatal("non-identifier attrs must pass through")
	}
}

func TestHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("registered", "credential", "bearer-xyz", "recovery_mnemonic", "abandon abandon", "status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if got, _ := payload["credential"].(string); got != redactedValue {
		t.Fatalf("credential = %q", got)
	}
	if got, _ := payload["recovery_mnemonic"].(string); got != redactedValue {
		t.Fatalf("recovery_mnemonic = %q", got)
	}
	if payload["status"] != "ok" {
		t.Fatal("ordinary attrs must pass through")
	}
}

func TestFingerprintStableWithinProcess(t *testing.T) {
	a := FingerprintID("mur1abc.1")
	b := FingerprintID("mur1abc.1")
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if a == FingerprintID("mur1abc.2") {
		t.Fatal("distinct identifiers collided")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank identifier should fingerprint to empty")
	}
}

func TestHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("account_id", "mur1abc"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "account_id_fp") {
		t.Fatalf("expected fingerprinted account_id, got %s", buf.String())
	}
}
