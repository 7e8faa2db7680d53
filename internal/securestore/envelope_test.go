package securestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	data, err := Encrypt("passphrase", []byte("session state"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plaintext, err := Decrypt("passphrase", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("session state")) {
		t.Fatalf("round trip mismatch: %q", plaintext)
	}
}

func TestDecryptWrongPassphraseFailsAuth(t *testing.T) {
	data, err := Encrypt("right", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("wrong", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptTamperedCiphertextFailsAuth(t *testing.T) {
	data, err := Encrypt("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	data[len(data)-3] ^= 0x5A
	if _, err := Decrypt("pass", data); err == nil {
		t.Fatal("expected tampered envelope to fail")
	}
}

func TestDecryptRejectsForeignData(t *testing.T) {
	if _, err := Decrypt("pass", []byte("not an envelope")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestWriteEncryptedJSONAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "snapshot.enc")

	if err := WriteEncryptedJSON(path, "pass", map[string]int{"v": 1}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteEncryptedJSON(path, "pass", map[string]int{"v": 2}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file must not be left behind")
	}

	var got map[string]int
	if err := ReadDecryptedJSON(path, "pass", &got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got["v"] != 2 {
		t.Fatalf("expected latest snapshot, got %v", got)
	}
}
