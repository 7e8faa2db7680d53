package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadDecryptedJSON reads, decrypts and unmarshals a state snapshot.
func ReadDecryptedJSON(path, secret string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plaintext, err := Decrypt(secret, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}

// WriteEncryptedJSON marshals, encrypts and writes a state snapshot. Written
// via a temp file and rename so readers never observe a torn snapshot.
func WriteEncryptedJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(secret, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
