package account

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"murmur-chat/client-core/pkg/models"
)

var ErrBadProvision = errors.New("provisioning payload invalid")

const provisionInfo = "murmur/provision/v1"

// provisionPayload is what a primary hands to a device being linked: the full
// identity material plus the current contact set, sealed to the linking
// device's ephemeral key.
type provisionPayload struct {
	AccountID         string           `json:"account_id"`
	SigningPublicKey  []byte           `json:"signing_public_key"`
	SigningPrivateKey []byte           `json:"signing_private_key"`
	DHPublicKey       []byte           `json:"dh_public_key"`
	DHPrivateKey      []byte           `json:"dh_private_key"`
	Contacts          []models.Contact `json:"contacts,omitempty"`
}

// sealedProvision is the wire form of a sealed payload. The sender's
// ephemeral public key rides alongside so the receiver can run the same
// agreement.
type sealedProvision struct {
	Ephemeral  []byte `json:"ephemeral"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// sealProvision encrypts payload to the receiver's ephemeral x25519 key.
func sealProvision(payload provisionPayload, receiverPub []byte) ([]byte, error) {
	if len(receiverPub) != 32 {
		return nil, ErrBadProvision
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, receiverPub)
	if err != nil {
		return nil, err
	}
	key, err := hkdfExpand(shared, provisionInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealedProvision{
		Ephemeral:  ephPub,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	})
}

// openProvision decrypts a sealed payload with the receiver's ephemeral
// private key.
func openProvision(raw, receiverPriv []byte) (provisionPayload, error) {
	var sealed sealedProvision
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return provisionPayload{}, fmt.Errorf("%w: %v", ErrBadProvision, err)
	}
	if len(sealed.Ephemeral) != 32 || len(sealed.Nonce) != chacha20poly1305.NonceSizeX {
		return provisionPayload{}, ErrBadProvision
	}

	shared, err := curve25519.X25519(receiverPriv, sealed.Ephemeral)
	if err != nil {
		return provisionPayload{}, err
	}
	key, err := hkdfExpand(shared, provisionInfo, chacha20poly1305.KeySize)
	if err != nil {
		return provisionPayload{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return provisionPayload{}, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return provisionPayload{}, fmt.Errorf("%w: %v", ErrBadProvision, err)
	}

	var payload provisionPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return provisionPayload{}, fmt.Errorf("%w: %v", ErrBadProvision, err)
	}
	return payload, nil
}
