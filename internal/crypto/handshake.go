package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"murmur-chat/client-core/pkg/models"
)

var (
	ErrBadPrekeySignature = errors.New("signed prekey signature invalid")
	ErrMissingPrekey      = errors.New("handshake references unknown prekey")
)

// KeyExchangeHeader rides on the first envelope of a session so the responder
// can derive the same root key.
type KeyExchangeHeader struct {
	IdentityKey    []byte `json:"identity_key"` // sender ed25519, pinned by responder
	DHKey          []byte `json:"dh_key"`       // sender x25519 identity key
	Ephemeral      []byte `json:"ephemeral"`
	SignedPrekeyID uint32 `json:"signed_prekey_id"`
	OneTimeID      uint32 `json:"one_time_id,omitempty"` // 0 when no one-time prekey was used
	RegistrationID uint32 `json:"registration_id"`
}

// InitiateSession runs the initiator side of the key agreement against a
// fetched prekey bundle and persists the fresh session. If a session for the
// peer already exists with a different pinned identity key, the caller gets
// models.ErrIdentityMismatch and nothing is touched.
func (m *SessionManager) InitiateSession(local models.Identity, bundle models.PrekeyBundle) (SessionState, KeyExchangeHeader, error) {
	if len(bundle.IdentityKey) != ed25519.PublicKeySize || len(bundle.DHKey) != 32 {
		return SessionState{}, KeyExchangeHeader{}, ErrInvalidPeerKey
	}
	if !ed25519.Verify(bundle.IdentityKey, bundle.SignedPrekey.PublicKey, bundle.SignedPrekey.Signature) {
		return SessionState{}, KeyExchangeHeader{}, ErrBadPrekeySignature
	}
	if err := m.checkPinned(bundle.Address, bundle.IdentityKey); err != nil {
		return SessionState{}, KeyExchangeHeader{}, err
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return SessionState{}, KeyExchangeHeader{}, err
	}

	dh1, err := curve25519.X25519(local.DHPrivateKey, bundle.SignedPrekey.PublicKey)
	if err != nil {
		return SessionState{}, KeyExchangeHeader{}, err
	}
	dh2, err := curve25519.X25519(ephPriv, bundle.DHKey)
	if err != nil {
		return SessionState{}, KeyExchangeHeader{}, err
	}
	dh3, err := curve25519.X25519(ephPriv, bundle.SignedPrekey.PublicKey)
	if err != nil {
		return SessionState{}, KeyExchangeHeader{}, err
	}
	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	var oneTimeID uint32
	if bundle.OneTime != nil {
		if len(bundle.OneTime.PublicKey) != 32 {
			return SessionState{}, KeyExchangeHeader{}, ErrInvalidPeerKey
		}
		dh4, err := curve25519.X25519(ephPriv, bundle.OneTime.PublicKey)
		if err != nil {
			return SessionState{}, KeyExchangeHeader{}, err
		}
		material = append(material, dh4...)
		oneTimeID = bundle.OneTime.ID
	}

	rootKey := kdf32(material, []byte("murmur/x3dh/v1"))
	header := KeyExchangeHeader{
		IdentityKey:    append([]byte(nil), local.SigningPublicKey...),
		DHKey:          append([]byte(nil), local.DHPublicKey...),
		Ephemeral:      ephPub,
		SignedPrekeyID: bundle.SignedPrekey.ID,
		OneTimeID:      oneTimeID,
		RegistrationID: local.RegistrationID,
	}
	state := m.newSessionState(localAddress(local), bundle.Address, bundle.IdentityKey, rootKey, true)
	state.PendingHandshake = &header
	if err := m.store.SaveSession(state); err != nil {
		return SessionState{}, KeyExchangeHeader{}, err
	}
	return state, header, nil
}

// AcceptSession runs the responder side using the private halves of the
// prekeys the initiator picked. oneTimePriv is nil when the header carries no
// one-time prekey id.
func (m *SessionManager) AcceptSession(local models.Identity, sender models.Address, header KeyExchangeHeader, signedPrekeyPriv, oneTimePriv []byte) (SessionState, error) {
	if len(header.DHKey) != 32 || len(header.Ephemeral) != 32 {
		return SessionState{}, ErrInvalidPeerKey
	}
	if len(header.IdentityKey) != ed25519.PublicKeySize {
		return SessionState{}, ErrInvalidPeerKey
	}
	if len(signedPrekeyPriv) != 32 {
		return SessionState{}, ErrMissingPrekey
	}
	if err := m.checkPinned(sender, header.IdentityKey); err != nil {
		return SessionState{}, err
	}

	dh1, err := curve25519.X25519(signedPrekeyPriv, header.DHKey)
	if err != nil {
		return SessionState{}, err
	}
	dh2, err := curve25519.X25519(local.DHPrivateKey, header.Ephemeral)
	if err != nil {
		return SessionState{}, err
	}
	dh3, err := curve25519.X25519(signedPrekeyPriv, header.Ephemeral)
	if err != nil {
		return SessionState{}, err
	}
	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	if header.OneTimeID != 0 {
		if len(oneTimePriv) != 32 {
			return SessionState{}, ErrMissingPrekey
		}
		dh4, err := curve25519.X25519(oneTimePriv, header.Ephemeral)
		if err != nil {
			return SessionState{}, err
		}
		material = append(material, dh4...)
	}

	rootKey := kdf32(material, []byte("murmur/x3dh/v1"))
	state := m.newSessionState(localAddress(local), sender, header.IdentityKey, rootKey, false)
	if err := m.store.SaveSession(state); err != nil {
		return SessionState{}, err
	}
	return state, nil
}

// ConfirmIdentity checks a freshly observed identity key against the pinned
// one for peer. Used by the send path after a bundle fetch and by the receive
// path before accepting a re-handshake.
func (m *SessionManager) ConfirmIdentity(peer models.Address, identityKey []byte) error {
	return m.checkPinned(peer, identityKey)
}

func (m *SessionManager) checkPinned(peer models.Address, identityKey []byte) error {
	pinned, ok, err := m.PeerIdentity(peer)
	if err != nil {
		return err
	}
	if ok && !bytes.Equal(pinned, identityKey) {
		return fmt.Errorf("%w: %s", models.ErrIdentityMismatch, peer)
	}
	return nil
}

func (m *SessionManager) newSessionState(local, peer models.Address, peerIdentity, rootKey []byte, initiator bool) SessionState {
	sendCK := kdf32(rootKey, []byte("murmur/ratchet/chain/i2r/v1"))
	recvCK := kdf32(rootKey, []byte("murmur/ratchet/chain/r2i/v1"))
	if !initiator {
		sendCK, recvCK = recvCK, sendCK
	}
	now := time.Now().UTC()
	return SessionState{
		SessionID:       buildSessionID(local, peer, rootKey),
		Peer:            peer,
		PeerIdentityKey: append([]byte(nil), peerIdentity...),
		RootKey:         rootKey,
		SendChainKey:    sendCK,
		RecvChainKey:    recvCK,
		SeenMessageIDs:  []string{},
		SkippedKeys:     map[uint64][]byte{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func localAddress(local models.Identity) models.Address {
	return models.Address{AccountID: local.AccountID, DeviceID: local.DeviceID}
}

func generateX25519() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func deriveMessageKey(chainKey []byte, idx uint64) ([]byte, []byte) {
	seed := appendUint64(append([]byte{}, chainKey...), idx)
	msgKey := kdf32(seed, []byte("murmur/ratchet/message-key/v1"))
	nextCK := kdf32(seed, []byte("murmur/ratchet/chain-key/v1"))
	return msgKey, nextCK
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}
