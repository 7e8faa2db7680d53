// Package crypto holds the per-peer ratchet sessions. A session is keyed by
// the remote device address; all mutation goes through the owning store so the
// per-peer serialization guarantee lives in one place.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"murmur-chat/client-core/pkg/models"
)

var (
	ErrInvalidPeerKey  = errors.New("invalid peer key")
	ErrSessionNotFound = errors.New("session not found")
	ErrReplayDetected  = errors.New("replay detected")
)

const (
	maxSeenMessageIDs    = 1024
	maxSkippedChainGap   = 512
	maxSkippedMessageKey = 2048
)

// SessionState is the persistent ratchet state for one remote device.
// PeerIdentityKey is pinned at handshake time; any later divergence is an
// identity mismatch, never silently accepted.
type SessionState struct {
	SessionID       string            `json:"session_id"`
	Peer            models.Address    `json:"peer"`
	PeerIdentityKey []byte            `json:"peer_identity_key"`
	RootKey         []byte            `json:"root_key"`
	SendChainKey    []byte            `json:"send_chain_key"`
	RecvChainKey    []byte            `json:"recv_chain_key"`
	SendChainIndex  uint64            `json:"send_chain_index"`
	RecvChainIndex  uint64            `json:"recv_chain_index"`
	SeenMessageIDs  []string          `json:"seen_message_ids"`
	SkippedKeys     map[uint64][]byte `json:"skipped_keys"`
	// PendingHandshake rides on outgoing envelopes until the peer's first
	// reply proves the session is established on both ends.
	PendingHandshake *KeyExchangeHeader `json:"pending_handshake,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// SessionStore persists session state. Save must be atomic per address.
type SessionStore interface {
	SaveSession(state SessionState) error
	GetSession(peer models.Address) (SessionState, bool, error)
	DeleteSession(peer models.Address) error
}

// SessionManager serializes ratchet operations against a store. Callers hold
// the store's per-peer lock around Encrypt/Decrypt for a given address.
type SessionManager struct {
	store SessionStore
}

func NewSessionManager(store SessionStore) *SessionManager {
	return &SessionManager{store: store}
}

func (m *SessionManager) HasSession(peer models.Address) (bool, error) {
	_, ok, err := m.store.GetSession(peer)
	return ok, err
}

// PeerIdentity returns the identity key pinned for peer, if a session exists.
func (m *SessionManager) PeerIdentity(peer models.Address) ([]byte, bool, error) {
	state, ok, err := m.store.GetSession(peer)
	if err != nil || !ok {
		return nil, ok, err
	}
	return state.PeerIdentityKey, true, nil
}

// Reset discards the session so the next exchange re-runs the handshake. Used
// by the stale-session recovery policy; never invoked for identity mismatch.
func (m *SessionManager) Reset(peer models.Address) error {
	return m.store.DeleteSession(peer)
}

// MessageEnvelope is the ciphertext body carried inside a wire envelope.
type MessageEnvelope struct {
	Version    uint8              `json:"version"`
	SessionID  string             `json:"session_id"`
	MessageID  string             `json:"message_id"`
	ChainIndex uint64             `json:"chain_index"`
	PrevCount  uint64             `json:"prev_count"`
	Nonce      []byte             `json:"nonce"`
	Ciphertext []byte             `json:"ciphertext"`
	Handshake  *KeyExchangeHeader `json:"handshake,omitempty"`
}

func ValidateEnvelope(env MessageEnvelope) error {
	if env.Version == 0 {
		return errors.New("invalid version")
	}
	if env.SessionID == "" || env.MessageID == "" {
		return errors.New("missing identifiers")
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.Ciphertext) == 0 {
		return errors.New("invalid envelope payload")
	}
	return nil
}

func (m *SessionManager) Encrypt(peer models.Address, plaintext []byte) (MessageEnvelope, error) {
	state, ok, err := m.store.GetSession(peer)
	if err != nil {
		return MessageEnvelope{}, err
	}
	if !ok {
		return MessageEnvelope{}, ErrSessionNotFound
	}

	messageID := fmt.Sprintf("dr_%d_%d", time.Now().UnixNano(), state.SendChainIndex)
	msgKey, nextChainKey := deriveMessageKey(state.SendChainKey, state.SendChainIndex)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return MessageEnvelope{}, err
	}

	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return MessageEnvelope{}, err
	}
	ad := envelopeAAD(state.SessionID, messageID, state.SendChainIndex)
	env := MessageEnvelope{
		Version:    1,
		SessionID:  state.SessionID,
		MessageID:  messageID,
		ChainIndex: state.SendChainIndex,
		PrevCount:  state.RecvChainIndex,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, ad),
	}

	state.SendChainIndex++
	state.SendChainKey = nextChainKey
	state.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(state); err != nil {
		return MessageEnvelope{}, err
	}
	return env, nil
}

// Decrypt classifies failures: state problems (no session, session id drift,
// chain index out of window) surface as models.ErrSessionState so the caller
// may reset-and-retry once; AEAD open failures surface as
// models.ErrCiphertextAuth and are never retried.
func (m *SessionManager) Decrypt(peer models.Address, env MessageEnvelope) ([]byte, error) {
	if err := ValidateEnvelope(env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCiphertextAuth, err)
	}

	state, ok, err := m.store.GetSession(peer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no session for %s", models.ErrSessionState, peer)
	}
	if env.SessionID != state.SessionID {
		return nil, fmt.Errorf("%w: session id mismatch", models.ErrSessionState)
	}
	if seen(state.SeenMessageIDs, env.MessageID) {
		return nil, ErrReplayDetected
	}
	if state.SkippedKeys == nil {
		state.SkippedKeys = map[uint64][]byte{}
	}

	// Out-of-order message decryptable with a previously derived skipped key.
	if skippedKey, ok := state.SkippedKeys[env.ChainIndex]; ok {
		plaintext, err := openWithKey(skippedKey, state.SessionID, env)
		if err != nil {
			return nil, err
		}
		delete(state.SkippedKeys, env.ChainIndex)
		state.SeenMessageIDs = appendSeen(state.SeenMessageIDs, env.MessageID, maxSeenMessageIDs)
		state.PendingHandshake = nil
		state.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveSession(state); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	if env.ChainIndex < state.RecvChainIndex {
		return nil, fmt.Errorf("%w: chain index %d behind %d", models.ErrSessionState, env.ChainIndex, state.RecvChainIndex)
	}
	if env.ChainIndex-state.RecvChainIndex > maxSkippedChainGap {
		return nil, fmt.Errorf("%w: chain gap %d exceeds window", models.ErrSessionState, env.ChainIndex-state.RecvChainIndex)
	}

	chainKey := state.RecvChainKey
	index := state.RecvChainIndex
	for index < env.ChainIndex {
		skippedMsgKey, nextChainKey := deriveMessageKey(chainKey, index)
		state.SkippedKeys[index] = skippedMsgKey
		chainKey = nextChainKey
		index++
	}
	pruneSkippedKeys(state.SkippedKeys, state.RecvChainIndex, maxSkippedMessageKey)
	msgKey, nextChainKey := deriveMessageKey(chainKey, index)

	plaintext, err := openWithKey(msgKey, state.SessionID, env)
	if err != nil {
		return nil, err
	}

	state.RecvChainKey = nextChainKey
	state.RecvChainIndex = env.ChainIndex + 1
	state.PendingHandshake = nil
	state.SeenMessageIDs = appendSeen(state.SeenMessageIDs, env.MessageID, maxSeenMessageIDs)
	pruneSkippedKeys(state.SkippedKeys, state.RecvChainIndex, maxSkippedMessageKey)
	state.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(state); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func openWithKey(msgKey []byte, sessionID string, env MessageEnvelope) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, err
	}
	ad := envelopeAAD(sessionID, env.MessageID, env.ChainIndex)
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCiphertextAuth, err)
	}
	return plaintext, nil
}

// buildSessionID is order-independent so both sides derive the same id from
// the shared root key.
func buildSessionID(local, peer models.Address, rootKey []byte) string {
	a, b := local.String(), peer.String()
	if a > b {
		a, b = b, a
	}
	h := sha256.Sum256(append([]byte(a+"|"+b+"|"), rootKey...))
	return "sess1_" + hex.EncodeToString(h[:16])
}

func envelopeAAD(sessionID, messageID string, chainIndex uint64) []byte {
	b := make([]byte, 0, len(sessionID)+len(messageID)+10)
	b = append(b, []byte(sessionID)...)
	b = append(b, 0)
	b = append(b, []byte(messageID)...)
	b = append(b, 0)
	return appendUint64(b, chainIndex)
}

func seen(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func appendSeen(list []string, value string, max int) []string {
	list = append(list, value)
	if len(list) <= max {
		return list
	}
	return append([]string(nil), list[len(list)-max:]...)
}

func pruneSkippedKeys(keys map[uint64][]byte, recvChainIndex uint64, max int) {
	if len(keys) == 0 {
		return
	}
	for idx := range keys {
		// Keep skipped keys only inside the bounded out-of-order window.
		if idx+maxSkippedChainGap < recvChainIndex {
			delete(keys, idx)
		}
	}
	for len(keys) > max {
		var minIdx uint64
		first := true
		for idx := range keys {
			if first || idx < minIdx {
				minIdx = idx
				first = false
			}
		}
		if first {
			return
		}
		delete(keys, minIdx)
	}
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
