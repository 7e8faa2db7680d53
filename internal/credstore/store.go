// Package credstore is the single owner of durable cryptographic state:
// identity, devices, prekeys, ratchet sessions and the cached contact set.
// Every other component reads and writes through it. Session records get
// per-peer serialization; identity and device reads stay concurrent.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"murmur-chat/client-core/internal/crypto"
	"murmur-chat/client-core/internal/securestore"
	"murmur-chat/client-core/pkg/models"
)

type Kind string

const (
	KindIdentity     Kind = "identity"
	KindDevice       Kind = "device"
	KindSession      Kind = "session"
	KindPrekey       Kind = "prekey"
	KindSignedPrekey Kind = "signedprekey"
	KindContactSet   Kind = "contactset"
)

var (
	ErrNoIdentity = errors.New("no identity registered")
	ErrNoPrekeys  = errors.New("prekey pool is empty")
)

const identityKey = "self"

// Options configures persistence and the prekey low-water callback.
type Options struct {
	// Path/Secret enable encrypted snapshots; both empty means memory-only.
	Path   string
	Secret string
	// PrekeyLowWater triggers OnLowPrekeys when the one-time pool falls below
	// it after a take.
	PrekeyLowWater int
	OnLowPrekeys   func(remaining int)
	Logger         *slog.Logger
}

type Store struct {
	mu      sync.RWMutex
	records map[Kind]map[string][]byte

	peerMu sync.Mutex
	peers  map[string]*sync.Mutex

	opts   Options
	logger *slog.Logger
}

// Open loads an existing snapshot when persistence is configured, otherwise
// starts empty.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		records: make(map[Kind]map[string][]byte),
		peers:   make(map[string]*sync.Mutex),
		opts:    opts,
		logger:  logger,
	}
	if opts.Path != "" && opts.Secret != "" {
		var snapshot map[Kind]map[string][]byte
		err := securestore.ReadDecryptedJSON(opts.Path, opts.Secret, &snapshot)
		switch {
		case err == nil:
			s.records = snapshot
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("credstore open: %w", err)
		}
	}
	return s, nil
}

// LockPeer serializes ratchet operations for one remote device. The returned
// unlock must be called exactly once; distinct peers proceed concurrently.
func (s *Store) LockPeer(peer models.Address) func() {
	s.peerMu.Lock()
	mu, ok := s.peers[peer.String()]
	if !ok {
		mu = &sync.Mutex{}
		s.peers[peer.String()] = mu
	}
	s.peerMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Get/Set/Delete implement the raw key-value contract keyed (kind, id).

func (s *Store) Get(kind Kind, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.records[kind][id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *Store) Set(kind Kind, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(kind, id, value)
	return s.persistLocked()
}

func (s *Store) Delete(kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[kind], id)
	return s.persistLocked()
}

// CompareAndSwap updates (kind, id) only when the stored value still equals
// old; nil old means "must not exist". Reports whether the swap happened.
func (s *Store) CompareAndSwap(kind Kind, id string, old, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[kind][id]
	if old == nil && exists {
		return false, nil
	}
	if old != nil && (!exists || string(current) != string(old)) {
		return false, nil
	}
	s.setLocked(kind, id, value)
	return true, s.persistLocked()
}

func (s *Store) setLocked(kind Kind, id string, value []byte) {
	if s.records[kind] == nil {
		s.records[kind] = make(map[string][]byte)
	}
	s.records[kind][id] = append([]byte(nil), value...)
}

// persistLocked snapshots the whole store; callers hold s.mu.
func (s *Store) persistLocked() error {
	if s.opts.Path == "" || s.opts.Secret == "" {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.opts.Path, s.opts.Secret, s.records)
}

// --- identity ---

func (s *Store) SaveIdentity(id models.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.Set(KindIdentity, identityKey, raw)
}

func (s *Store) Identity() (models.Identity, error) {
	raw, ok, err := s.Get(KindIdentity, identityKey)
	if err != nil {
		return models.Identity{}, err
	}
	if !ok {
		return models.Identity{}, ErrNoIdentity
	}
	var id models.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return models.Identity{}, err
	}
	return id, nil
}

// --- devices ---

func (s *Store) UpsertDevice(d models.Device) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.Set(KindDevice, fmt.Sprintf("%d", d.DeviceID), raw)
}

func (s *Store) Devices() ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Device, 0, len(s.records[KindDevice]))
	for _, raw := range s.records[KindDevice] {
		var d models.Device
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) RemoveDevice(deviceID uint32) error {
	return s.Delete(KindDevice, fmt.Sprintf("%d", deviceID))
}

// --- prekeys ---

func (s *Store) PutPrekeys(batch []models.Prekey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pk := range batch {
		raw, err := json.Marshal(pk)
		if err != nil {
			return err
		}
		s.setLocked(KindPrekey, fmt.Sprintf("%d", pk.ID), raw)
	}
	return s.persistLocked()
}

// TakePrekey removes and returns a one-time prekey by id. Consumption is
// destructive so a prekey can never serve two handshakes; the low-water
// callback fires outside the lock.
func (s *Store) TakePrekey(id uint32) (models.Prekey, error) {
	s.mu.Lock()
	raw, ok := s.records[KindPrekey][fmt.Sprintf("%d", id)]
	if !ok {
		s.mu.Unlock()
		return models.Prekey{}, ErrNoPrekeys
	}
	var pk models.Prekey
	if err := json.Unmarshal(raw, &pk); err != nil {
		s.mu.Unlock()
		return models.Prekey{}, err
	}
	delete(s.records[KindPrekey], fmt.Sprintf("%d", id))
	remaining := len(s.records[KindPrekey])
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return models.Prekey{}, err
	}

	if s.opts.OnLowPrekeys != nil && remaining < s.opts.PrekeyLowWater {
		s.opts.OnLowPrekeys(remaining)
	}
	return pk, nil
}

func (s *Store) PrekeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[KindPrekey])
}

func (s *Store) SaveSignedPrekey(pk models.Prekey) error {
	raw, err := json.Marshal(pk)
	if err != nil {
		return err
	}
	return s.Set(KindSignedPrekey, "current", raw)
}

func (s *Store) SignedPrekey() (models.Prekey, bool, error) {
	raw, ok, err := s.Get(KindSignedPrekey, "current")
	if err != nil || !ok {
		return models.Prekey{}, ok, err
	}
	var pk models.Prekey
	if err := json.Unmarshal(raw, &pk); err != nil {
		return models.Prekey{}, false, err
	}
	return pk, true, nil
}

// --- sessions (crypto.SessionStore) ---

func (s *Store) SaveSession(state crypto.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.Set(KindSession, state.Peer.String(), raw)
}

func (s *Store) GetSession(peer models.Address) (crypto.SessionState, bool, error) {
	raw, ok, err := s.Get(KindSession, peer.String())
	if err != nil || !ok {
		return crypto.SessionState{}, ok, err
	}
	var state crypto.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return crypto.SessionState{}, false, err
	}
	return state, true, nil
}

func (s *Store) DeleteSession(peer models.Address) error {
	return s.Delete(KindSession, peer.String())
}

// --- contacts ---

type contactSet struct {
	Contacts   []models.Contact `json:"contacts"`
	ReplacedAt time.Time        `json:"replaced_at"`
}

// ReplaceContacts swaps the whole cached contact set in one write. A failed
// sync never gets here, so the prior set stays authoritative.
func (s *Store) ReplaceContacts(contacts []models.Contact) error {
	raw, err := json.Marshal(contactSet{Contacts: contacts, ReplacedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.Set(KindContactSet, "current", raw)
}

func (s *Store) Contacts() ([]models.Contact, error) {
	raw, ok, err := s.Get(KindContactSet, "current")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var set contactSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, err
	}
	return set.Contacts, nil
}
