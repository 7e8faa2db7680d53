// Package account owns the identity lifecycle: registration with a recovery
// phrase, linking secondary devices, and keeping the one-time prekey pool
// topped up.
package account

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"

	"murmur-chat/client-core/internal/conn"
	"murmur-chat/client-core/internal/credstore"
	"murmur-chat/client-core/internal/metrics"
	"murmur-chat/client-core/internal/relayapi"
	"murmur-chat/client-core/pkg/models"
)

const (
	methodLinkDevice  = "link_device"
	methodLinkClaim   = "link_claim"
	methodLinkApprove = "link_approve"
)

var (
	ErrAlreadyRegistered = errors.New("identity already registered")
	ErrNotPrimary        = errors.New("operation requires the primary device")
)

// RelayAPI is the slice of the relay HTTP client the manager uses.
type RelayAPI interface {
	Register(ctx context.Context, req relayapi.RegisterRequest) (relayapi.RegisterResponse, error)
	UploadPrekeys(ctx context.Context, req relayapi.UploadPrekeysRequest) error
	SetCredential(token string)
}

// Connection carries the link handshake frames over the duplex channel.
type Connection interface {
	Do(ctx context.Context, method string, body []byte) ([]byte, error)
}

type Config struct {
	PrekeyBatchSize int           `yaml:"prekeyBatchSize"`
	PrekeyLowWater  int           `yaml:"prekeyLowWater"`
	LinkTimeout     time.Duration `yaml:"linkTimeout"`
}

func DefaultConfig() Config {
	return Config{
		PrekeyBatchSize: 100,
		PrekeyLowWater:  20,
		LinkTimeout:     60 * time.Second,
	}
}

type Manager struct {
	cfg        Config
	api        RelayAPI
	connection Connection
	store      *credstore.Store
	logger     *slog.Logger
	metrics    *metrics.Set

	replenishing atomic.Bool
}

func New(cfg Config, api RelayAPI, connection Connection, store *credstore.Store, logger *slog.Logger, m *metrics.Set) *Manager {
	def := DefaultConfig()
	if cfg.PrekeyBatchSize <= 0 {
		cfg.PrekeyBatchSize = def.PrekeyBatchSize
	}
	if cfg.PrekeyLowWater <= 0 {
		cfg.PrekeyLowWater = def.PrekeyLowWater
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = def.LinkTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:        cfg,
		api:        api,
		connection: connection,
		store:      store,
		logger:     logger,
		metrics:    m,
	}
}

// Register creates a fresh account as the primary device and returns the
// identity together with the recovery phrase. The phrase is shown once and
// never persisted; everything else is rebuilt from it on restore.
func (m *Manager) Register(ctx context.Context, deviceName string) (models.Identity, string, error) {
	if _, err := m.store.Identity(); err == nil {
		return models.Identity{}, "", ErrAlreadyRegistered
	} else if !errors.Is(err, credstore.ErrNoIdentity) {
		return models.Identity{}, "", err
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return models.Identity{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return models.Identity{}, "", err
	}

	identity, err := m.registerDevice(ctx, bip39.NewSeed(mnemonic, ""), deviceName)
	if err != nil {
		return models.Identity{}, "", err
	}
	return identity, mnemonic, nil
}

// Restore rebuilds the identity from a recovery phrase and registers this
// device under the existing account.
func (m *Manager) Restore(ctx context.Context, mnemonic, deviceName string) (models.Identity, error) {
	if _, err := m.store.Identity(); err == nil {
		return models.Identity{}, ErrAlreadyRegistered
	} else if !errors.Is(err, credstore.ErrNoIdentity) {
		return models.Identity{}, err
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return models.Identity{}, errors.New("invalid recovery phrase")
	}
	return m.registerDevice(ctx, bip39.NewSeed(mnemonic, ""), deviceName)
}

func (m *Manager) registerDevice(ctx context.Context, seed []byte, deviceName string) (models.Identity, error) {
	keys, err := DeriveKeys(seed)
	if err != nil {
		return models.Identity{}, err
	}
	identity := models.Identity{
		AccountID:         BuildAccountID(keys.SigningPublicKey),
		DeviceName:        deviceName,
		RegistrationID:    newRegistrationID(),
		SigningPublicKey:  keys.SigningPublicKey,
		SigningPrivateKey: keys.SigningPrivateKey,
		DHPublicKey:       keys.DHPublicKey,
		DHPrivateKey:      keys.DHPrivateKey,
		CreatedAt:         time.Now().UTC(),
	}
	return m.finishRegistration(ctx, identity)
}

// finishRegistration runs the shared tail of every registration path: relay
// enrollment, identity persistence, then the initial prekey publication.
func (m *Manager) finishRegistration(ctx context.Context, identity models.Identity) (models.Identity, error) {
	resp, err := m.api.Register(ctx, relayapi.RegisterRequest{
		AccountID:      identity.AccountID,
		DeviceName:     identity.DeviceName,
		IdentityKey:    identity.SigningPublicKey,
		DHKey:          identity.DHPublicKey,
		RegistrationID: identity.RegistrationID,
	})
	if err != nil {
		return models.Identity{}, err
	}
	identity.DeviceID = resp.DeviceID
	identity.Credential = resp.Credential
	// Everything after enrollment, the prekey upload below included, must
	// carry the issued bearer.
	m.api.SetCredential(identity.Credential)

	if err := m.store.SaveIdentity(identity); err != nil {
		return models.Identity{}, err
	}
	if err := m.store.UpsertDevice(models.Device{
		DeviceID:       identity.DeviceID,
		Name:           identity.DeviceName,
		RegistrationID: identity.RegistrationID,
		LinkedAt:       time.Now().UTC(),
	}); err != nil {
		return models.Identity{}, err
	}

	if err := m.publishPrekeys(ctx, identity); err != nil {
		// Identity is saved; the pool can be filled on the next replenish.
		m.logger.Warn("initial prekey upload failed", "err", err)
	}
	return identity, nil
}

type linkDeviceRequest struct {
	Code      string `json:"code"`
	Ephemeral []byte `json:"ephemeral"`
}

type linkDeviceResponse struct {
	Sealed     []byte `json:"sealed"`
	DeviceName string `json:"device_name,omitempty"`
}

// LinkDevice runs the linking flow on the new device: publish an ephemeral
// key under the pairing code, wait for the primary to approve, then unpack
// the sealed identity and register as a secondary. A primary that never
// answers surfaces as models.ErrLinkTimeout.
func (m *Manager) LinkDevice(ctx context.Context, code, deviceName string) (models.Identity, error) {
	if _, err := m.store.Identity(); err == nil {
		return models.Identity{}, ErrAlreadyRegistered
	} else if !errors.Is(err, credstore.ErrNoIdentity) {
		return models.Identity{}, err
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return models.Identity{}, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return models.Identity{}, err
	}

	body, err := conn.EncodeBody(linkDeviceRequest{Code: code, Ephemeral: ephPub})
	if err != nil {
		return models.Identity{}, err
	}

	linkCtx, cancel := context.WithTimeout(ctx, m.cfg.LinkTimeout)
	defer cancel()
	raw, err := m.connection.Do(linkCtx, methodLinkDevice, body)
	if err != nil {
		if linkCtx.Err() != nil && ctx.Err() == nil {
			return models.Identity{}, fmt.Errorf("%w: no approval within %s", models.ErrLinkTimeout, m.cfg.LinkTimeout)
		}
		return models.Identity{}, err
	}

	var resp linkDeviceResponse
	if err := conn.DecodeBody(raw, &resp); err != nil {
		return models.Identity{}, err
	}
	payload, err := openProvision(resp.Sealed, ephPriv)
	if err != nil {
		return models.Identity{}, err
	}
	if payload.AccountID != BuildAccountID(payload.SigningPublicKey) {
		return models.Identity{}, fmt.Errorf("%w: provisioned account id does not match identity key", models.ErrIdentityMismatch)
	}

	identity := models.Identity{
		AccountID:         payload.AccountID,
		DeviceName:        deviceName,
		RegistrationID:    newRegistrationID(),
		SigningPublicKey:  payload.SigningPublicKey,
		SigningPrivateKey: payload.SigningPrivateKey,
		DHPublicKey:       payload.DHPublicKey,
		DHPrivateKey:      payload.DHPrivateKey,
		CreatedAt:         time.Now().UTC(),
	}
	identity, err = m.finishRegistration(ctx, identity)
	if err != nil {
		return models.Identity{}, err
	}

	if len(payload.Contacts) > 0 {
		if err := m.store.ReplaceContacts(payload.Contacts); err != nil {
			m.logger.Warn("provisioned contacts not stored", "err", err)
		}
	}
	return identity, nil
}

type linkClaimRequest struct {
	Code string `json:"code"`
}

type linkClaimResponse struct {
	Ephemeral  []byte `json:"ephemeral"`
	DeviceName string `json:"device_name,omitempty"`
}

type linkApproveRequest struct {
	Code   string `json:"code"`
	Sealed []byte `json:"sealed"`
}

// ApproveLink runs on the primary: claim the pairing code, seal the identity
// to the waiting device's ephemeral key, and hand it back through the relay.
func (m *Manager) ApproveLink(ctx context.Context, code string) error {
	identity, err := m.store.Identity()
	if err != nil {
		return err
	}
	if identity.DeviceID != models.PrimaryDeviceID {
		return ErrNotPrimary
	}

	claimBody, err := conn.EncodeBody(linkClaimRequest{Code: code})
	if err != nil {
		return err
	}
	raw, err := m.connection.Do(ctx, methodLinkClaim, claimBody)
	if err != nil {
		return err
	}
	var claim linkClaimResponse
	if err := conn.DecodeBody(raw, &claim); err != nil {
		return err
	}

	contacts, err := m.store.Contacts()
	if err != nil {
		return err
	}
	sealed, err := sealProvision(provisionPayload{
		AccountID:         identity.AccountID,
		SigningPublicKey:  identity.SigningPublicKey,
		SigningPrivateKey: identity.SigningPrivateKey,
		DHPublicKey:       identity.DHPublicKey,
		DHPrivateKey:      identity.DHPrivateKey,
		Contacts:          contacts,
	}, claim.Ephemeral)
	if err != nil {
		return err
	}

	approveBody, err := conn.EncodeBody(linkApproveRequest{Code: code, Sealed: sealed})
	if err != nil {
		return err
	}
	if _, err := m.connection.Do(ctx, methodLinkApprove, approveBody); err != nil {
		return err
	}
	m.logger.Info("device link approved", "device_name", claim.DeviceName)
	return nil
}

// ReplenishPrekeys regenerates and uploads a one-time batch when the pool
// runs low. Idempotent under concurrent triggers: one refill in flight, and
// the pool level is re-checked before generating.
func (m *Manager) ReplenishPrekeys(ctx context.Context) error {
	if !m.replenishing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.replenishing.Store(false)

	if m.store.PrekeyCount() >= m.cfg.PrekeyLowWater {
		return nil
	}
	identity, err := m.store.Identity()
	if err != nil {
		return err
	}
	return m.publishPrekeys(ctx, identity)
}

// publishPrekeys generates a fresh batch, stores the private halves, and
// uploads public halves only.
func (m *Manager) publishPrekeys(ctx context.Context, identity models.Identity) error {
	signed, ok, err := m.store.SignedPrekey()
	if err != nil {
		return err
	}
	if !ok {
		signed, err = newSignedPrekey(identity.SigningPrivateKey)
		if err != nil {
			return err
		}
		if err := m.store.SaveSignedPrekey(signed); err != nil {
			return err
		}
	}

	batch := make([]models.Prekey, 0, m.cfg.PrekeyBatchSize)
	for i := 0; i < m.cfg.PrekeyBatchSize; i++ {
		pk, err := newOneTimePrekey()
		if err != nil {
			return err
		}
		batch = append(batch, pk)
	}
	if err := m.store.PutPrekeys(batch); err != nil {
		return err
	}

	req := relayapi.UploadPrekeysRequest{
		SignedPrekey: publicPrekey(signed),
		OneTime:      make([]models.Prekey, 0, len(batch)),
	}
	for _, pk := range batch {
		req.OneTime = append(req.OneTime, publicPrekey(pk))
	}
	if err := m.api.UploadPrekeys(ctx, req); err != nil {
		return err
	}

	m.metrics.SetPrekeyPool(m.store.PrekeyCount())
	m.logger.Info("prekey pool replenished", "count", len(batch))
	return nil
}

// RotateSignedPrekey replaces the long-lived signed prekey and republishes
// the public halves. The one-time pool is untouched.
func (m *Manager) RotateSignedPrekey(ctx context.Context) error {
	identity, err := m.store.Identity()
	if err != nil {
		return err
	}
	signed, err := newSignedPrekey(identity.SigningPrivateKey)
	if err != nil {
		return err
	}
	if err := m.store.SaveSignedPrekey(signed); err != nil {
		return err
	}
	return m.api.UploadPrekeys(ctx, relayapi.UploadPrekeysRequest{SignedPrekey: publicPrekey(signed)})
}

func newSignedPrekey(signingPriv ed25519.PrivateKey) (models.Prekey, error) {
	pk, err := newOneTimePrekey()
	if err != nil {
		return models.Prekey{}, err
	}
	pk.Signature = ed25519.Sign(signingPriv, pk.PublicKey)
	return pk, nil
}

func newOneTimePrekey() (models.Prekey, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return models.Prekey{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return models.Prekey{}, err
	}
	return models.Prekey{ID: newPrekeyID(), PublicKey: pub, PrivateKey: priv}, nil
}

func publicPrekey(pk models.Prekey) models.Prekey {
	return models.Prekey{ID: pk.ID, PublicKey: pk.PublicKey, Signature: pk.Signature}
}

// newPrekeyID draws a random nonzero 31-bit id; zero is reserved to mean "no
// one-time prekey" in handshake headers.
func newPrekeyID() uint32 {
	var buf [4]byte
	for {
		_, _ = rand.Read(buf[:])
		id := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if id != 0 {
			return id
		}
	}
}

func newRegistrationID() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])&0x3fff + 1
}
