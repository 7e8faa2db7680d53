// Package receive is the inbound pipeline: envelope frames in, bus events
// out. It owns the dedup window and the decrypt-failure recovery policy.
package receive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"murmur-chat/client-core/internal/conn"
	"murmur-chat/client-core/internal/credstore"
	"murmur-chat/client-core/internal/crypto"
	"murmur-chat/client-core/internal/eventbus"
	"murmur-chat/client-core/internal/metrics"
	"murmur-chat/client-core/pkg/models"
)

// Connection is the slice of the connection resource the receiver uses.
type Connection interface {
	Push() <-chan conn.Frame
	Acknowledge(serverGUID string) error
}

// Policy controls recovery from session-state decrypt failures. Resetting on
// stale state restores delivery after a peer reinstall, but an attacker who
// can trigger resets can disrupt an existing session, so the knob is explicit
// and resets are metered.
type Policy struct {
	// ResetOnStaleSession allows discarding the session and retrying the
	// decrypt once when the envelope carries a handshake header.
	ResetOnStaleSession bool
}

type Config struct {
	DedupWindow time.Duration `yaml:"dedupWindow"`
	Policy      Policy        `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		DedupWindow: 10 * time.Minute,
		Policy:      Policy{ResetOnStaleSession: true},
	}
}

type Receiver struct {
	cfg        Config
	connection Connection
	store      *credstore.Store
	sessions   *crypto.SessionManager
	bus        *eventbus.Bus
	logger     *slog.Logger
	metrics    *metrics.Set
	now        func() time.Time

	// onSync delivers sync payloads to the coordinator, outside the bus.
	syncMu sync.RWMutex
	onSync func(sender models.Address, kind string, payload models.SyncPayload)

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

func New(cfg Config, connection Connection, store *credstore.Store, sessions *crypto.SessionManager, bus *eventbus.Bus, logger *slog.Logger, m *metrics.Set) *Receiver {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Receiver{
		cfg:        cfg,
		connection: connection,
		store:      store,
		sessions:   sessions,
		bus:        bus,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		dedup:      make(map[string]time.Time),
	}
}

// SetSyncHandler registers the sync coordinator's delivery callback.
func (r *Receiver) SetSyncHandler(fn func(sender models.Address, kind string, payload models.SyncPayload)) {
	r.syncMu.Lock()
	r.onSync = fn
	r.syncMu.Unlock()
}

// Run drains push frames until the connection closes or ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-r.connection.Push():
			if !ok {
				return
			}
			switch frame.Type {
			case conn.FrameEnvelope:
				r.handleEnvelope(frame)
			case conn.FrameQueueEmpty:
				r.logger.Debug("relay queue drained")
			default:
				r.logger.Debug("ignoring push frame", "type", frame.Type)
			}
		}
	}
}

func (r *Receiver) handleEnvelope(frame conn.Frame) {
	var env models.Envelope
	if err := conn.DecodeBody(frame.Body, &env); err != nil {
		r.logger.Warn("undecodable envelope frame", "err", err)
		return
	}
	r.metrics.IncEnvelopes()

	if r.isDuplicate(env) {
		r.metrics.IncDeduped()
		// Already applied once: tell the relay again and stay silent.
		if err := r.connection.Acknowledge(env.ServerGUID); err != nil {
			r.logger.Warn("ack of duplicate failed", "err", err)
		}
		return
	}

	content, err := r.decrypt(env)
	if err != nil {
		r.report(env, err)
		// Redelivery cannot repair a tampered or unrecoverable envelope; ack
		// so the relay stops resending it.
		if ackErr := r.connection.Acknowledge(env.ServerGUID); ackErr != nil {
			r.logger.Warn("ack after decrypt failure failed", "err", ackErr)
		}
		return
	}

	r.emit(env, content)
	// Emit before ack: a crash in between yields a duplicate on redelivery,
	// which the dedup window absorbs. The reverse order could lose an event.
	if err := r.connection.Acknowledge(env.ServerGUID); err != nil {
		r.logger.Warn("ack failed", "guid", env.ServerGUID, "err", err)
	}
}

// decrypt serializes on the sender's session, accepting a handshake when the
// envelope opens a new session, and applies the reset-and-retry-once policy
// for stale-session failures.
func (r *Receiver) decrypt(env models.Envelope) (models.Content, error) {
	unlock := r.store.LockPeer(env.Sender)
	defer unlock()

	var msgEnv crypto.MessageEnvelope
	if err := conn.DecodeBody(env.Content, &msgEnv); err != nil {
		return models.Content{}, fmt.Errorf("%w: undecodable content", models.ErrCiphertextAuth)
	}

	if env.Type == models.EnvelopePrekey && msgEnv.Handshake != nil {
		if err := r.acceptHandshakeIfNew(env.Sender, *msgEnv.Handshake); err != nil {
			return models.Content{}, err
		}
	}

	plaintext, err := r.sessions.Decrypt(env.Sender, msgEnv)
	if errors.Is(err, models.ErrSessionState) && r.cfg.Policy.ResetOnStaleSession && msgEnv.Handshake != nil {
		r.metrics.IncSessionResets()
		r.logger.Info("stale session, resetting and retrying once", "peer", env.Sender.String())
		if resetErr := r.sessions.Reset(env.Sender); resetErr != nil {
			return models.Content{}, resetErr
		}
		if acceptErr := r.acceptHandshakeIfNew(env.Sender, *msgEnv.Handshake); acceptErr != nil {
			return models.Content{}, acceptErr
		}
		plaintext, err = r.sessions.Decrypt(env.Sender, msgEnv)
	}
	if err != nil {
		return models.Content{}, err
	}

	var content models.Content
	if err := conn.DecodeBody(plaintext, &content); err != nil {
		return models.Content{}, fmt.Errorf("undecodable plaintext content: %w", err)
	}
	return content, nil
}

func (r *Receiver) acceptHandshakeIfNew(sender models.Address, header crypto.KeyExchangeHeader) error {
	ok, err := r.sessions.HasSession(sender)
	if err != nil {
		return err
	}
	if ok {
		// Existing session: only the pinned-identity check applies here; the
		// ratchet decides whether the message itself fits.
		return r.sessions.ConfirmIdentity(sender, header.IdentityKey)
	}

	local, err := r.store.Identity()
	if err != nil {
		return err
	}
	signed, found, err := r.store.SignedPrekey()
	if err != nil {
		return err
	}
	if !found || signed.ID != header.SignedPrekeyID {
		return fmt.Errorf("%w: unknown signed prekey %d", models.ErrSessionState, header.SignedPrekeyID)
	}
	var oneTimePriv []byte
	if header.OneTimeID != 0 {
		pk, err := r.store.TakePrekey(header.OneTimeID)
		if err != nil {
			return fmt.Errorf("%w: one-time prekey %d: %v", models.ErrSessionState, header.OneTimeID, err)
		}
		oneTimePriv = pk.PrivateKey
	}
	_, err = r.sessions.AcceptSession(local, sender, header, signed.PrivateKey, oneTimePriv)
	return err
}

func (r *Receiver) emit(env models.Envelope, content models.Content) {
	switch content.Kind {
	case models.ContentData:
		r.bus.Publish(eventbus.TopicMessageReceived, models.IncomingMessage{
			Sender:     env.Sender,
			Body:       content.Body,
			SentAt:     content.SentAt,
			ServerGUID: env.ServerGUID,
		})
	case models.ContentReceipt:
		if content.Receipt == nil {
			r.logger.Warn("receipt content without receipt payload", "peer", env.Sender.String())
			return
		}
		r.bus.Publish(eventbus.TopicReceiptReceived, models.ReceiptEvent{
			Sender:     env.Sender,
			Kind:       content.Receipt.Kind,
			Timestamps: content.Receipt.Timestamps,
		})
	case models.ContentSyncRequest, models.ContentSyncChunk:
		if content.Sync == nil {
			r.logger.Warn("sync content without sync payload", "peer", env.Sender.String())
			return
		}
		r.syncMu.RLock()
		handler := r.onSync
		r.syncMu.RUnlock()
		if handler != nil {
			handler(env.Sender, content.Kind, *content.Sync)
		}
	case models.ContentKeyExchange:
		// Session already established during decrypt; nothing to deliver.
		r.logger.Debug("key exchange message", "peer", env.Sender.String())
	default:
		r.logger.Warn("unknown content kind", "kind", content.Kind)
	}
}

func (r *Receiver) report(env models.Envelope, err error) {
	class := "other"
	switch {
	case errors.Is(err, models.ErrIdentityMismatch):
		class = "identity_mismatch"
	case errors.Is(err, models.ErrCiphertextAuth):
		class = "tamper"
	case errors.Is(err, models.ErrSessionState):
		class = "session_state"
	case errors.Is(err, crypto.ErrReplayDetected):
		class = "replay"
	}
	r.metrics.IncDecryptFailure(class)
	r.logger.Warn("envelope dropped", "class", class, "peer", env.Sender.String(), "err", err)
	r.bus.Publish(eventbus.TopicError, models.ErrorEvent{
		Source: "receive",
		Error:  err.Error(),
		Peer:   env.Sender,
	})
}

// isDuplicate records and checks (sender device, timestamp) within the
// retention window. At-least-once delivery from the relay becomes
// at-most-once application.
func (r *Receiver) isDuplicate(env models.Envelope) bool {
	key := fmt.Sprintf("%s|%d|%d", env.Sender.String(), env.Timestamp, env.Seq)
	now := r.now()

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	cutoff := now.Add(-r.cfg.DedupWindow)
	for k, seen := range r.dedup {
		if seen.Before(cutoff) {
			delete(r.dedup, k)
		}
	}
	if _, ok := r.dedup[key]; ok {
		return true
	}
	r.dedup[key] = now
	return false
}
