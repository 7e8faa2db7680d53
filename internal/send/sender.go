// Package send is the outbound pipeline. Recipients are independent: each
// gets its own session establishment, encryption and bounded retries, and one
// recipient's failure never blocks the rest.
package send

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur-chat/client-core/internal/conn"
	"murmur-chat/client-core/internal/credstore"
	"murmur-chat/client-core/internal/crypto"
	"murmur-chat/client-core/internal/metrics"
	"murmur-chat/client-core/pkg/models"
)

const methodPutMessage = "put_message"

// Connection is the slice of the connection resource the sender uses.
type Connection interface {
	Do(ctx context.Context, method string, body []byte) ([]byte, error)
}

// BundleFetcher hands out prekey bundles for session establishment.
type BundleFetcher interface {
	FetchPrekeyBundle(ctx context.Context, addr models.Address) (models.PrekeyBundle, error)
}

type Config struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	RetryBase   time.Duration `yaml:"retryBase"`
	RetryMax    time.Duration `yaml:"retryMax"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		RetryBase:   500 * time.Millisecond,
		RetryMax:    10 * time.Second,
	}
}

type Sender struct {
	cfg        Config
	connection Connection
	api        BundleFetcher
	store      *credstore.Store
	sessions   *crypto.SessionManager
	logger     *slog.Logger
	metrics    *metrics.Set
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, connection Connection, api BundleFetcher, store *credstore.Store, sessions *crypto.SessionManager, logger *slog.Logger, m *metrics.Set) *Sender {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = def.RetryMax
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sender{
		cfg:        cfg,
		connection: connection,
		api:        api,
		store:      store,
		sessions:   sessions,
		logger:     logger,
		metrics:    m,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Send encrypts and delivers content to every recipient device. It resolves
// once all recipients are terminal and returns the aggregate; the error is
// non-nil only for malformed input, never for per-recipient failures.
func (s *Sender) Send(ctx context.Context, content models.Content, recipients []models.Address) (models.SendResult, error) {
	if len(recipients) == 0 {
		return models.SendResult{}, errors.New("no recipients")
	}
	plaintext, err := conn.EncodeBody(content)
	if err != nil {
		return models.SendResult{}, err
	}
	local, err := s.store.Identity()
	if err != nil {
		return models.SendResult{}, err
	}

	result := models.SendResult{
		JobID:     uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Outcomes:  make([]models.DeliveryOutcome, len(recipients)),
	}

	var wg sync.WaitGroup
	for i, recipient := range recipients {
		wg.Add(1)
		go func(slot int, recipient models.Address) {
			defer wg.Done()
			result.Outcomes[slot] = s.deliver(ctx, local, recipient, plaintext, result.Timestamp)
		}(i, recipient)
	}
	wg.Wait()

	for _, o := range result.Outcomes {
		s.metrics.IncSendOutcome(o.State)
	}
	return result, nil
}

// deliver runs the per-recipient loop: ensure session, encrypt, put on the
// wire, retry transient failures with backoff. Identity mismatches and other
// non-transient errors are terminal immediately.
func (s *Sender) deliver(ctx context.Context, local models.Identity, recipient models.Address, plaintext []byte, timestamp int64) models.DeliveryOutcome {
	outcome := models.DeliveryOutcome{Address: recipient, State: models.DeliveryPending}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		body, err := s.encryptForRecipient(ctx, local, recipient, plaintext, timestamp)
		if err == nil {
			_, err = s.connection.Do(ctx, methodPutMessage, body)
			if err == nil {
				outcome.State = models.DeliverySent
				outcome.Reason = ""
				return outcome
			}
		}

		outcome.State = models.DeliveryFailed
		outcome.Reason = err.Error()

		if !models.Transient(err) || attempt == s.cfg.MaxAttempts {
			s.logger.Warn("delivery failed", "peer", recipient.String(), "attempt", attempt, "err", err)
			return outcome
		}
		if sleepErr := s.sleep(ctx, s.backoff(attempt)); sleepErr != nil {
			outcome.Reason = sleepErr.Error()
			return outcome
		}
	}
	return outcome
}

// encryptForRecipient holds the peer lock only around session access and the
// ratchet advance, so a cancelled caller never leaves the peer's state
// half-written.
func (s *Sender) encryptForRecipient(ctx context.Context, local models.Identity, recipient models.Address, plaintext []byte, timestamp int64) ([]byte, error) {
	// Bundle fetch happens outside the peer lock; it is pure network I/O.
	var bundle *models.PrekeyBundle
	hasSession, err := s.sessions.HasSession(recipient)
	if err != nil {
		return nil, err
	}
	if !hasSession {
		b, err := s.api.FetchPrekeyBundle(ctx, recipient)
		if err != nil {
			return nil, err
		}
		bundle = &b
	}

	unlock := s.store.LockPeer(recipient)
	defer unlock()

	if bundle != nil {
		// Re-check under the lock; a concurrent send may have won the race.
		hasSession, err = s.sessions.HasSession(recipient)
		if err != nil {
			return nil, err
		}
		if !hasSession {
			if err := s.sessions.ConfirmIdentity(recipient, bundle.IdentityKey); err != nil {
				return nil, err
			}
			if _, _, err := s.sessions.InitiateSession(local, *bundle); err != nil {
				return nil, err
			}
		}
	}

	state, ok, err := s.store.GetSession(recipient)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session vanished for %s", models.ErrSessionState, recipient)
	}

	msgEnv, err := s.sessions.Encrypt(recipient, plaintext)
	if err != nil {
		return nil, err
	}

	envType := models.EnvelopeCiphertext
	if state.PendingHandshake != nil {
		msgEnv.Handshake = state.PendingHandshake
		envType = models.EnvelopePrekey
	}

	content, err := conn.EncodeBody(msgEnv)
	if err != nil {
		return nil, err
	}
	env := models.Envelope{
		Type:      envType,
		Sender:    models.Address{AccountID: local.AccountID, DeviceID: local.DeviceID},
		Recipient: recipient,
		Timestamp: timestamp,
		Content:   content,
	}
	return conn.EncodeBody(env)
}

func (s *Sender) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt && d < s.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > s.cfg.RetryMax {
		d = s.cfg.RetryMax
	}
	return d
}
