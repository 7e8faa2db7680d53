package models

import "errors"

// Error kinds shared across the runtime. Components wrap these with context
// via fmt.Errorf("...: %w", ...); callers classify with errors.Is.
var (
	// ErrNetwork marks transient transport failures. The only kind the
	// pipelines retry on their own.
	ErrNetwork = errors.New("network error")

	// ErrAuth marks a rejected credential. Fatal to the current connection;
	// recovery needs re-registration or user action, never an automatic retry.
	ErrAuth = errors.New("authentication rejected")

	// ErrConnectionLost resolves requests that were in flight when the duplex
	// connection dropped. Callers decide whether to resubmit.
	ErrConnectionLost = errors.New("connection lost")

	// ErrDisconnected is returned for sends attempted while the connection is
	// not in the connected state. Fail-fast, no queueing at this layer.
	ErrDisconnected = errors.New("not connected")

	// ErrIdentityMismatch means a peer's identity key changed. Surfaced for an
	// explicit trust decision; never auto-retried, never auto-reset.
	ErrIdentityMismatch = errors.New("peer identity key changed")

	// ErrSessionState marks a decrypt failure attributable to stale or
	// mismatched ratchet state. Eligible for reset-and-retry-once.
	ErrSessionState = errors.New("session state mismatch")

	// ErrCiphertextAuth marks AEAD authentication failure: tampering or
	// corruption. Reported and dropped, never retried.
	ErrCiphertextAuth = errors.New("ciphertext authentication failed")

	ErrRegistration = errors.New("registration rejected")
	ErrSyncTimeout  = errors.New("sync request timed out")
	ErrLinkTimeout  = errors.New("device link timed out")
)

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrDisconnected)
}
