package models

import (
	"fmt"
	"strings"
	"time"
)

// Address identifies one device of one account. Every session, envelope and
// delivery outcome is keyed by an Address, never by a bare account id.
type Address struct {
	AccountID string `json:"account_id"`
	DeviceID  uint32 `json:"device_id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.AccountID, a.DeviceID)
}

func (a Address) Valid() bool {
	return strings.TrimSpace(a.AccountID) != "" && a.DeviceID > 0
}

const PrimaryDeviceID uint32 = 1

type Identity struct {
	AccountID         string    `json:"account_id"`
	DeviceID          uint32    `json:"device_id"`
	DeviceName        string    `json:"device_name"`
	RegistrationID    uint32    `json:"registration_id"`
	SigningPublicKey  []byte    `json:"signing_public_key"`
	SigningPrivateKey []byte    `json:"signing_private_key,omitempty"`
	DHPublicKey       []byte    `json:"dh_public_key"`
	DHPrivateKey      []byte    `json:"dh_private_key,omitempty"`
	Credential        string    `json:"credential,omitempty"` // relay bearer token
	CreatedAt         time.Time `json:"created_at"`
}

type Device struct {
	DeviceID       uint32    `json:"device_id"`
	Name           string    `json:"name"`
	RegistrationID uint32    `json:"registration_id"`
	LinkedAt       time.Time `json:"linked_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// Prekey is one published key pair. One-time prekeys are deleted on first use;
// the signed prekey is long-lived and rotated, not consumed.
type Prekey struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key,omitempty"`
	Signature  []byte `json:"signature,omitempty"`
}

// PrekeyBundle is what the relay hands out so a stranger can open a session.
// OneTime may be absent when the pool on the relay side is exhausted.
type PrekeyBundle struct {
	Address        Address `json:"address"`
	RegistrationID uint32  `json:"registration_id"`
	IdentityKey    []byte  `json:"identity_key"` // ed25519, pinned for fingerprinting
	DHKey          []byte  `json:"dh_key"`       // x25519, used in key agreement
	SignedPrekey   Prekey  `json:"signed_prekey"`
	OneTime        *Prekey `json:"one_time,omitempty"`
}

// Envelope types on the wire.
const (
	EnvelopeCiphertext = "ciphertext" // established-session message
	EnvelopePrekey     = "prekey"     // first message of a new session, carries key agreement header
	EnvelopeReceipt    = "receipt"    // server-generated delivery receipt
)

// Envelope is the relay-delivered unit. Transient: it lives between the
// connection and the inbound pipeline and is never persisted past the dedup
// window.
type Envelope struct {
	Type       string  `json:"type"`
	Sender     Address `json:"sender"`
	Recipient  Address `json:"recipient"`
	Timestamp  int64   `json:"timestamp"` // sender clock, unix millis; dedup key with Sender
	Seq        uint64  `json:"seq"`       // relay-assigned per-connection sequence
	ServerGUID string  `json:"server_guid"`
	Content    []byte  `json:"content"`
}

// Content kinds produced by the inbound pipeline after decryption.
const (
	ContentData        = "data"
	ContentReceipt     = "receipt"
	ContentSyncRequest = "sync_request"
	ContentSyncChunk   = "sync_chunk"
	ContentKeyExchange = "key_exchange"
)

// Content is the decrypted, decoded payload of an envelope.
type Content struct {
	Kind    string       `json:"kind"`
	Body    []byte       `json:"body,omitempty"`
	SentAt  int64        `json:"sent_at,omitempty"`
	Receipt *Receipt     `json:"receipt,omitempty"`
	Sync    *SyncPayload `json:"sync,omitempty"`
}

const (
	ReceiptDelivery = "delivery"
	ReceiptRead     = "read"
)

type Receipt struct {
	Kind       string  `json:"kind"`
	Timestamps []int64 `json:"timestamps"`
}

// Sync kinds a linked device can request from the primary.
const (
	SyncContacts = "contacts"
	SyncGroups   = "groups"
	SyncConfig   = "config"
)

// SyncPayload carries one chunk of a sync response, or a request for one.
// Chunks for a request id are emitted in order; Final marks the last chunk.
type SyncPayload struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Chunk     []byte `json:"chunk,omitempty"`
	Index     int    `json:"index"`
	Final     bool   `json:"final"`
}

type Contact struct {
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	ProfileKey  []byte    `json:"profile_key,omitempty"`
	AddedAt     time.Time `json:"added_at,omitempty"`
}

// Delivery outcome states for one recipient device of an outgoing job.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

type DeliveryOutcome struct {
	Address  Address `json:"address"`
	State    string  `json:"state"`
	Attempts int     `json:"attempts"`
	Reason   string  `json:"reason,omitempty"`
}

// SendResult aggregates per-recipient outcomes; it is returned once every
// recipient has reached a terminal state.
type SendResult struct {
	JobID     string            `json:"job_id"`
	Timestamp int64             `json:"timestamp"`
	Outcomes  []DeliveryOutcome `json:"outcomes"`
}

func (r SendResult) Failed() []DeliveryOutcome {
	var out []DeliveryOutcome
	for _, o := range r.Outcomes {
		if o.State == DeliveryFailed {
			out = append(out, o)
		}
	}
	return out
}
