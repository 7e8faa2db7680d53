package models

// Payloads published on the event bus. The UI layer consumes these and
// nothing else.

type ConnectionStateEvent struct {
	State string `json:"state"`
}

type IncomingMessage struct {
	Sender     Address `json:"sender"`
	Body       []byte  `json:"body"`
	SentAt     int64   `json:"sent_at"`
	ServerGUID string  `json:"server_guid"`
}

type ReceiptEvent struct {
	Sender     Address `json:"sender"`
	Kind       string  `json:"kind"`
	Timestamps []int64 `json:"timestamps"`
}

type SyncProgressEvent struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	// Stage is one of requested, chunk, applied, failed.
	Stage    string `json:"stage"`
	Contacts int    `json:"contacts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrorEvent surfaces failures the runtime cannot recover locally: identity
// mismatches, tampered envelopes, fatal auth rejections.
type ErrorEvent struct {
	Source string  `json:"source"`
	Error  string  `json:"error"`
	Peer   Address `json:"peer,omitempty"`
}
