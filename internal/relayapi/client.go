// Package relayapi is the stateless HTTP binding to the relay: registration,
// prekey distribution and attachment slot issuance. The duplex message
// channel lives in internal/conn, not here.
package relayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"murmur-chat/client-core/pkg/models"
)

type Client struct {
	base string
	http *http.Client

	mu       sync.Mutex
	auth     string
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a client for the relay's HTTP surface. Per-endpoint token
// buckets keep batch operations (prekey replenish, bundle fanout) from
// stampeding the relay.
func New(base string, rps float64, burst int) *Client {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// SetCredential installs the bearer credential issued at registration.
func (c *Client) SetCredential(token string) {
	c.mu.Lock()
	c.auth = token
	c.mu.Unlock()
}

type RegisterRequest struct {
	AccountID      string `json:"account_id"`
	DeviceName     string `json:"device_name"`
	IdentityKey    []byte `json:"identity_key"`
	DHKey          []byte `json:"dh_key"`
	RegistrationID uint32 `json:"registration_id"`
}

type RegisterResponse struct {
	DeviceID   uint32 `json:"device_id"`
	Credential string `json:"credential"`
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.do(ctx, http.MethodPost, "/v1/devices", req, &out, func(status int) error {
		switch status {
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: identifier rejected", models.ErrRegistration)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: rate limited", models.ErrRegistration)
		}
		return nil
	})
	return out, err
}

func (c *Client) FetchPrekeyBundle(ctx context.Context, addr models.Address) (models.PrekeyBundle, error) {
	var out models.PrekeyBundle
	path := "/v1/keys/" + url.PathEscape(addr.AccountID) + "/" + fmt.Sprintf("%d", addr.DeviceID)
	err := c.do(ctx, http.MethodGet, path, nil, &out, nil)
	return out, err
}

type UploadPrekeysRequest struct {
	SignedPrekey models.Prekey   `json:"signed_prekey"`
	OneTime      []models.Prekey `json:"one_time"`
}

// UploadPrekeys publishes public halves only; callers strip private material.
func (c *Client) UploadPrekeys(ctx context.Context, req UploadPrekeysRequest) error {
	return c.do(ctx, http.MethodPut, "/v1/keys", req, nil, nil)
}

type AttachmentSlot struct {
	ID        string `json:"id"`
	UploadURL string `json:"upload_url"`
	ExpiresAt int64  `json:"expires_at"`
}

func (c *Client) AttachmentSlot(ctx context.Context) (AttachmentSlot, error) {
	var out AttachmentSlot
	err := c.do(ctx, http.MethodGet, "/v1/attachments/slot", nil, &out, nil)
	return out, err
}

// do runs one request: rate limit wait, bearer auth, JSON in/out, status
// mapping. classify may claim a status before the defaults apply.
func (c *Client) do(ctx context.Context, method, path string, in, out any, classify func(status int) error) error {
	if err := c.limiter(path).Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}

	var body *bytes.Buffer
	if in != nil {
		body = new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return err
		}
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	if c.auth != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		if classify != nil {
			if cerr := classify(resp.StatusCode); cerr != nil {
				return cerr
			}
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: relay %s %s: %s", models.ErrAuth, method, path, resp.Status)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: relay %s %s: %s", models.ErrNetwork, method, path, resp.Status)
		default:
			return fmt.Errorf("relay %s %s: %s", method, path, resp.Status)
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) limiter(path string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[path]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[path] = l
	}
	return l
}
