// Package syncer moves state between the devices of one account: a linked
// device asks, the primary answers with a chunked encrypted stream, and the
// result is applied atomically or not at all.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur-chat/client-core/internal/credstore"
	"murmur-chat/client-core/internal/eventbus"
	"murmur-chat/client-core/pkg/models"
)

// Sender is the slice of the outbound pipeline the coordinator uses. Sync
// traffic rides the same encrypted sessions as ordinary messages.
type Sender interface {
	Send(ctx context.Context, content models.Content, recipients []models.Address) (models.SendResult, error)
}

type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	ChunkSize int           `yaml:"chunkSize"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		ChunkSize: 32 * 1024,
	}
}

type pendingSync struct {
	kind      string
	parser    *StreamParser
	nextIndex int
	done      chan error
}

type Coordinator struct {
	cfg    Config
	sender Sender
	store  *credstore.Store
	bus    *eventbus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSync
}

func New(cfg Config, sender Sender, store *credstore.Store, bus *eventbus.Bus, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		cfg:     cfg,
		sender:  sender,
		store:   store,
		bus:     bus,
		logger:  logger,
		pending: make(map[string]*pendingSync),
	}
}

// RequestSync asks the primary device for kind and blocks until the response
// stream is applied, fails, or the timeout elapses. A primary that never
// answers surfaces as models.ErrSyncTimeout; the previously cached state
// stays authoritative on any failure.
func (c *Coordinator) RequestSync(ctx context.Context, kind string) error {
	local, err := c.store.Identity()
	if err != nil {
		return err
	}
	if local.DeviceID == models.PrimaryDeviceID {
		return fmt.Errorf("primary device holds the authoritative state, nothing to sync")
	}

	requestID := uuid.NewString()
	p := &pendingSync{kind: kind, parser: &StreamParser{}, done: make(chan error, 1)}
	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	c.bus.Publish(eventbus.TopicSyncProgress, models.SyncProgressEvent{
		Kind: kind, RequestID: requestID, Stage: "requested",
	})

	primary := models.Address{AccountID: local.AccountID, DeviceID: models.PrimaryDeviceID}
	result, err := c.sender.Send(ctx, models.Content{
		Kind:   models.ContentSyncRequest,
		SentAt: time.Now().UnixMilli(),
		Sync:   &models.SyncPayload{Kind: kind, RequestID: requestID},
	}, []models.Address{primary})
	if err != nil {
		return err
	}
	if failed := result.Failed(); len(failed) > 0 {
		err := fmt.Errorf("sync request not delivered: %s", failed[0].Reason)
		c.fail(kind, requestID, err)
		return err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-p.done:
		return err
	case <-timer.C:
		err := fmt.Errorf("%w: no complete response within %s", models.ErrSyncTimeout, c.cfg.Timeout)
		c.fail(kind, requestID, err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePayload is wired as the receiver's sync handler. Requests arrive at
// the primary, chunks at the device that asked.
func (c *Coordinator) HandlePayload(sender models.Address, contentKind string, payload models.SyncPayload) {
	switch contentKind {
	case models.ContentSyncRequest:
		c.serveRequest(sender, payload)
	case models.ContentSyncChunk:
		c.acceptChunk(payload)
	}
}

// serveRequest runs on the primary: stream the requested state back to the
// asking device, chunked.
func (c *Coordinator) serveRequest(requester models.Address, payload models.SyncPayload) {
	local, err := c.store.Identity()
	if err != nil || local.DeviceID != models.PrimaryDeviceID {
		c.logger.Debug("ignoring sync request, not primary", "peer", requester.String())
		return
	}
	if requester.AccountID != local.AccountID {
		c.logger.Warn("sync request from foreign account dropped", "peer", requester.String())
		return
	}

	var stream []byte
	switch payload.Kind {
	case models.SyncContacts:
		contacts, err := c.store.Contacts()
		if err != nil {
			c.logger.Warn("contact snapshot failed", "err", err)
			return
		}
		stream, err = EncodeContactStream(contacts)
		if err != nil {
			c.logger.Warn("contact stream encode failed", "err", err)
			return
		}
	default:
		// Unsupported kinds get an empty final chunk so the requester does not
		// wait out its timeout.
		c.logger.Debug("sync kind not served", "kind", payload.Kind)
	}

	chunks := chunkStream(stream, c.cfg.ChunkSize)
	for i, chunk := range chunks {
		content := models.Content{
			Kind:   models.ContentSyncChunk,
			SentAt: time.Now().UnixMilli(),
			Sync: &models.SyncPayload{
				Kind:      payload.Kind,
				RequestID: payload.RequestID,
				Chunk:     chunk,
				Index:     i,
				Final:     i == len(chunks)-1,
			},
		}
		result, err := c.sender.Send(context.Background(), content, []models.Address{requester})
		if err != nil || len(result.Failed()) > 0 {
			c.logger.Warn("sync chunk delivery failed", "peer", requester.String(), "index", i)
			return
		}
	}
	c.logger.Info("sync response served", "kind", payload.Kind, "chunks", len(chunks), "peer", requester.String())
}

// acceptChunk feeds one response chunk into the matching pending request.
// Chunks must arrive in order; any gap, parse error or truncation fails the
// whole attempt and nothing is applied.
func (c *Coordinator) acceptChunk(payload models.SyncPayload) {
	c.mu.Lock()
	p, ok := c.pending[payload.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("chunk for unknown sync request", "request_id", payload.RequestID)
		return
	}

	if payload.Index != p.nextIndex {
		c.fail(p.kind, payload.RequestID, fmt.Errorf("chunk %d arrived, expected %d", payload.Index, p.nextIndex))
		c.resolve(payload.RequestID, p, ErrMalformedStream)
		return
	}
	p.nextIndex++

	if err := p.parser.Feed(payload.Chunk); err != nil {
		c.fail(p.kind, payload.RequestID, err)
		c.resolve(payload.RequestID, p, err)
		return
	}
	c.bus.Publish(eventbus.TopicSyncProgress, models.SyncProgressEvent{
		Kind: p.kind, RequestID: payload.RequestID, Stage: "chunk",
	})
	if !payload.Final {
		return
	}

	contacts, err := p.parser.Finish()
	if err != nil {
		c.fail(p.kind, payload.RequestID, err)
		c.resolve(payload.RequestID, p, err)
		return
	}
	if p.kind == models.SyncContacts {
		// Single atomic swap: a crash before this line leaves the old set.
		if err := c.store.ReplaceContacts(contacts); err != nil {
			c.fail(p.kind, payload.RequestID, err)
			c.resolve(payload.RequestID, p, err)
			return
		}
	}
	c.bus.Publish(eventbus.TopicSyncProgress, models.SyncProgressEvent{
		Kind: p.kind, RequestID: payload.RequestID, Stage: "applied", Contacts: len(contacts),
	})
	c.resolve(payload.RequestID, p, nil)
}

// resolve removes the pending entry and wakes its waiter. Late chunks after
// resolution find no entry and are dropped.
func (c *Coordinator) resolve(requestID string, p *pendingSync, err error) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
	select {
	case p.done <- err:
	default:
	}
}

func (c *Coordinator) fail(kind, requestID string, err error) {
	c.logger.Warn("sync failed", "kind", kind, "request_id", requestID, "err", err)
	c.bus.Publish(eventbus.TopicSyncProgress, models.SyncProgressEvent{
		Kind: kind, RequestID: requestID, Stage: "failed", Error: err.Error(),
	})
}
