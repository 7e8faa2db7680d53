// Package conn owns the persistent duplex channel to the relay: framed
// request/response correlation, unsolicited push delivery, heartbeats and
// reconnection. Receiver and sender share the one Resource; neither talks to
// the socket directly.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur-chat/client-core/internal/metrics"
	"murmur-chat/client-core/pkg/models"
)

// Connection states. Transitions: Disconnected -> Connecting -> Connected,
// any -> Draining on Close.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDraining     = "draining"
)

var (
	ErrClosed = errors.New("connection resource closed")

	// ErrRejected marks a request the relay answered with a non-ok status.
	// Terminal for the request; never transient.
	ErrRejected = errors.New("relay rejected request")
)

// Transport dials one duplex channel. Production uses the websocket
// transport; tests inject an in-memory one.
type Transport interface {
	Dial(ctx context.Context, endpoint, credential string) (Channel, error)
}

// Channel is one live framed connection. ReadFrame blocks; Close unblocks it.
type Channel interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Clock abstracts timing so reconnect and heartbeat behavior is testable
// without real waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Config struct {
	Endpoint          string        `yaml:"endpoint"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	PongGrace         time.Duration `yaml:"pongGrace"`
	ReconnectBase     time.Duration `yaml:"reconnectBase"`
	ReconnectMax      time.Duration `yaml:"reconnectMax"`
	JitterRatio       float64       `yaml:"jitterRatio"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PongGrace:         10 * time.Second,
		ReconnectBase:     1 * time.Second,
		ReconnectMax:      60 * time.Second,
		JitterRatio:       0.2,
		RequestTimeout:    30 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PongGrace <= 0 || cfg.PongGrace > cfg.HeartbeatInterval {
		cfg.PongGrace = def.PongGrace
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = cfg.ReconnectBase
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	} else if cfg.JitterRatio > 1 {
		cfg.JitterRatio = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return cfg
}

type Resource struct {
	cfg        Config
	transport  Transport
	clock      Clock
	logger     *slog.Logger
	metrics    *metrics.Set
	credential func() string
	onState    func(state string)

	mu       sync.Mutex
	state    string
	channel  Channel
	pending  map[string]chan Frame
	lastRead time.Time
	closed   bool

	push chan Frame
	done chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Resource)

func WithClock(c Clock) Option               { return func(r *Resource) { r.clock = c } }
func WithLogger(l *slog.Logger) Option       { return func(r *Resource) { r.logger = l } }
func WithMetrics(m *metrics.Set) Option      { return func(r *Resource) { r.metrics = m } }
func WithStateFunc(fn func(string)) Option   { return func(r *Resource) { r.onState = fn } }
func WithCredential(fn func() string) Option { return func(r *Resource) { r.credential = fn } }

func New(cfg Config, transport Transport, opts ...Option) *Resource {
	r := &Resource{
		cfg:       normalizeConfig(cfg),
		transport: transport,
		clock:     realClock{},
		logger:    slog.New(slog.DiscardHandler),
		state:     StateDisconnected,
		pending:   make(map[string]chan Frame),
		push:      make(chan Frame, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push delivers unsolicited frames (envelopes, queue-empty markers) in
// arrival order. Closed when the resource shuts down.
func (r *Resource) Push() <-chan Frame { return r.push }

func (r *Resource) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start runs the connect/serve/reconnect loop until Close or a fatal auth
// rejection. Reconnection backs off exponentially with jitter, capped, and
// never gives up on its own.
func (r *Resource) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.push)
		r.run(ctx)
	}()
}

func (r *Resource) run(ctx context.Context) {
	attempt := 0
	for {
		if r.isClosed() || ctx.Err() != nil {
			r.setState(StateDisconnected)
			return
		}

		r.setState(StateConnecting)
		channel, err := r.transport.Dial(ctx, r.cfg.Endpoint, r.currentCredential())
		if err != nil {
			if errors.Is(err, models.ErrAuth) {
				// Credential rejected: reconnecting cannot help. Surface and stop.
				r.logger.Error("connection auth rejected", "err", err)
				r.setState(StateDisconnected)
				return
			}
			r.logger.Warn("dial failed", "attempt", attempt, "err", err)
			r.metrics.IncReconnects()
			r.setState(StateDisconnected)
			if !r.sleep(ctx, r.backoff(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		r.mu.Lock()
		r.channel = channel
		r.lastRead = r.clock.Now()
		r.mu.Unlock()
		r.setState(StateConnected)
		r.logger.Info("connected", "endpoint", r.cfg.Endpoint)

		r.serve(ctx, channel)

		r.mu.Lock()
		r.channel = nil
		r.mu.Unlock()
		r.failPending()

		if r.isClosed() || ctx.Err() != nil {
			r.setState(StateDisconnected)
			return
		}
		r.setState(StateDisconnected)
		r.metrics.IncReconnects()
		if !r.sleep(ctx, r.backoff(attempt)) {
			return
		}
		attempt++
	}
}

// serve pumps frames until the channel breaks or the heartbeat gives up.
func (r *Resource) serve(ctx context.Context, channel Channel) {
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := channel.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			r.handleFrame(channel, frame)
		}
	}()

	pingOutstanding := false
	var pingDeadline time.Time
	for {
		var wait time.Duration
		if pingOutstanding {
			wait = r.cfg.PongGrace / 4
			if wait <= 0 {
				wait = time.Millisecond
			}
		} else {
			wait = r.cfg.HeartbeatInterval / 4
			if wait <= 0 {
				wait = time.Millisecond
			}
		}

		select {
		case <-ctx.Done():
			channel.Close()
			<-readErr
			return
		case <-r.done:
			channel.Close()
			<-readErr
			return
		case err := <-readErr:
			if !r.isClosed() {
				r.logger.Warn("read loop ended", "err", err)
			}
			channel.Close()
			return
		case <-r.clock.After(wait):
			now := r.clock.Now()
			if pingOutstanding {
				if r.pongReceivedSince(pingDeadline.Add(-r.cfg.PongGrace)) {
					pingOutstanding = false
					continue
				}
				if now.After(pingDeadline) {
					r.logger.Warn("heartbeat pong missed, reconnecting")
					channel.Close()
					<-readErr
					return
				}
				continue
			}
			if now.Sub(r.lastReadTime()) >= r.cfg.HeartbeatInterval {
				if err := channel.WriteFrame(Frame{Type: FramePing}); err != nil {
					channel.Close()
					<-readErr
					return
				}
				pingOutstanding = true
				pingDeadline = now.Add(r.cfg.PongGrace)
			}
		}
	}
}

func (r *Resource) handleFrame(channel Channel, frame Frame) {
	r.mu.Lock()
	r.lastRead = r.clock.Now()
	r.mu.Unlock()

	switch frame.Type {
	case FrameResponse:
		r.mu.Lock()
		ch, ok := r.pending[frame.ID]
		if ok {
			delete(r.pending, frame.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- frame
		}
	case FramePing:
		_ = channel.WriteFrame(Frame{Type: FramePong})
	case FramePong:
		// lastRead update above is the heartbeat acknowledgment.
	default:
		select {
		case r.push <- frame:
		default:
			r.logger.Warn("push buffer full, dropping frame", "type", frame.Type)
		}
	}
}

// Do sends a correlated request and waits for its response, the context, or
// connection loss. Fails fast with ErrDisconnected when not connected. A
// caller-supplied deadline governs the whole wait; the configured request
// timeout applies only to contexts without one, so bounded-wait operations
// (device linking) keep their own window.
func (r *Resource) Do(ctx context.Context, method string, body []byte) ([]byte, error) {
	r.mu.Lock()
	if r.state != StateConnected || r.channel == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", models.ErrDisconnected, r.state)
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	r.pending[id] = ch
	channel := r.channel
	r.mu.Unlock()

	frame := Frame{Type: FrameRequest, ID: id, Method: method, Body: body}
	if err := channel.WriteFrame(frame); err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}

	var timeout <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout = r.clock.After(r.cfg.RequestTimeout)
	}
	select {
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	case <-timeout:
		r.dropPending(id)
		return nil, fmt.Errorf("%w: request %s timed out", models.ErrNetwork, method)
	case resp, ok := <-ch:
		if !ok {
			return nil, models.ErrConnectionLost
		}
		if resp.Status != StatusOK {
			return nil, fmt.Errorf("%w: %s: %s", ErrRejected, method, resp.Status)
		}
		return resp.Body, nil
	}
}

// Acknowledge tells the relay an envelope is fully processed and must not be
// redelivered. Fire-and-forget; a lost ack only risks a duplicate.
func (r *Resource) Acknowledge(serverGUID string) error {
	r.mu.Lock()
	channel := r.channel
	state := r.state
	r.mu.Unlock()
	if state != StateConnected || channel == nil {
		return fmt.Errorf("%w: state %s", models.ErrDisconnected, state)
	}
	body, err := EncodeBody(serverGUID)
	if err != nil {
		return err
	}
	return channel.WriteFrame(Frame{Type: FrameAck, Body: body})
}

// Close drains and permanently stops the resource.
func (r *Resource) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	channel := r.channel
	r.mu.Unlock()

	r.setState(StateDraining)
	close(r.done)
	if channel != nil {
		channel.Close()
	}
	r.wg.Wait()
	r.failPending()
}

func (r *Resource) backoff(attempt int) time.Duration {
	d := r.cfg.ReconnectBase
	for i := 0; i < attempt && d < r.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > r.cfg.ReconnectMax {
		d = r.cfg.ReconnectMax
	}
	if r.cfg.JitterRatio > 0 {
		jitter := 1 + r.cfg.JitterRatio*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * jitter)
	}
	return d
}

func (r *Resource) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	case <-r.clock.After(d):
		return true
	}
}

func (r *Resource) setState(state string) {
	r.mu.Lock()
	if r.closed && state != StateDisconnected && state != StateDraining {
		r.mu.Unlock()
		return
	}
	changed := r.state != state
	r.state = state
	r.mu.Unlock()
	if !changed {
		return
	}
	switch state {
	case StateDisconnected:
		r.metrics.SetConnState(0)
	case StateConnecting:
		r.metrics.SetConnState(1)
	case StateConnected:
		r.metrics.SetConnState(2)
	case StateDraining:
		r.metrics.SetConnState(3)
	}
	if r.onState != nil {
		r.onState(state)
	}
}

// failPending resolves every outstanding request with connection loss: Do
// observes the closed channel and returns models.ErrConnectionLost.
func (r *Resource) failPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan Frame)
	r.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (r *Resource) dropPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Resource) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Resource) lastReadTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRead
}

func (r *Resource) pongReceivedSince(t time.Time) bool {
	return r.lastReadTime().After(t)
}

func (r *Resource) currentCredential() string {
	if r.credential == nil {
		return ""
	}
	return r.credential()
}
