package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"murmur-chat/client-core/pkg/models"
)

type fakeChannel struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan Frame, 32),
		out:    make(chan Frame, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) ReadFrame() (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, errors.New("channel closed")
	}
}

func (c *fakeChannel) WriteFrame(f Frame) error {
	select {
	case <-c.closed:
		return errors.New("channel closed")
	case c.out <- f:
		return nil
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int32
	channels []*fakeChannel
	dialErr  error
}

func (t *fakeTransport) Dial(ctx context.Context, endpoint, credential string) (Channel, error) {
	atomic.AddInt32(&t.dials, 1)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	ch := newFakeChannel()
	t.mu.Lock()
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) channel(i int) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.channels) {
		return nil
	}
	return t.channels[i]
}

func (t *fakeTransport) waitChannel(t2 *testing.T, i int) *fakeChannel {
	t2.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if ch := t.channel(i); ch != nil {
			return ch
		}
		select {
		case <-deadline:
			t2.Fatalf("channel %d never dialed", i)
		case <-time.After(time.Millisecond):
		}
	}
}

func testConfig() Config {
	return Config{
		Endpoint:          "wss://relay.test/v1/stream",
		HeartbeatInterval: time.Hour, // heartbeat disabled unless a test shortens it
		PongGrace:         time.Minute,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      5 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
	}
}

func waitState(t *testing.T, states <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %q never reached", want)
		}
	}
}

func startResource(t *testing.T, transport Transport, cfg Config) (*Resource, <-chan string) {
	t.Helper()
	states := make(chan string, 64)
	r := New(cfg, transport, WithStateFunc(func(s string) { states <- s }))
	r.Start(context.Background())
	t.Cleanup(r.Close)
	return r, states
}

// respond answers every request frame on ch with an ok response via fn.
func respond(ch *fakeChannel, fn func(Frame) Frame) {
	go func() {
		for {
			select {
			case <-ch.closed:
				return
			case f := <-ch.out:
				if f.Type == FrameRequest {
					ch.in <- fn(f)
				}
			}
		}
	}()
}

func TestDoCorrelatesRequestAndResponse(t *testing.T) {
	transport := &fakeTransport{}
	r, states := startResource(t, transport, testConfig())
	waitState(t, states, StateConnected)

	ch := transport.waitChannel(t, 0)
	respond(ch, func(f Frame) Frame {
		return Frame{Type: FrameResponse, ID: f.ID, Status: StatusOK, Body: append([]byte("echo:"), f.Body...)}
	})

	body, err := r.Do(context.Background(), "put_message", []byte("payload"))
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if string(body) != "echo:payload" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestDoFailsFastWhenDisconnected(t *testing.T) {
	r := New(testConfig(), &fakeTransport{})
	defer r.Close()
	if _, err := r.Do(context.Background(), "put_message", nil); !errors.Is(err, models.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestDoCallerDeadlineOverridesRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = time.Hour // must not apply when the caller sets a deadline
	transport := &fakeTransport{}
	r, states := startResource(t, transport, cfg)
	waitState(t, states, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Do(ctx, "link_device", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline not honored, waited %s", elapsed)
	}
}

func TestDoRequestTimeoutWithoutDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	transport := &fakeTransport{}
	r, states := startResource(t, transport, cfg)
	waitState(t, states, StateConnected)

	_, err := r.Do(context.Background(), "put_message", nil)
	if !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestDoRejectionCarriesSentinel(t *testing.T) {
	transport := &fakeTransport{}
	r, states := startResource(t, transport, testConfig())
	waitState(t, states, StateConnected)

	ch := transport.waitChannel(t, 0)
	respond(ch, func(f Frame) Frame {
		return Frame{Type: FrameResponse, ID: f.ID, Status: "denied"}
	})

	_, err := r.Do(context.Background(), "put_message", nil)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if models.Transient(err) {
		t.Fatal("rejection must not classify as transient")
	}
}

func TestOutstandingRequestResolvesWithConnectionLostAndResumes(t *testing.T) {
	transport := &fakeTransport{}
	r, states := startResource(t, transport, testConfig())
	waitState(t, states, StateConnected)
	ch0 := transport.waitChannel(t, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Do(context.Background(), "put_message", []byte("in flight"))
		errc <- err
	}()
	// Wait for the request to hit the wire, then sever the connection.
	select {
	case <-ch0.out:
	case <-time.After(2 * time.Second):
		t.Fatal("request never written")
	}
	ch0.Close()

	if err := <-errc; !errors.Is(err, models.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}

	// Reconnects on its own; requests work again without re-registration.
	waitState(t, states, StateConnected)
	ch1 := transport.waitChannel(t, 1)
	respond(ch1, func(f Frame) Frame {
		return Frame{Type: FrameResponse, ID: f.ID, Status: StatusOK}
	})
	if _, err := r.Do(context.Background(), "put_message", []byte("after reconnect")); err != nil {
		t.Fatalf("do after reconnect failed: %v", err)
	}
}

func TestAuthRejectionStopsReconnecting(t *testing.T) {
	transport := &fakeTransport{dialErr: fmt.Errorf("%w: bad credential", models.ErrAuth)}
	_, states := startResource(t, transport, testConfig())
	waitState(t, states, StateDisconnected)

	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&transport.dials); n != 1 {
		t.Fatalf("auth rejection must not be retried, got %d dials", n)
	}
}

func TestPushFramesDelivered(t *testing.T) {
	transport := &fakeTransport{}
	r, states := startResource(t, transport, testConfig())
	waitState(t, states, StateConnected)
	ch := transport.waitChannel(t, 0)

	ch.in <- Frame{Type: FrameEnvelope, Body: []byte("env1")}
	ch.in <- Frame{Type: FrameQueueEmpty}

	first := <-r.Push()
	second := <-r.Push()
	if first.Type != FrameEnvelope || string(first.Body) != "env1" {
		t.Fatalf("unexpected first push: %+v", first)
	}
	if second.Type != FrameQueueEmpty {
		t.Fatalf("unexpected second push: %+v", second)
	}
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	transport := &fakeTransport{}
	_, states := startResource(t, transport, testConfig())
	waitState(t, states, StateConnected)
	ch := transport.waitChannel(t, 0)

	ch.in <- Frame{Type: FramePing}
	select {
	case f := <-ch.out:
		if f.Type != FramePong {
			t.Fatalf("expected pong, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pong never sent")
	}
}

func TestMissedPongTriggersReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PongGrace = 5 * time.Millisecond
	transport := &fakeTransport{}
	_, states := startResource(t, transport, cfg)
	waitState(t, states, StateConnected)

	// Swallow the ping, never answer: the resource must give up and redial.
	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&transport.dials) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected heartbeat-driven reconnects, dials=%d", atomic.LoadInt32(&transport.dials))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCloseDrainsAndStops(t *testing.T) {
	transport := &fakeTransport{}
	r, states := startResource(t, transport, testConfig())
	waitState(t, states, StateConnected)

	r.Close()
	waitState(t, states, StateDraining)
	if _, err := r.Do(context.Background(), "put_message", nil); !errors.Is(err, models.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected after close, got %v", err)
	}

	// Push channel closes on shutdown.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-r.Push():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("push channel never closed")
		}
	}
}
