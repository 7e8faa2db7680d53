// Package app is the composition root: it wires the credential store, the
// relay clients, both pipelines, the account manager and the sync coordinator
// into one runtime the daemon shell starts and stops.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"murmur-chat/client-core/internal/account"
	"murmur-chat/client-core/internal/conn"
	"murmur-chat/client-core/internal/credstore"
	"murmur-chat/client-core/internal/crypto"
	"murmur-chat/client-core/internal/eventbus"
	"murmur-chat/client-core/internal/metrics"
	"murmur-chat/client-core/internal/platform/privacylog"
	"murmur-chat/client-core/internal/receive"
	"murmur-chat/client-core/internal/relayapi"
	"murmur-chat/client-core/internal/send"
	"murmur-chat/client-core/internal/syncer"
	"murmur-chat/client-core/pkg/models"
)

// DefaultLogger builds the JSON logger with the privacy sanitizer in front.
func DefaultLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}

type Runtime struct {
	cfg    Config
	logger *slog.Logger

	Bus      *eventbus.Bus
	Store    *credstore.Store
	Sessions *crypto.SessionManager
	Relay    *relayapi.Client
	Conn     *conn.Resource
	Receiver *receive.Receiver
	Sender   *send.Sender
	Accounts *account.Manager
	Sync     *syncer.Coordinator

	registry *prometheus.Registry

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	httpSrv *http.Server
	wg      sync.WaitGroup
}

// New wires the full runtime. Nothing touches the network until Start.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = DefaultLogger(cfg.LogLevel)
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		Bus:      eventbus.New(cfg.EventHistory),
		registry: prometheus.NewRegistry(),
	}
	m := metrics.New(r.registry)

	store, err := credstore.Open(credstore.Options{
		Path:           cfg.Store.Path,
		Secret:         cfg.Store.Secret,
		PrekeyLowWater: cfg.Account.PrekeyLowWater,
		OnLowPrekeys:   r.onLowPrekeys,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	r.Store = store
	r.Sessions = crypto.NewSessionManager(store)

	r.Relay = relayapi.New(cfg.Relay.APIBase, cfg.Relay.RequestRate, cfg.Relay.RequestBurst)
	connCfg := cfg.Connection
	if connCfg.Endpoint == "" {
		connCfg.Endpoint = cfg.Relay.WSEndpoint
	}
	r.Conn = conn.New(connCfg, conn.NewWebsocketTransport(),
		conn.WithLogger(logger),
		conn.WithMetrics(m),
		conn.WithCredential(r.currentCredential),
		conn.WithStateFunc(func(state string) {
			r.Bus.Publish(eventbus.TopicConnectionState, models.ConnectionStateEvent{State: state})
		}),
	)

	r.Receiver = receive.New(cfg.Receive, r.Conn, store, r.Sessions, r.Bus, logger, m)
	r.Sender = send.New(cfg.Send, r.Conn, r.Relay, store, r.Sessions, logger, m)
	r.Accounts = account.New(cfg.Account, r.Relay, r.Conn, store, logger, m)
	r.Sync = syncer.New(cfg.Sync, r.Sender, store, r.Bus, logger)
	r.Receiver.SetSyncHandler(r.Sync.HandlePayload)

	if identity, err := store.Identity(); err == nil {
		r.Relay.SetCredential(identity.Credential)
	} else if !errors.Is(err, credstore.ErrNoIdentity) {
		return nil, err
	}

	return r, nil
}

// Start brings up the duplex connection, the inbound pipeline and the
// metrics exporter. Idempotent; the runtime keeps running until Close.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.Conn.Start(runCtx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Receiver.Run(runCtx)
	}()

	if r.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: r.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.mu.Lock()
		r.httpSrv = srv
		r.mu.Unlock()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics exporter failed", "err", err)
			}
		}()
	}
	r.logger.Info("runtime started")
}

// Close drains the connection and stops every background loop.
func (r *Runtime) Close() {
	r.mu.Lock()
	cancel := r.cancel
	srv := r.httpSrv
	started := r.started
	r.cancel = nil
	r.httpSrv = nil
	r.mu.Unlock()
	if !started {
		return
	}

	r.Conn.Close()
	if cancel != nil {
		cancel()
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}
	r.wg.Wait()
	r.logger.Info("runtime stopped")
}

// onLowPrekeys fires from the credential store when the one-time pool drains
// past the low-water mark.
func (r *Runtime) onLowPrekeys(remaining int) {
	r.logger.Info("prekey pool low", "remaining", remaining)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Accounts.ReplenishPrekeys(ctx); err != nil {
			r.logger.Warn("prekey replenish failed", "err", err)
		}
	}()
}

func (r *Runtime) currentCredential() string {
	identity, err := r.Store.Identity()
	if err != nil {
		return ""
	}
	return identity.Credential
}
