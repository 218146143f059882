// Package app wires the Parley server runtime: config, logging, HTTP routes,
// and the realtime chat gateway.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"parley/internal/auth"
	"parley/internal/realtime"
	"parley/internal/store"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Parley server runtime: it owns HTTP server wiring and the chat
// core's dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	svc *realtime.Service
	ws  *realtime.WSGateway

	promReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, convStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	authn, err := auth.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(promReg)

	svc := realtime.NewService(log, convStore, cfg.GateCacheTTL)
	ws := realtime.NewWSGateway(log, svc, authn, metrics, realtime.GatewayConfig{
		DevInsecure:       cfg.WSDevInsecure,
		OriginOptional:    !cfg.WSOriginRequired,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		WriteTimeout:      cfg.WSWriteTimeout,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
		HelloWindow:       cfg.WSHelloWindow,
		SendQueueSize:     cfg.WSSendQueue,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		svc:       svc,
		ws:        ws,
		promReg:   promReg,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.promReg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, store.ConversationStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := store.NewMemoryStore()
		if conv, ok := parseDevSeed(cfg.DevSeed); ok {
			mem.SeedConversation(conv)
			log.Info("db.dev_seed", "conversation_id", conv.ID, "participants", len(conv.Participants))
		}
		return nopStore{}, nil, false, mem, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	convStore, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, convStore: convStore}, pool, true, convStore, nil
}

// parseDevSeed parses "conv_id:kind:user1,user2,...".
func parseDevSeed(raw string) (store.Conversation, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return store.Conversation{}, false
	}

	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return store.Conversation{}, false
	}

	id := strings.TrimSpace(parts[0])
	kind := strings.TrimSpace(parts[1])
	var participants []string
	for _, p := range strings.Split(parts[2], ",") {
		if u := strings.TrimSpace(p); u != "" {
			participants = append(participants, u)
		}
	}
	if id == "" || kind == "" || len(participants) == 0 {
		return store.Conversation{}, false
	}

	return store.Conversation{ID: id, Kind: kind, Participants: participants}, true
}

type dbStore struct {
	pool      *pgxpool.Pool
	convStore store.ConversationStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.convStore != nil {
		_ = s.convStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
