package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/natsbus"
	"github.com/mtzanidakis/swarmcrew/internal/runner"
	"github.com/mtzanidakis/swarmcrew/internal/scheduler"
	"github.com/mtzanidakis/swarmcrew/internal/store"
	"github.com/mtzanidakis/swarmcrew/internal/swarm"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the manager's HTTP API.
type Server struct {
	manager   *swarm.Manager
	store     *store.Store
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
	sessions  *sessionStore
}

// NewServer wires the API. sched and nc may be nil: schedules are then reported
// empty and no events reach websocket clients.
func NewServer(m *swarm.Manager, s *store.Store, r *runner.Runner, sched *scheduler.Scheduler, nc *natsbus.Client, cfg config.WebConfig, version string) *Server {
	return &Server{
		manager:   m,
		store:     s,
		runner:    r,
		scheduler: sched,
		nats:      nc,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		sessions:  newSessionStore(sessionMaxAge),
	}
}

// Handler returns the routed and authenticated API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	sub, err := s.subscribeEvents()
	if err != nil {
		return err
	}
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// subscribeEvents forwards every bus event to websocket clients unchanged.
func (s *Server) subscribeEvents() (*nats.Subscription, error) {
	if s.nats == nil {
		return nil, nil
	}
	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		if !json.Valid(msg.Data) {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject)
			return
		}
		s.hub.Broadcast(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	return sub, nil
}
