package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/nats-io/nats.go"
)

type Server struct {
	store     *store.Store
	coord     *swarm.Coordinator
	registry  *registry.Registry
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	mu       sync.RWMutex
	defaults config.DefaultsConfig
}

// NewServer wires the HTTP surface. client may be nil, in which case no
// events reach websocket clients.
func NewServer(s *store.Store, coord *swarm.Coordinator, reg *registry.Registry, client *natsbus.Client, cfg config.WebConfig, defaults config.DefaultsConfig, version string) *Server {
	return &Server{
		store:     s,
		coord:     coord,
		registry:  reg,
		nats:      client,
		hub:       NewHub(),
		cfg:       cfg,
		defaults:  defaults,
		version:   version,
		startedAt: time.Now(),
	}
}

// UpdateDefaults swaps the defaults applied to new swarms.
func (s *Server) UpdateDefaults(d config.DefaultsConfig) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

func (s *Server) currentDefaults() config.DefaultsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.hub.CloseAll()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// subscribeEvents forwards swarm events from the bus to websocket clients.
func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}
	_, err := s.nats.Subscribe(natsbus.TopicEventsAllSwarms, func(msg *nats.Msg) {
		s.hub.Broadcast(swarmIDOf(msg.Subject), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}
