// Package gateway exposes the HTTP surface: the inbound webhook, the
// operator console API, and the operator event WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/channels"
	"github.com/parley-hq/parley/internal/config"
	"github.com/parley-hq/parley/internal/handoff"
	"github.com/parley-hq/parley/internal/store"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg     *config.Config
	sink    bus.FragmentSink
	stores  *store.Stores
	machine *handoff.Machine
	events  bus.EventPublisher

	limiter  *channels.InboundRateLimiter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server.
func NewServer(cfg *config.Config, sink bus.FragmentSink, stores *store.Stores, machine *handoff.Machine, events bus.EventPublisher) *Server {
	s := &Server{
		cfg:     cfg,
		sink:    sink,
		stores:  stores,
		machine: machine,
		events:  events,
		limiter: channels.NewInboundRateLimiter(),
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/inbound", s.auth(s.handleInbound))
	mux.HandleFunc("GET /v1/conversations", s.auth(s.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.auth(s.handleListMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/claim", s.auth(s.handleClaim))
	mux.HandleFunc("POST /v1/conversations/{id}/release", s.auth(s.handleRelease))
	mux.HandleFunc("GET /v1/tenants", s.auth(s.handleListTenants))
	mux.HandleFunc("PUT /v1/tenants/{id}", s.auth(s.handleUpsertTenant))

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// auth requires the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.Gateway.Token; token != "" {
			if extractBearerToken(r) != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// StartTestServer binds a random local port and returns its address plus a
// start function. Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
