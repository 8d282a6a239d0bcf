// Package server runs one cluster node: the public ingress listener, the
// tunnel accept endpoint, and the internal node-to-node relay listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burrownet/burrow/internal/account"
	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/debughttp"
	"github.com/burrownet/burrow/internal/netutil"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/store/sqlite"
)

// Header names on the internal relay channel.
const (
	headerClusterSecret = "X-Burrow-Cluster-Secret"
	headerOriginalHost  = "X-Burrow-Host"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	cfg      config.ServerConfig
	store    *sqlite.Store
	routes   *registry.Cache
	accounts account.Service
	log      *slog.Logger
	nodeID   string

	hub     *hub
	limiter *rateLimiter

	// relayClient carries node-to-node HTTP relays; no global timeout so
	// long-lived streaming responses survive, cancellation rides the
	// request context.
	relayClient *http.Client
}

// tunnel pairs a live session with the plan quota captured at accept time.
type tunnel struct {
	sess    *session.Session
	quota   account.Quota
	closing atomic.Bool
}

type hub struct {
	mu     sync.RWMutex
	byHost map[string]*tunnel
	byID   map[string]*tunnel
}

func newHub() *hub {
	return &hub{byHost: map[string]*tunnel{}, byID: map[string]*tunnel{}}
}

func (h *hub) add(t *tunnel) {
	h.mu.Lock()
	h.byHost[t.sess.Hostname] = t
	h.byID[t.sess.ID] = t
	h.mu.Unlock()
}

// remove drops the tunnel only if the hostname still points at this exact
// session, so a reconnect that re-claimed the hostname is not evicted by
// the old connection's teardown.
func (h *hub) remove(t *tunnel) {
	h.mu.Lock()
	if cur, ok := h.byHost[t.sess.Hostname]; ok && cur.sess.ID == t.sess.ID {
		delete(h.byHost, t.sess.Hostname)
	}
	delete(h.byID, t.sess.ID)
	h.mu.Unlock()
}

func (h *hub) byHostname(host string) (*tunnel, bool) {
	h.mu.RLock()
	t, ok := h.byHost[host]
	h.mu.RUnlock()
	return t, ok
}

func (h *hub) snapshot() []*tunnel {
	h.mu.RLock()
	out := make([]*tunnel, 0, len(h.byID))
	for _, t := range h.byID {
		out = append(out, t)
	}
	h.mu.RUnlock()
	return out
}

func New(cfg config.ServerConfig, store *sqlite.Store, accounts account.Service, logger *slog.Logger) *Server {
	nodeID := strings.TrimSpace(cfg.NodeID)
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Server{
		cfg:         cfg,
		store:       store,
		routes:      registry.NewCache(store),
		accounts:    accounts,
		log:         logger.With("node_id", nodeID),
		nodeID:      nodeID,
		hub:         newHub(),
		limiter:     newRateLimiter(),
		relayClient: &http.Client{},
	}
}

// publicHandler routes the public listener: tunnel handshakes and ingress.
func (s *Server) publicHandler() http.Handler {
	public := http.NewServeMux()
	public.HandleFunc("/v1/tunnel", s.handleTunnel)
	public.HandleFunc("/healthz", handleHealthz)
	public.HandleFunc("/", s.handlePublic)
	return public
}

// internalHandler routes the cluster-facing listener: peer relay, metrics,
// and pprof. Never expose it publicly.
func (s *Server) internalHandler() http.Handler {
	internal := mux.NewRouter()
	internal.HandleFunc("/healthz", handleHealthz)
	internal.Handle("/metrics", promhttp.Handler())
	internal.HandleFunc("/internal/v1/relay", s.handleRelayWS).
		Methods(http.MethodGet).
		Headers("Upgrade", "websocket")
	internal.PathPrefix("/internal/v1/relay").HandlerFunc(s.handleRelay)
	debughttp.Register(internal.PathPrefix("/debug/pprof").Subrouter())
	return internal
}

// Run serves both listeners until ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	publicServer := &http.Server{
		Addr:              s.cfg.ListenPublic,
		Handler:           s.publicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	internalServer := &http.Server{
		Addr:              s.cfg.ListenInternal,
		Handler:           s.internalHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("public listener starting", "addr", s.cfg.ListenPublic, "domain", s.cfg.BaseDomain)
		if err := publicServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()
	go func() {
		s.log.Info("internal listener starting", "addr", s.cfg.ListenInternal, "advertise", s.cfg.InternalAdvertiseAddr)
		if err := internalServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.closeAllSessions()
	if err := shutdownServer(publicServer, 5*time.Second); err != nil && runErr == nil {
		runErr = err
	}
	if err := shutdownServer(internalServer, 5*time.Second); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) closeAllSessions() {
	for _, t := range s.hub.snapshot() {
		s.teardown(t, "node shutting down")
	}
}

// baseHost returns the normalized base domain.
func (s *Server) baseHost() string {
	return netutil.NormalizeHost(s.cfg.BaseDomain)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
