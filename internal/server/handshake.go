package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/burrownet/burrow/internal/abuse"
	"github.com/burrownet/burrow/internal/account"
	"github.com/burrownet/burrow/internal/metrics"
	"github.com/burrownet/burrow/internal/netutil"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/wire"
)

const (
	// authTimeout bounds how long a fresh connection may sit before
	// completing the Auth exchange.
	authTimeout = 10 * time.Second

	// randomLabelAttempts bounds retries when a generated label races a
	// concurrent claim.
	randomLabelAttempts = 5
)

// leaseTTL derives the route lease from the heartbeat interval: a session
// that misses three heartbeats loses its route.
func (s *Server) leaseTTL() time.Duration {
	return 3 * s.cfg.HeartbeatInterval
}

// handleTunnel accepts one tunnel connection on the public listener:
// upgrade, Auth exchange, quota and hostname checks, route claim, then the
// frame read loop for the life of the session.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("tunnel upgrade failed", "err", err)
		return
	}
	conn := wire.NewConn(ws, 0)

	req, err := s.readAuth(conn)
	if err != nil {
		s.log.Warn("tunnel auth read failed", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close()
		return
	}

	tun, reply := s.accept(r.Context(), conn, req)
	if err := conn.WriteMeta(wire.TypeAuthAck, wire.ControlStream, reply); err != nil {
		if tun != nil {
			s.teardown(tun, "auth ack write failed")
		} else {
			_ = conn.Close()
		}
		return
	}
	if tun == nil {
		metrics.SessionsTotal.WithLabelValues(reply.Reason).Inc()
		s.log.Info("tunnel rejected", "remote", r.RemoteAddr, "reason", reply.Reason)
		_ = conn.Close()
		return
	}

	s.hub.add(tun)
	metrics.SessionsTotal.WithLabelValues("accepted").Inc()
	metrics.SessionsActive.Inc()
	s.log.Info("tunnel connected",
		"session_id", tun.sess.ID, "hostname", tun.sess.Hostname, "user_id", tun.sess.UserID)

	go s.readLoop(conn, tun)
}

func (s *Server) readAuth(conn *wire.Conn) (*wire.AuthRequest, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return nil, err
	}
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	if f.Type != wire.TypeAuth || f.StreamID != wire.ControlStream {
		return nil, fmt.Errorf("expected auth frame, got type %d", f.Type)
	}
	var req wire.AuthRequest
	if err := wire.UnmarshalMeta(f.Payload, &req); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &req, nil
}

// accept validates one Auth request end to end. A nil tunnel with a
// populated reply means rejection; the caller sends the reply either way.
func (s *Server) accept(ctx context.Context, conn *wire.Conn, req *wire.AuthRequest) (*tunnel, wire.AuthReply) {
	if req.Version != wire.ProtocolVersion {
		return nil, reject(wire.ReasonIncompatibleClient,
			fmt.Sprintf("server speaks protocol %d, client sent %d", wire.ProtocolVersion, req.Version))
	}

	id, err := s.accounts.Authenticate(ctx, req.Token)
	if err != nil {
		return nil, reject(wire.ReasonAuthError, "invalid or expired token")
	}

	if !s.limiter.allow("handshake:"+id.UserID, s.cfg.TunnelRatePerMin/60, s.cfg.TunnelRatePerMin) {
		return nil, reject(wire.ReasonQuotaExceeded, "too many tunnel attempts, slow down")
	}

	quota, err := s.accounts.GetQuota(ctx, id)
	if err != nil {
		s.log.Error("quota lookup failed", "user_id", id.UserID, "err", err)
		return nil, reject(wire.ReasonInternal, "")
	}

	live, err := s.routes.LiveByUser(ctx, id.UserID)
	if err != nil {
		s.log.Error("live tunnel count failed", "user_id", id.UserID, "err", err)
		return nil, reject(wire.ReasonInternal, "")
	}
	if live >= quota.MaxTunnels {
		return nil, reject(wire.ReasonQuotaExceeded,
			fmt.Sprintf("plan %s allows %d concurrent tunnels", quota.Plan, quota.MaxTunnels))
	}

	if quota.MonthlyBytes > 0 {
		used, err := s.accounts.Usage(ctx, id.UserID)
		if err != nil {
			s.log.Error("usage lookup failed", "user_id", id.UserID, "err", err)
			return nil, reject(wire.ReasonInternal, "")
		}
		if used >= quota.MonthlyBytes {
			return nil, reject(wire.ReasonQuotaExceeded, "monthly bandwidth cap reached")
		}
	}

	sessionID := uuid.NewString()
	hostname, rejectReply, ok := s.claimHostname(ctx, req, id, sessionID)
	if !ok {
		return nil, rejectReply
	}

	basicHash := ""
	if req.BasicUser != "" {
		hash, err := account.HashPassword(req.BasicPass)
		if err != nil {
			_ = s.routes.Release(ctx, hostname, sessionID)
			return nil, reject(wire.ReasonInternal, "")
		}
		basicHash = hash
	}

	sess := session.New(conn, session.Config{
		ID:          sessionID,
		Hostname:    hostname,
		UserID:      id.UserID,
		Plan:        id.Plan,
		BasicUser:   req.BasicUser,
		BasicHash:   basicHash,
		MaxStreams:  quota.MaxStreams,
		IdleTimeout: s.cfg.StreamIdleTimeout,
		Logger:      s.log,

		EchoHeartbeat: true,
	})

	return &tunnel{sess: sess, quota: quota}, wire.AuthReply{
		OK:           true,
		Hostname:     hostname,
		SessionID:    sessionID,
		HeartbeatSec: int(s.cfg.HeartbeatInterval / time.Second),
		MaxStreams:   quota.MaxStreams,
	}
}

// claimHostname turns the requested (or generated) label into a registry
// claim owned by this node.
func (s *Server) claimHostname(ctx context.Context, req *wire.AuthRequest, id account.Identity, sessionID string) (string, wire.AuthReply, bool) {
	base := s.baseHost()
	requested := netutil.NormalizeHost(req.Hostname)

	if requested != "" {
		label := requested
		if strings.Contains(requested, ".") {
			l, ok := netutil.SubdomainLabel(requested, base)
			if !ok {
				return "", reject(wire.ReasonRouteConflict, "hostname is outside the service domain"), false
			}
			label = l
		}
		if err := abuse.CheckLabel(label); err != nil {
			var be *abuse.BlockedError
			detail := "hostname not allowed"
			if errors.As(err, &be) {
				detail = be.Reason
			}
			return "", reject(wire.ReasonRouteConflict, detail), false
		}
		hostname := label + "." + base
		if err := s.claim(ctx, hostname, id.UserID, sessionID); err != nil {
			metrics.RouteClaimsTotal.WithLabelValues("conflict").Inc()
			return "", reject(wire.ReasonRouteConflict, "subdomain taken"), false
		}
		metrics.RouteClaimsTotal.WithLabelValues("ok").Inc()
		if req.Reserved {
			if ok, err := s.store.ReserveHostname(ctx, hostname, id.UserID); err != nil {
				s.log.Error("hostname reservation failed", "hostname", hostname, "err", err)
			} else if !ok {
				s.log.Warn("hostname already reserved elsewhere", "hostname", hostname)
			}
		}
		return hostname, wire.AuthReply{}, true
	}

	// No hostname requested: assign a random label, retrying past races.
	for i := 0; i < randomLabelAttempts; i++ {
		hostname := abuse.RandomLabel() + "." + base
		err := s.claim(ctx, hostname, id.UserID, sessionID)
		if err == nil {
			metrics.RouteClaimsTotal.WithLabelValues("ok").Inc()
			return hostname, wire.AuthReply{}, true
		}
		if !errors.Is(err, registry.ErrRouteConflict) && !errors.Is(err, registry.ErrHostnameReserved) {
			s.log.Error("route claim failed", "hostname", hostname, "err", err)
			return "", reject(wire.ReasonInternal, ""), false
		}
		metrics.RouteClaimsTotal.WithLabelValues("conflict").Inc()
	}
	return "", reject(wire.ReasonRouteConflict, "could not allocate a free subdomain"), false
}

func (s *Server) claim(ctx context.Context, hostname, userID, sessionID string) error {
	return s.routes.Claim(ctx, registry.Entry{
		Hostname:     hostname,
		NodeID:       s.nodeID,
		SessionID:    sessionID,
		InternalAddr: s.cfg.InternalAdvertiseAddr,
		UserID:       userID,
	}, s.leaseTTL())
}

func reject(reason, detail string) wire.AuthReply {
	return wire.AuthReply{OK: false, Reason: reason, Detail: detail}
}

// readLoop feeds inbound frames to the session until the connection dies
// or the session asks for teardown.
func (s *Server) readLoop(conn *wire.Conn, t *tunnel) {
	defer s.teardown(t, "connection closed")

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if err := t.sess.Deliver(f); err != nil {
			s.log.Warn("tunnel session failed", "session_id", t.sess.ID, "err", err)
			return
		}
	}
}

// teardown closes the session, releases its route, and flushes final
// usage. Idempotent via Session.Close.
func (s *Server) teardown(t *tunnel, detail string) {
	if !t.closing.CompareAndSwap(false, true) {
		return
	}
	t.sess.Close(wire.ReasonSessionGone, detail)
	s.hub.remove(t)
	metrics.SessionsActive.Dec()
	metrics.SessionDuration.Observe(time.Since(t.sess.StartedAt).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.routes.Release(ctx, t.sess.Hostname, t.sess.ID); err != nil &&
		!errors.Is(err, registry.ErrRouteNotFound) {
		s.log.Error("route release failed", "hostname", t.sess.Hostname, "err", err)
	}
	if n := t.sess.TakeUsage(); n > 0 {
		if err := s.accounts.RecordUsage(ctx, t.sess.UserID, n); err != nil {
			s.log.Error("usage flush failed", "user_id", t.sess.UserID, "err", err)
		}
	}
	s.log.Info("tunnel disconnected", "session_id", t.sess.ID, "hostname", t.sess.Hostname)
}
