package server

import (
	"context"
	"errors"
	"time"

	"github.com/burrownet/burrow/internal/metrics"
	"github.com/burrownet/burrow/internal/registry"
)

// runJanitor owns the node's periodic upkeep: stale session expiry, route
// lease renewal, usage flushing, and cache/bucket cleanup.
func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.JanitorInterval)
	renewTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	usageTicker := time.NewTicker(s.cfg.UsageFlushInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer heartbeatTicker.Stop()
	defer renewTicker.Stop()
	defer usageTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleSessions()
		case <-renewTicker.C:
			s.renewLeases(ctx)
		case <-usageTicker.C:
			s.flushUsage(ctx)
		case <-cleanupTicker.C:
			s.limiter.cleanup()
			s.routes.Cleanup()
			if n, err := s.store.PurgeExpiredRoutes(ctx, time.Now()); err != nil {
				s.log.Error("expired route purge failed", "err", err)
			} else if n > 0 {
				s.log.Debug("expired routes purged", "count", n)
			}
		}
	}
}

// expireStaleSessions tears down connections silent for three heartbeat
// intervals.
func (s *Server) expireStaleSessions() {
	deadline := time.Now().Add(-3 * s.cfg.HeartbeatInterval)
	for _, t := range s.hub.snapshot() {
		lastSeen := t.sess.LastSeen()
		if lastSeen.After(deadline) {
			continue
		}
		s.log.Warn("tunnel heartbeat timeout",
			"session_id", t.sess.ID, "hostname", t.sess.Hostname,
			"last_seen", lastSeen.UTC().Format(time.RFC3339))
		s.teardown(t, "heartbeat timeout")
	}
}

// renewLeases extends the route lease for every live session. A lost
// lease means another claimant took the hostname; that session is closed
// rather than served with a route pointing elsewhere.
func (s *Server) renewLeases(ctx context.Context) {
	ttl := s.leaseTTL()
	for _, t := range s.hub.snapshot() {
		err := s.routes.Renew(ctx, t.sess.Hostname, t.sess.ID, ttl)
		if err == nil {
			metrics.RouteRenewalsTotal.WithLabelValues("ok").Inc()
			continue
		}
		if errors.Is(err, registry.ErrLeaseLost) {
			metrics.RouteRenewalsTotal.WithLabelValues("lost").Inc()
			s.log.Warn("route lease lost", "session_id", t.sess.ID, "hostname", t.sess.Hostname)
			s.teardown(t, "route lease lost")
			continue
		}
		metrics.RouteRenewalsTotal.WithLabelValues("error").Inc()
		s.log.Error("route lease renewal failed",
			"session_id", t.sess.ID, "hostname", t.sess.Hostname, "err", err)
	}
}

// flushUsage drains per-session byte counters into the account store.
func (s *Server) flushUsage(ctx context.Context) {
	for _, t := range s.hub.snapshot() {
		n := t.sess.TakeUsage()
		if n == 0 {
			continue
		}
		if err := s.accounts.RecordUsage(ctx, t.sess.UserID, n); err != nil {
			s.log.Error("usage flush failed", "user_id", t.sess.UserID, "err", err)
			t.sess.AddRelayedBytes(n) // retry next tick
		}
	}
}
