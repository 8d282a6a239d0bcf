package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/burrownet/burrow/internal/account"
	"github.com/burrownet/burrow/internal/metrics"
	"github.com/burrownet/burrow/internal/netutil"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/store/sqlite"
	"github.com/burrownet/burrow/internal/wire"
)

const copyBufSize = 32 * 1024

// handlePublic is the catch-all on the public listener: resolve the Host
// to a route and dispatch locally or toward the owning node.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := netutil.NormalizeHost(r.Host)
	base := s.baseHost()

	if host == "" || host == base {
		s.countIngress("miss", http.StatusNotFound, start)
		http.Error(w, "no_such_tunnel", http.StatusNotFound)
		return
	}

	// Hosts outside the base domain route through the custom domain table.
	if _, ok := netutil.SubdomainLabel(host, base); !ok {
		mapped, err := s.store.ResolveCustomDomain(r.Context(), host)
		if err != nil {
			if !errors.Is(err, sqlite.ErrDomainNotFound) {
				s.log.Error("custom domain lookup failed", "host", host, "err", err)
			}
			s.countIngress("miss", http.StatusNotFound, start)
			http.Error(w, "no_such_tunnel", http.StatusNotFound)
			return
		}
		host = mapped
	}

	entry, err := s.routes.Resolve(r.Context(), host)
	if err != nil {
		if !errors.Is(err, registry.ErrRouteNotFound) {
			s.log.Error("route resolve failed", "host", host, "err", err)
			s.countIngress("miss", http.StatusInternalServerError, start)
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		s.countIngress("miss", http.StatusNotFound, start)
		http.Error(w, "no_such_tunnel", http.StatusNotFound)
		return
	}

	if entry.NodeID != s.nodeID {
		status := s.relayToPeer(w, r, entry, host)
		s.countIngress("remote", status, start)
		return
	}

	t, ok := s.hub.byHostname(host)
	if !ok {
		// Lease says we own it but the session is gone; let the cache
		// forget the stale route right away.
		s.routes.Invalidate(host)
		s.countIngress("local", http.StatusServiceUnavailable, start)
		http.Error(w, "session_gone", http.StatusServiceUnavailable)
		return
	}
	status := s.dispatch(w, r, t, host)
	s.countIngress("local", status, start)
}

func (s *Server) countIngress(route string, status int, start time.Time) {
	metrics.IngressRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	metrics.IngressRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// dispatch serves one public request over a local session. It is the
// single enforcement point for tunnel basic auth and per-tunnel rate
// limits, shared by direct ingress and relays from peer nodes, so a
// request behaves identically however it reached the owner.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, t *tunnel, host string) int {
	if t.sess.BasicUser != "" && !basicAuthOK(r, t.sess.BasicUser, t.sess.BasicHash) {
		w.Header().Set("WWW-Authenticate", `Basic realm="burrow", charset="UTF-8"`)
		http.Error(w, "auth_required", http.StatusUnauthorized)
		return http.StatusUnauthorized
	}

	if !s.limiter.allow("req:"+host, t.quota.RateRPS, float64(t.quota.RateBurst)) {
		metrics.RateLimitedTotal.Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate_limited", http.StatusTooManyRequests)
		return http.StatusTooManyRequests
	}

	if netutil.ShouldPreserveUpgradeHeaders(r.Header) {
		return s.dispatchWS(w, r, t, host)
	}
	return s.dispatchHTTP(w, r, t, host)
}

// dispatchHTTP relays one plain HTTP exchange: request meta and body go
// down the stream, response meta and body come back, both incrementally.
func (s *Server) dispatchHTTP(w http.ResponseWriter, r *http.Request, t *tunnel, host string) int {
	meta := &wire.StreamMeta{
		Kind:   wire.KindRequest,
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: outboundHeader(r, host),
	}

	st, err := t.sess.OpenStream(meta)
	if err != nil {
		return writeStreamOpenError(w, err)
	}
	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()
	defer st.Release()

	ctx := r.Context()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			st.Abort(wire.ReasonCancelled, "public client went away")
		case <-finished:
		}
	}()

	go pumpRequestBody(ctx, st, r.Body)

	metaCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	resp, err := st.ResponseMeta(metaCtx)
	cancel()
	if err != nil {
		abortUnlessClosed(st, err, "no upstream response in time")
		metrics.StreamsTotal.WithLabelValues("http", reasonOf(err)).Inc()
		return writeStreamError(w, err)
	}

	hdr := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			hdr.Add(k, v)
		}
	}
	netutil.RemoveHopByHopHeaders(hdr)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufSize)
	for {
		n, rerr := st.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				st.Abort(wire.ReasonCancelled, "public client went away")
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				s.log.Warn("response body truncated", "host", host, "err", rerr)
			}
			break
		}
	}
	metrics.StreamsTotal.WithLabelValues("http", "ok").Inc()
	return status
}

// pumpRequestBody streams the inbound body down the tunnel and half-closes
// the stream. Flow-control credit paces the copy.
func pumpRequestBody(ctx context.Context, st *session.Stream, body io.ReadCloser) {
	defer func() { _ = body.Close() }()
	buf := make([]byte, copyBufSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if werr := st.Write(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				_ = st.End()
			} else {
				st.Abort(wire.ReasonCancelled, "request body read failed")
			}
			return
		}
	}
}

// outboundHeader prepares request headers for the tunnel: hop-by-hop gone,
// forwarding context added.
func outboundHeader(r *http.Request, host string) map[string][]string {
	hdr := http.Header(wire.CloneHeader(r.Header))
	netutil.RemoveHopByHopHeaders(hdr)
	netutil.AppendForwardedHeaders(hdr, r.RemoteAddr, r.TLS != nil)
	hdr.Set("X-Forwarded-Host", host)
	return hdr
}

func basicAuthOK(r *http.Request, wantUser, hash string) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || user != wantUser {
		return false
	}
	return account.VerifyPassword(hash, pass)
}

// abortUnlessClosed cancels a stream the public side gave up on. A
// CloseError means the peer already ended it; no second close goes out.
func abortUnlessClosed(st *session.Stream, err error, detail string) {
	var ce *session.CloseError
	if errors.As(err, &ce) {
		return
	}
	st.Abort(wire.ReasonCancelled, detail)
}

func writeStreamOpenError(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, session.ErrTooManyStreams):
		w.Header().Set("Retry-After", "1")
		http.Error(w, wire.ReasonQuotaExceeded, http.StatusTooManyRequests)
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSessionClosed):
		http.Error(w, wire.ReasonSessionGone, http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	default:
		http.Error(w, wire.ReasonInternal, http.StatusBadGateway)
		return http.StatusBadGateway
	}
}

// writeStreamError maps a failed exchange onto a public status carrying
// only the short reason string.
func writeStreamError(w http.ResponseWriter, err error) int {
	reason := reasonOf(err)
	status := http.StatusBadGateway
	switch reason {
	case wire.ReasonTimeout:
		status = http.StatusGatewayTimeout
	case wire.ReasonSessionGone:
		status = http.StatusServiceUnavailable
	case wire.ReasonQuotaExceeded:
		// Same answer whether the cap bit locally or on the far side.
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
	case wire.ReasonCancelled:
		// Public client already gone; status is moot.
		status = http.StatusBadGateway
	}
	http.Error(w, reason, status)
	return status
}

func reasonOf(err error) string {
	var ce *session.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return wire.ReasonCancelled
	}
	return wire.ReasonInternal
}

// stripWSHandshakeHeaders removes headers owned by the local WebSocket
// dialer on the far side; forwarding ours would corrupt its handshake.
func stripWSHandshakeHeaders(hdr http.Header) {
	for _, k := range []string{
		"Sec-Websocket-Key",
		"Sec-Websocket-Version",
		"Sec-Websocket-Extensions",
		"Sec-Websocket-Accept",
	} {
		hdr.Del(k)
	}
}
