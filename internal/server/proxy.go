package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/metrics"
	"github.com/burrownet/burrow/internal/netutil"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/wire"
)

const relayPathPrefix = "/internal/v1/relay"

// headerRelayError marks responses produced by the relay machinery itself
// rather than the tunnel; the ingress node collapses those into bad_hop so
// cluster internals never leak to the public side.
const headerRelayError = "X-Burrow-Relay-Error"

// relayMeta is the first message on an inter-node WebSocket relay,
// describing the public upgrade request.
type relayMeta struct {
	Method string              `json:"method"`
	Path   string              `json:"path"`
	Query  string              `json:"query,omitempty"`
	Header map[string][]string `json:"header,omitempty"`
}

// relayAck answers relayMeta with the upstream handshake outcome.
type relayAck struct {
	Status int                 `json:"status"`
	Reason string              `json:"reason,omitempty"`
	Header map[string][]string `json:"header,omitempty"`
}

// relayToPeer forwards a public request to the node owning the route.
func (s *Server) relayToPeer(w http.ResponseWriter, r *http.Request, entry registry.Entry, host string) int {
	if netutil.ShouldPreserveUpgradeHeaders(r.Header) {
		return s.relayWSToPeer(w, r, entry, host)
	}

	url := "http://" + entry.InternalAddr + relayPathPrefix + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		metrics.ProxyHopsTotal.WithLabelValues("error").Inc()
		http.Error(w, "bad_hop", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	req.Header = http.Header(wire.CloneHeader(r.Header))
	netutil.RemoveHopByHopHeaders(req.Header)
	netutil.AppendForwardedHeaders(req.Header, r.RemoteAddr, r.TLS != nil)
	req.Header.Set(headerClusterSecret, s.cfg.ClusterSecret)
	req.Header.Set(headerOriginalHost, host)
	req.ContentLength = r.ContentLength

	resp, err := s.relayClient.Do(req)
	if err != nil {
		s.log.Warn("peer relay failed", "peer", entry.InternalAddr, "host", host, "err", err)
		s.routes.Invalidate(host)
		metrics.ProxyHopsTotal.WithLabelValues("error").Inc()
		http.Error(w, "bad_hop", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get(headerRelayError) != "" {
		s.log.Error("peer rejected relay", "peer", entry.InternalAddr,
			"relay_error", resp.Header.Get(headerRelayError))
		metrics.ProxyHopsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "bad_hop", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	metrics.ProxyHopsTotal.WithLabelValues("ok").Inc()

	hdr := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			hdr.Add(k, v)
		}
	}
	netutil.RemoveHopByHopHeaders(hdr)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			break
		}
	}
	return resp.StatusCode
}

// relayWSToPeer bridges a public WebSocket upgrade to the owner node over
// an internal WebSocket.
func (s *Server) relayWSToPeer(w http.ResponseWriter, r *http.Request, entry registry.Entry, host string) int {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	relayHdr := http.Header{}
	relayHdr.Set(headerClusterSecret, s.cfg.ClusterSecret)
	relayHdr.Set(headerOriginalHost, host)

	peer, _, err := dialer.DialContext(r.Context(), "ws://"+entry.InternalAddr+relayPathPrefix, relayHdr)
	if err != nil {
		s.log.Warn("peer websocket relay dial failed", "peer", entry.InternalAddr, "err", err)
		s.routes.Invalidate(host)
		metrics.ProxyHopsTotal.WithLabelValues("error").Inc()
		http.Error(w, "bad_hop", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer func() { _ = peer.Close() }()

	hdr := http.Header(outboundHeader(r, host))
	stripWSHandshakeHeaders(hdr)
	if err := peer.WriteJSON(relayMeta{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: hdr,
	}); err != nil {
		metrics.ProxyHopsTotal.WithLabelValues("error").Inc()
		http.Error(w, "bad_hop", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	var ack relayAck
	if err := peer.ReadJSON(&ack); err != nil {
		metrics.ProxyHopsTotal.WithLabelValues("error").Inc()
		http.Error(w, "bad_hop", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	if ack.Status != http.StatusSwitchingProtocols {
		metrics.ProxyHopsTotal.WithLabelValues("rejected").Inc()
		reason := ack.Reason
		if reason == "" {
			reason = "upstream refused websocket upgrade"
		}
		status := ack.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		http.Error(w, reason, status)
		return status
	}
	metrics.ProxyHopsTotal.WithLabelValues("ok").Inc()

	var respHeader http.Header
	if proto := http.Header(ack.Header).Get("Sec-Websocket-Protocol"); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	pub, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return http.StatusBadRequest
	}
	bridgeWS(pub, peer)
	return http.StatusSwitchingProtocols
}

// bridgeWS copies messages between two WebSocket connections until either
// side closes.
func bridgeWS(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	copyMessages := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, data, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := dst.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
	go copyMessages(a, b)
	copyMessages(b, a)
	<-done
	_ = a.Close()
	_ = b.Close()
}

// handleRelay serves HTTP requests arriving from peer nodes on the
// internal listener. After validation it reuses the exact local dispatch
// path, so basic auth and rate limits behave as if the request hit this
// node directly.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !s.relayAuthorized(r) {
		w.Header().Set(headerRelayError, "bad_secret")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	host := netutil.NormalizeHost(r.Header.Get(headerOriginalHost))
	if host == "" {
		w.Header().Set(headerRelayError, "missing_host")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	t, ok := s.hub.byHostname(host)
	if !ok {
		http.Error(w, "session_gone", http.StatusServiceUnavailable)
		return
	}

	fwd := r.Clone(r.Context())
	fwd.URL.Path = strings.TrimPrefix(r.URL.Path, relayPathPrefix)
	if fwd.URL.Path == "" {
		fwd.URL.Path = "/"
	}
	fwd.Header.Del(headerClusterSecret)
	fwd.Header.Del(headerOriginalHost)

	s.dispatch(w, fwd, t, host)
}

// handleRelayWS serves WebSocket relays from peer nodes: handshake via
// relayMeta/relayAck JSON messages, then message pumping over the tunnel.
func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if !s.relayAuthorized(r) {
		w.Header().Set(headerRelayError, "bad_secret")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	host := netutil.NormalizeHost(r.Header.Get(headerOriginalHost))
	if host == "" {
		w.Header().Set(headerRelayError, "missing_host")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	peer, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = peer.Close() }()

	var meta relayMeta
	if err := peer.ReadJSON(&meta); err != nil {
		return
	}

	t, ok := s.hub.byHostname(host)
	if !ok {
		_ = peer.WriteJSON(relayAck{Status: http.StatusServiceUnavailable, Reason: "session_gone"})
		return
	}
	if t.sess.BasicUser != "" && !basicAuthHeaderOK(meta.Header, t.sess.BasicUser, t.sess.BasicHash) {
		_ = peer.WriteJSON(relayAck{Status: http.StatusUnauthorized, Reason: "auth_required"})
		return
	}
	if !s.limiter.allow("req:"+host, t.quota.RateRPS, float64(t.quota.RateBurst)) {
		metrics.RateLimitedTotal.Inc()
		_ = peer.WriteJSON(relayAck{Status: http.StatusTooManyRequests, Reason: "rate_limited"})
		return
	}

	st, err := t.sess.OpenStream(&wire.StreamMeta{
		Kind:      wire.KindRequest,
		Method:    meta.Method,
		Path:      meta.Path,
		Query:     meta.Query,
		Header:    meta.Header,
		WebSocket: true,
	})
	if err != nil {
		_ = peer.WriteJSON(relayAck{Status: http.StatusServiceUnavailable, Reason: reasonOf(err)})
		return
	}
	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()
	defer st.Release()

	metaCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	resp, err := st.ResponseMeta(metaCtx)
	cancel()
	if err != nil {
		abortUnlessClosed(st, err, "no upstream response in time")
		_ = peer.WriteJSON(relayAck{Status: http.StatusBadGateway, Reason: reasonOf(err)})
		return
	}
	if resp.Status != http.StatusSwitchingProtocols {
		st.Abort(wire.ReasonUpstreamUnreachable, "upstream refused websocket upgrade")
		_ = peer.WriteJSON(relayAck{Status: resp.Status, Reason: "upstream refused websocket upgrade"})
		return
	}
	if err := peer.WriteJSON(relayAck{Status: http.StatusSwitchingProtocols, Header: resp.Header}); err != nil {
		st.Abort(wire.ReasonCancelled, "relay peer went away")
		return
	}

	s.pumpWS(context.Background(), peer, st)
}

func (s *Server) relayAuthorized(r *http.Request) bool {
	got := r.Header.Get(headerClusterSecret)
	return got != "" &&
		subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.ClusterSecret)) == 1
}

func basicAuthHeaderOK(hdr map[string][]string, wantUser, hash string) bool {
	req := &http.Request{Header: http.Header(hdr)}
	return basicAuthOK(req, wantUser, hash)
}
