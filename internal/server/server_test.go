package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/account"
	"github.com/burrownet/burrow/internal/client"
	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/store/sqlite"
	"github.com/burrownet/burrow/internal/wire"
)

const testDomain = "tunnel.test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAccounts is an in-memory account.Service for handler tests.
type fakeAccounts struct {
	tokens map[string]account.Identity
	quota  account.Quota

	mu    sync.Mutex
	usage map[string]int64
}

func newFakeAccounts(quota account.Quota) *fakeAccounts {
	return &fakeAccounts{
		tokens: map[string]account.Identity{
			"good-token": {UserID: "u-1", Plan: quota.Plan},
		},
		quota: quota,
		usage: make(map[string]int64),
	}
}

func (f *fakeAccounts) Authenticate(_ context.Context, token string) (account.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return account.Identity{}, account.ErrBadToken
	}
	return id, nil
}

func (f *fakeAccounts) GetQuota(context.Context, account.Identity) (account.Quota, error) {
	return f.quota, nil
}

func (f *fakeAccounts) RecordUsage(_ context.Context, userID string, bytes int64) error {
	f.mu.Lock()
	f.usage[userID] += bytes
	f.mu.Unlock()
	return nil
}

func (f *fakeAccounts) Usage(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[userID], nil
}

func defaultQuota() account.Quota {
	return account.Quota{Plan: "test", MaxTunnels: 5, MaxStreams: 16}
}

// testNode is one server with its public and internal listeners mounted on
// httptest so handlers run over real sockets.
type testNode struct {
	s        *Server
	pub      *httptest.Server
	internal *httptest.Server
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "burrow.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestNode(t *testing.T, store *sqlite.Store, accounts account.Service, nodeID, clusterSecret string) *testNode {
	t.Helper()
	cfg := config.ServerConfig{
		BaseDomain:        testDomain,
		NodeID:            nodeID,
		ClusterSecret:     clusterSecret,
		HeartbeatInterval: 15 * time.Second,
		RequestTimeout:    5 * time.Second,
		StreamIdleTimeout: time.Minute,
		TunnelRatePerMin:  600,
	}
	s := New(cfg, store, accounts, discardLogger())

	pub := httptest.NewServer(s.publicHandler())
	t.Cleanup(pub.Close)
	internal := httptest.NewServer(s.internalHandler())
	t.Cleanup(internal.Close)
	// Peers dial the internal listener at this address.
	s.cfg.InternalAdvertiseAddr = strings.TrimPrefix(internal.URL, "http://")

	return &testNode{s: s, pub: pub, internal: internal}
}

// connectClient runs a real tunnel client against the node and returns the
// assigned hostname once the session is registered.
func connectClient(t *testing.T, node *testNode, cfg config.ClientConfig) string {
	t.Helper()
	cfg.ServerURL = node.pub.URL
	if cfg.Token == "" {
		cfg.Token = "good-token"
	}
	cfg.HeartbeatInterval = time.Minute

	c, err := client.New(cfg, "test", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	before := len(node.s.hub.snapshot())
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tunnels := node.s.hub.snapshot()
		if len(tunnels) > before {
			for _, tun := range tunnels {
				if cfg.Hostname == "" || strings.HasPrefix(tun.sess.Hostname, cfg.Hostname+".") {
					return tun.sess.Hostname
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never registered a tunnel")
	return ""
}

// rawHandshake speaks the Auth exchange directly so rejections can be
// asserted without a full client.
func rawHandshake(t *testing.T, node *testNode, req wire.AuthRequest) wire.AuthReply {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(node.pub.URL, "http") + "/v1/tunnel"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := wire.NewConn(ws, 0)
	defer conn.Close()

	if err := conn.WriteMeta(wire.TypeAuth, wire.ControlStream, &req); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != wire.TypeAuthAck {
		t.Fatalf("frame type = %d, want auth ack", f.Type)
	}
	var reply wire.AuthReply
	if err := wire.UnmarshalMeta(f.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func doRequest(t *testing.T, node *testNode, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func publicGet(t *testing.T, node *testNode, host, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, node.pub.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = host
	return req
}

func TestEndToEndHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI() + " " + string(body)))
	}))
	t.Cleanup(upstream.Close)

	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	host := connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL})

	req, err := http.NewRequest(http.MethodPost, node.pub.URL+"/echo?x=1", strings.NewReader("ping"))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = host
	resp := doRequest(t, node, req)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatal("upstream header lost in transit")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "POST /echo?x=1 ping" {
		t.Fatalf("body = %q", body)
	}
}

func TestEndToEndWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(upstream.Close)

	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	host := connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL})

	wsURL := "ws" + strings.TrimPrefix(node.pub.URL, "http") + "/live"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Host": {host}})
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("marco")); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "echo:marco" {
		t.Fatalf("echo = %q", msg)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")

	reply := rawHandshake(t, node, wire.AuthRequest{Version: wire.ProtocolVersion, Token: "bogus"})
	if reply.OK || reply.Reason != wire.ReasonAuthError {
		t.Fatalf("reply = %+v, want auth_error rejection", reply)
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")

	reply := rawHandshake(t, node, wire.AuthRequest{Version: 99, Token: "good-token"})
	if reply.OK || reply.Reason != wire.ReasonIncompatibleClient {
		t.Fatalf("reply = %+v, want incompatible_client rejection", reply)
	}
}

func TestHandshakeEnforcesMaxTunnels(t *testing.T) {
	quota := defaultQuota()
	quota.MaxTunnels = 1
	store := openTestStore(t)
	node := newTestNode(t, store, newFakeAccounts(quota), "node-a", "cluster-secret")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)
	connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL})

	reply := rawHandshake(t, node, wire.AuthRequest{Version: wire.ProtocolVersion, Token: "good-token"})
	if reply.OK || reply.Reason != wire.ReasonQuotaExceeded {
		t.Fatalf("reply = %+v, want quota_exceeded rejection", reply)
	}
	// The rejected handshake must not leave a route behind.
	live, err := store.LiveByUser(context.Background(), "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if live != 1 {
		t.Fatalf("live routes = %d, want 1", live)
	}
}

func TestHandshakeSubdomainConflict(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL, Hostname: "myapp"})

	reply := rawHandshake(t, node, wire.AuthRequest{
		Version: wire.ProtocolVersion, Token: "good-token", Hostname: "myapp",
	})
	if reply.OK || reply.Reason != wire.ReasonRouteConflict {
		t.Fatalf("reply = %+v, want route_conflict rejection", reply)
	}
}

func TestHandshakeRejectsBlockedLabel(t *testing.T) {
	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")

	reply := rawHandshake(t, node, wire.AuthRequest{
		Version: wire.ProtocolVersion, Token: "good-token", Hostname: "admin",
	})
	if reply.OK || reply.Reason != wire.ReasonRouteConflict {
		t.Fatalf("reply = %+v, want route_conflict rejection for blocked label", reply)
	}
}

func TestUnknownHostNotFound(t *testing.T) {
	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")

	resp := doRequest(t, node, publicGet(t, node, "nobody-home."+testDomain, "/"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBasicAuthEnforced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret stuff"))
	}))
	t.Cleanup(upstream.Close)

	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	host := connectClient(t, node, config.ClientConfig{
		LocalURL:  upstream.URL,
		BasicUser: "alice",
		BasicPass: "s3cret",
	})

	resp := doRequest(t, node, publicGet(t, node, host, "/"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	req := publicGet(t, node, host, "/")
	req.SetBasicAuth("alice", "s3cret")
	resp = doRequest(t, node, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with credentials = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secret stuff" {
		t.Fatalf("body = %q", body)
	}

	req = publicGet(t, node, host, "/")
	req.SetBasicAuth("alice", "wrong")
	resp = doRequest(t, node, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bad password = %d, want 401", resp.StatusCode)
	}
}

func TestTwoNodeRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("served by owner for " + r.Host))
	}))
	t.Cleanup(upstream.Close)

	store := openTestStore(t)
	accounts := newFakeAccounts(defaultQuota())
	owner := newTestNode(t, store, accounts, "node-a", "cluster-secret")
	peer := newTestNode(t, store, accounts, "node-b", "cluster-secret")

	host := connectClient(t, owner, config.ClientConfig{LocalURL: upstream.URL})

	// The peer holds no session for the hostname and must relay to the owner.
	resp := doRequest(t, peer, publicGet(t, peer, host, "/via-peer"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status via peer = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "served by owner for "+host {
		t.Fatalf("body via peer = %q", body)
	}

	// Same request at the owner: identical result without a hop.
	resp = doRequest(t, owner, publicGet(t, owner, host, "/via-peer"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status via owner = %d, want 200", resp.StatusCode)
	}
	body, _ = io.ReadAll(resp.Body)
	if string(body) != "served by owner for "+host {
		t.Fatalf("body via owner = %q", body)
	}
}

func TestRelayRejectsWrongClusterSecret(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	store := openTestStore(t)
	accounts := newFakeAccounts(defaultQuota())
	owner := newTestNode(t, store, accounts, "node-a", "cluster-secret")
	peer := newTestNode(t, store, accounts, "node-b", "not-the-secret")

	host := connectClient(t, owner, config.ClientConfig{LocalURL: upstream.URL})

	resp := doRequest(t, peer, publicGet(t, peer, host, "/"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 for rejected hop", resp.StatusCode)
	}
}

func TestRelayEndpointRequiresSecret(t *testing.T) {
	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")

	req, err := http.NewRequest(http.MethodGet, node.internal.URL+"/internal/v1/relay/some/path", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(headerOriginalHost, "whatever."+testDomain)
	resp := doRequest(t, node, req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if resp.Header.Get(headerRelayError) == "" {
		t.Fatal("relay failures must carry the relay error header")
	}
}

func TestTimedOutRequestLeavesSessionUsable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(600 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("answered"))
	}))
	t.Cleanup(upstream.Close)

	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	node.s.cfg.RequestTimeout = 200 * time.Millisecond
	host := connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL})

	resp := doRequest(t, node, publicGet(t, node, host, "/slow"))
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("slow upstream status = %d, want 504", resp.StatusCode)
	}

	// The late answer (and the body frames behind it) must not poison the
	// tunnel: the next request goes through on the same session.
	resp = doRequest(t, node, publicGet(t, node, host, "/fast"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "answered" {
		t.Fatalf("follow-up body = %q", body)
	}
	if n := len(node.s.hub.snapshot()); n != 1 {
		t.Fatalf("live tunnels = %d, want 1", n)
	}
}

func TestEarlyResponseKeepsSessionAlive(t *testing.T) {
	// The upstream answers without ever reading the request body, so the
	// ingress node is still pumping Data frames when the exchange ends.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	}))
	t.Cleanup(upstream.Close)

	node := newTestNode(t, openTestStore(t), newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	host := connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL})

	req, err := http.NewRequest(http.MethodPost, node.pub.URL+"/upload", strings.NewReader(strings.Repeat("x", 1<<20)))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = host
	resp := doRequest(t, node, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "done" {
		t.Fatalf("body = %q", body)
	}

	resp = doRequest(t, node, publicGet(t, node, host, "/again"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up status = %d, want 200", resp.StatusCode)
	}
	if n := len(node.s.hub.snapshot()); n != 1 {
		t.Fatalf("live tunnels = %d, want 1", n)
	}
}

func TestStaleSessionExpiresAndFreesRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(upstream.Close)

	store := openTestStore(t)
	node := newTestNode(t, store, newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	host := connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL, Hostname: "sleepy"})

	// Shrink the heartbeat window until the idle session counts as dead.
	node.s.cfg.HeartbeatInterval = 10 * time.Millisecond
	time.Sleep(50 * time.Millisecond)
	node.s.expireStaleSessions()

	if n := len(node.s.hub.snapshot()); n != 0 {
		t.Fatalf("live tunnels after expiry = %d, want 0", n)
	}
	ctx := context.Background()
	if _, err := store.Resolve(ctx, host); !errors.Is(err, registry.ErrRouteNotFound) {
		t.Fatalf("route still resolvable after expiry: %v", err)
	}
	// The hostname is claimable again immediately.
	err := store.Claim(ctx, registry.Entry{
		Hostname:     host,
		NodeID:       "node-b",
		SessionID:    "s-next",
		InternalAddr: "127.0.0.1:0",
		UserID:       "u-1",
	}, time.Minute)
	if err != nil {
		t.Fatalf("expired hostname not reclaimable: %v", err)
	}
}

func TestLostLeaseTearsDownSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(upstream.Close)

	store := openTestStore(t)
	node := newTestNode(t, store, newFakeAccounts(defaultQuota()), "node-a", "cluster-secret")
	host := connectClient(t, node, config.ClientConfig{LocalURL: upstream.URL, Hostname: "contested"})

	tunnels := node.s.hub.snapshot()
	if len(tunnels) != 1 {
		t.Fatalf("live tunnels = %d, want 1", len(tunnels))
	}
	ctx := context.Background()

	// Another claimant takes the hostname out from under this session.
	if err := store.Release(ctx, host, tunnels[0].sess.ID); err != nil {
		t.Fatal(err)
	}
	err := store.Claim(ctx, registry.Entry{
		Hostname:     host,
		NodeID:       "node-b",
		SessionID:    "rival",
		InternalAddr: "127.0.0.1:0",
		UserID:       "u-2",
	}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	node.s.renewLeases(ctx)

	if n := len(node.s.hub.snapshot()); n != 0 {
		t.Fatalf("live tunnels after lease loss = %d, want 0", n)
	}
}

func TestStreamErrorStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"quota", &session.CloseError{Reason: wire.ReasonQuotaExceeded}, http.StatusTooManyRequests},
		{"timeout", &session.CloseError{Reason: wire.ReasonTimeout}, http.StatusGatewayTimeout},
		{"gone", &session.CloseError{Reason: wire.ReasonSessionGone}, http.StatusServiceUnavailable},
		{"unreachable", &session.CloseError{Reason: wire.ReasonUpstreamUnreachable}, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			if got := writeStreamError(rec, tc.err); got != tc.want {
				t.Fatalf("status = %d, want %d", got, tc.want)
			}
			if rec.Code != tc.want {
				t.Fatalf("recorded status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Fatal("429 without Retry-After")
			}
		})
	}
}
