// Package client implements the burrow tunnel client: it dials the server,
// authenticates, and serves the streams the server opens by forwarding them
// to a local port, URL, or static directory.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/wire"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	authReplyTimeout   = 10 * time.Second

	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 1 * time.Minute

	// missedHeartbeats is how many intervals may pass without any inbound
	// traffic before the connection is declared dead.
	missedHeartbeats = 3

	// streamIdleTimeout abandons a forwarded request whose body stopped
	// arriving; matches the server-side default.
	streamIdleTimeout = time.Minute
)

// RegisterError is a handshake rejection. Retriable rejections (the server
// restarting, a lease not yet expired) are retried with backoff; the rest
// abort the client.
type RegisterError struct {
	Reason string
	Detail string
}

func (e *RegisterError) Error() string {
	if e.Detail == "" {
		return "register rejected: " + e.Reason
	}
	return fmt.Sprintf("register rejected: %s (%s)", e.Reason, e.Detail)
}

// Retriable reports whether reconnecting could help. Bad credentials, a
// protocol mismatch, and an exhausted plan will not fix themselves.
func (e *RegisterError) Retriable() bool {
	switch e.Reason {
	case wire.ReasonAuthError, wire.ReasonIncompatibleClient, wire.ReasonQuotaExceeded:
		return false
	}
	return true
}

// Client maintains one tunnel to the server and forwards its streams.
type Client struct {
	cfg     config.ClientConfig
	log     *slog.Logger
	version string

	target *localTarget
}

// New validates the local target and builds a Client.
func New(cfg config.ClientConfig, version string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	target, err := newLocalTarget(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: log, version: version, target: target}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. Non-retriable registration failures are returned;
// a cancelled ctx returns nil.
func (c *Client) Run(ctx context.Context) error {
	if err := c.target.start(ctx); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialDelay
	bo.MaxInterval = reconnectMaxDelay
	bo.MaxElapsedTime = 0 // keep reconnecting until ctx says stop

	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var reg *RegisterError
		if errors.As(err, &reg) && !reg.Retriable() {
			return err
		}

		delay := bo.NextBackOff()
		c.log.Warn("tunnel disconnected; reconnecting", "err", err, "retry_in", delay.Round(time.Second).String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession performs one dial + handshake + serve cycle. It returns when
// the connection drops or the handshake is rejected.
func (c *Client) runSession(ctx context.Context) error {
	wsURL, err := c.tunnelURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", wsURL, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn := wire.NewConn(ws, 0)
	defer conn.Close()

	reply, err := c.register(conn)
	if err != nil {
		return err
	}

	heartbeat := c.cfg.HeartbeatInterval
	if reply.HeartbeatSec > 0 {
		heartbeat = time.Duration(reply.HeartbeatSec) * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	sess := session.New(conn, session.Config{
		ID:          reply.SessionID,
		Hostname:    reply.Hostname,
		MaxStreams:  reply.MaxStreams,
		IdleTimeout: streamIdleTimeout,
		Logger:      c.log,

		AcceptStream: c.handleStream,
	})
	defer sess.Close(wire.ReasonSessionGone, "client shutting down")

	c.log.Info("tunnel ready",
		"public_url", c.publicURL(reply.Hostname),
		"local", c.target.describe(),
		"session_id", reply.SessionID)

	// Heartbeats double as the dead-peer detector: the server echoes each
	// one, and any inbound frame counts as liveness.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if time.Since(sess.LastSeen()) > missedHeartbeats*heartbeat {
					c.log.Warn("no traffic from server; dropping connection")
					_ = conn.Close()
					return
				}
				if err := conn.WriteHeartbeat(); err != nil {
					return
				}
			}
		}
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("tunnel read: %w", err)
		}
		if err := sess.Deliver(f); err != nil {
			return fmt.Errorf("tunnel session: %w", err)
		}
	}
}

// register runs the Auth / AuthAck exchange on a fresh connection.
func (c *Client) register(conn *wire.Conn) (*wire.AuthReply, error) {
	req := wire.AuthRequest{
		Version:    wire.ProtocolVersion,
		Token:      c.cfg.Token,
		Hostname:   c.cfg.Hostname,
		Reserved:   c.cfg.Reserved,
		BasicUser:  c.cfg.BasicUser,
		BasicPass:  c.cfg.BasicPass,
		ClientName: "burrow/" + c.version,
	}
	if err := conn.WriteMeta(wire.TypeAuth, 0, &req); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authReplyTimeout))
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read auth ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if f.Type != wire.TypeAuthAck || f.StreamID != 0 {
		return nil, errors.New("unexpected frame before auth ack")
	}
	var reply wire.AuthReply
	if err := wire.UnmarshalMeta(f.Payload, &reply); err != nil {
		return nil, fmt.Errorf("decode auth ack: %w", err)
	}
	if !reply.OK {
		return nil, &RegisterError{Reason: reply.Reason, Detail: reply.Detail}
	}
	return &reply, nil
}

// tunnelURL derives the WebSocket endpoint from the configured server URL.
func (c *Client) tunnelURL() (string, error) {
	raw := c.cfg.ServerURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", c.cfg.ServerURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	if c.cfg.Insecure {
		u.Scheme = "ws"
	}
	u.Path = "/v1/tunnel"
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Client) publicURL(hostname string) string {
	scheme := "https"
	if c.cfg.Insecure {
		scheme = "http"
	}
	return scheme + "://" + hostname
}

// handleStream serves one server-opened stream against the local target.
func (c *Client) handleStream(st *session.Stream, meta *wire.StreamMeta) {
	if meta.WebSocket || meta.IsUpgradeMeta() {
		c.forwardWS(st, meta)
		return
	}
	c.forwardHTTP(st, meta)
}
