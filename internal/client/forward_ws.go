package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/wire"
)

// forwardWS completes a tunneled WebSocket upgrade against the local
// upstream. The server upgrades its public side only after our 101 comes
// back, so a refusal here surfaces to the visitor as a plain HTTP error.
func (c *Client) forwardWS(st *session.Stream, meta *wire.StreamMeta) {
	defer st.Release()

	u := c.target.requestURL(meta.Path, meta.Query)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	hdr := http.Header(wire.CloneHeader(meta.Header))
	subprotocols := hdr.Values("Sec-Websocket-Protocol")
	for _, h := range []string{
		"Upgrade", "Connection",
		"Sec-Websocket-Key", "Sec-Websocket-Version",
		"Sec-Websocket-Extensions", "Sec-Websocket-Protocol",
	} {
		hdr.Del(h)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Subprotocols:     subprotocols,
	}
	local, resp, err := dialer.Dial(u.String(), hdr)
	if err != nil {
		if resp != nil {
			// The upstream answered but refused the upgrade; relay its
			// verdict instead of a generic failure.
			_ = st.Respond(&wire.StreamMeta{Kind: wire.KindResponse, Status: resp.StatusCode})
			_ = st.End()
			return
		}
		c.log.Warn("local websocket upstream unreachable", "target", u.String(), "err", err)
		st.Abort(wire.ReasonUpstreamUnreachable, "local upstream unreachable")
		return
	}

	ack := &wire.StreamMeta{Kind: wire.KindResponse, Status: http.StatusSwitchingProtocols}
	if proto := resp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		ack.Header = map[string][]string{"Sec-Websocket-Protocol": {proto}}
	}
	if err := st.Respond(ack); err != nil {
		_ = local.Close()
		return
	}

	c.pumpWS(st, local)
}

// pumpWS shuttles messages between the tunnel stream and the local
// WebSocket until either side goes away. The stream carries messages as
// length-prefixed records to preserve their boundaries.
func (c *Client) pumpWS(st *session.Stream, local *websocket.Conn) {
	defer func() { _ = local.Close() }()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for {
			mt, payload, err := wire.ReadWSMessage(st)
			if err != nil {
				var ce *session.CloseError
				if !errors.Is(err, io.EOF) && !errors.As(err, &ce) {
					c.log.Debug("websocket stream read failed", "err", err)
				}
				_ = local.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := local.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}()

	for {
		mt, data, err := local.ReadMessage()
		if err != nil {
			st.Abort(wire.ReasonCancelled, "local websocket closed")
			break
		}
		rec, err := wire.AppendWSMessage(nil, mt, data)
		if err != nil {
			st.Abort(wire.ReasonProtocolViolation, "oversized websocket message")
			break
		}
		if err := st.Write(context.Background(), rec); err != nil {
			break
		}
	}
	<-streamDone
}
