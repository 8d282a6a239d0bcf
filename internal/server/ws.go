package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/metrics"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/wire"
)

// dispatchWS relays a public WebSocket upgrade over the tunnel. The public
// side is upgraded only after the client confirms the local upstream
// completed its own handshake, so upstream refusals surface as plain HTTP
// errors.
func (s *Server) dispatchWS(w http.ResponseWriter, r *http.Request, t *tunnel, host string) int {
	hdr := http.Header(outboundHeader(r, host))
	stripWSHandshakeHeaders(hdr)
	meta := &wire.StreamMeta{
		Kind:      wire.KindRequest,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Header:    hdr,
		WebSocket: true,
	}

	st, err := t.sess.OpenStream(meta)
	if err != nil {
		return writeStreamOpenError(w, err)
	}
	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()
	defer st.Release()

	metaCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	resp, err := st.ResponseMeta(metaCtx)
	cancel()
	if err != nil {
		abortUnlessClosed(st, err, "no upstream response in time")
		metrics.StreamsTotal.WithLabelValues("websocket", reasonOf(err)).Inc()
		return writeStreamError(w, err)
	}
	if resp.Status != http.StatusSwitchingProtocols {
		st.Abort(wire.ReasonUpstreamUnreachable, "upstream refused websocket upgrade")
		metrics.StreamsTotal.WithLabelValues("websocket", "refused").Inc()
		status := resp.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		http.Error(w, "upstream refused websocket upgrade", status)
		return status
	}

	var respHeader http.Header
	if proto := http.Header(resp.Header).Get("Sec-Websocket-Protocol"); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	pub, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		st.Abort(wire.ReasonCancelled, "public upgrade failed")
		metrics.StreamsTotal.WithLabelValues("websocket", "upgrade_failed").Inc()
		return http.StatusBadRequest
	}

	s.pumpWS(r.Context(), pub, st)
	metrics.StreamsTotal.WithLabelValues("websocket", "ok").Inc()
	return http.StatusSwitchingProtocols
}

// pumpWS shuttles messages between one WebSocket connection and one tunnel
// stream until either side goes away. Messages ride the stream's ordered
// bytes as length-prefixed records.
func (s *Server) pumpWS(ctx context.Context, ws *websocket.Conn, st *session.Stream) {
	defer func() { _ = ws.Close() }()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for {
			mt, payload, err := wire.ReadWSMessage(st)
			if err != nil {
				var ce *session.CloseError
				if !errors.Is(err, io.EOF) && !errors.As(err, &ce) {
					s.log.Debug("websocket stream read failed", "err", err)
				}
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := ws.WriteMessage(mt, payload); err != nil {
				return
			}
			metrics.RelayedBytes.WithLabelValues("out").Add(float64(len(payload)))
		}
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			st.Abort(wire.ReasonCancelled, "websocket peer closed")
			break
		}
		rec, err := wire.AppendWSMessage(nil, mt, data)
		if err != nil {
			st.Abort(wire.ReasonProtocolViolation, "oversized websocket message")
			break
		}
		if err := st.Write(ctx, rec); err != nil {
			break
		}
		metrics.RelayedBytes.WithLabelValues("in").Add(float64(len(data)))
	}
	<-streamDone
}
