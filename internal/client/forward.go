package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/burrownet/burrow/internal/netutil"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/wire"
)

const copyBufSize = 32 * 1024

// forwardHTTP replays one tunneled request against the local target and
// streams the response back. The stream itself is the request body reader,
// so uploads flow without buffering.
func (c *Client) forwardHTTP(st *session.Stream, meta *wire.StreamMeta) {
	defer st.Release()

	u := c.target.requestURL(meta.Path, meta.Query)
	req, err := http.NewRequestWithContext(context.Background(), meta.Method, u.String(), io.NopCloser(st))
	if err != nil {
		st.Abort(wire.ReasonInternal, "bad request meta")
		return
	}
	req.Header = http.Header(wire.CloneHeader(meta.Header))
	if cl := req.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			req.ContentLength = n
		}
	}

	resp, err := c.target.httpClient.Do(req)
	if err != nil {
		c.log.Warn("local upstream unreachable", "target", c.target.describe(), "err", err)
		st.Abort(wire.ReasonUpstreamUnreachable, "local upstream unreachable")
		return
	}
	defer resp.Body.Close()

	header := wire.CloneHeader(resp.Header)
	netutil.RemoveHopByHopHeaders(http.Header(header))
	if err := st.Respond(&wire.StreamMeta{
		Kind:   wire.KindResponse,
		Status: resp.StatusCode,
		Header: header,
	}); err != nil {
		return
	}

	if err := c.copyBody(st, resp.Body); err != nil {
		var ce *session.CloseError
		if !errors.As(err, &ce) {
			st.Abort(wire.ReasonCancelled, "response copy interrupted")
		}
		return
	}
	_ = st.End()
}

// copyBody relays resp body bytes onto the stream honoring flow credit.
func (c *Client) copyBody(st *session.Stream, body io.Reader) error {
	buf := make([]byte, copyBufSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := st.Write(context.Background(), buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
