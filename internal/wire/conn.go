package wire

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by writes after Close.
var ErrConnClosed = errors.New("wire: connection closed")

const defaultWriteTimeout = 15 * time.Second

// Conn wraps a WebSocket connection with frame encoding and serialized
// writes. Reads must come from a single goroutine; writes may come from
// many (one per stream plus control traffic).
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool
}

// NewConn adopts an established WebSocket connection.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// ReadFrame blocks for the next frame. Non-binary messages are skipped;
// the WebSocket layer handles its own ping/pong control frames.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return Decode(data)
	}
}

// SetReadDeadline bounds the next ReadFrame.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// WriteFrame encodes and sends one frame.
func (c *Conn) WriteFrame(f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		c.closed = true
		_ = c.ws.Close()
		return err
	}
	return nil
}

// WriteMeta sends a control frame whose payload is the JSON encoding of v.
func (c *Conn) WriteMeta(frameType uint8, streamID uint32, v any) error {
	payload, err := MarshalMeta(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(Frame{Type: frameType, StreamID: streamID, Payload: payload})
}

// WriteClose sends a CloseStream frame for the given stream.
func (c *Conn) WriteClose(streamID uint32, reason, detail string) error {
	return c.WriteMeta(TypeCloseStream, streamID, CloseInfo{Reason: reason, Detail: detail})
}

// WriteHeartbeat sends a connection-level keepalive frame.
func (c *Conn) WriteHeartbeat() error {
	return c.WriteFrame(Frame{Type: TypeHeartbeat, StreamID: ControlStream})
}

// Close tears down the underlying connection. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
	return c.ws.Close()
}
