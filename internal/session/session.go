// Package session owns one end of a tunnel connection: stream
// multiplexing, inbound frame routing, heartbeat tracking, and usage
// counters. The server opens streams toward the client; the client adopts
// them via AcceptStream. The network read loop lives outside; frames are
// pushed in through Deliver.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrownet/burrow/internal/wire"
)

// violationLimit is how many protocol violations (bad seq, unknown stream
// ids, malformed control payloads) a connection may accumulate before the
// whole session is torn down.
const violationLimit = 8

// Released stream ids are remembered for a while so frames already in
// flight when one side dropped the stream are discarded instead of counted
// as violations. Both bounds exist only to keep the set small.
const (
	tombstoneAge = time.Minute
	tombstoneCap = 1024
)

var (
	ErrSessionClosed   = errors.New("session: closed")
	ErrTooManyStreams  = errors.New("session: concurrent stream limit reached")
	ErrSessionViolated = errors.New("session: protocol violation limit exceeded")
)

// FrameWriter is the connection surface a session writes to. *wire.Conn
// implements it; tests substitute a recorder.
type FrameWriter interface {
	WriteFrame(wire.Frame) error
	WriteMeta(frameType uint8, streamID uint32, v any) error
	WriteClose(streamID uint32, reason, detail string) error
	WriteHeartbeat() error
	Close() error
}

// Config carries the identity the handshake established for a connection.
type Config struct {
	ID         string // session id, minted at accept
	Hostname   string // claimed public hostname
	UserID     string
	Plan       string
	BasicUser  string // non-empty when the tunnel demands basic auth
	BasicHash  string // bcrypt hash of the basic-auth password
	MaxStreams int    // concurrent stream cap from the plan quota
	Logger     *slog.Logger

	// IdleTimeout fails a stream with ReasonTimeout when its inbound
	// direction sees no Data or EndStream for this long. Zero disables.
	IdleTimeout time.Duration

	// EchoHeartbeat answers inbound Heartbeat frames; set on the side
	// that does not initiate them (the server).
	EchoHeartbeat bool

	// AcceptStream, when set, adopts peer-opened streams (request meta on
	// an unknown stream id) and handles each in its own goroutine. The
	// relay client sets it; on the server an unknown id is a violation.
	AcceptStream func(st *Stream, meta *wire.StreamMeta)
}

// Session is the server-side owner of one authenticated tunnel connection.
type Session struct {
	ID        string
	Hostname  string
	UserID    string
	Plan      string
	BasicUser string
	BasicHash string

	StartedAt time.Time

	conn          FrameWriter
	log           *slog.Logger
	maxStreams    int
	idleTimeout   time.Duration
	echoHeartbeat bool
	acceptStream  func(st *Stream, meta *wire.StreamMeta)

	mu         sync.Mutex
	streams    map[uint32]*Stream
	tombstones map[uint32]time.Time
	closed     bool

	nextStreamID     atomic.Uint32
	lastSeenUnixNano atomic.Int64
	violations       atomic.Int32
	relayedBytes     atomic.Int64
}

// New wraps an authenticated connection. The caller runs the read loop and
// feeds every inbound frame to Deliver.
func New(conn FrameWriter, cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		ID:            cfg.ID,
		Hostname:      cfg.Hostname,
		UserID:        cfg.UserID,
		Plan:          cfg.Plan,
		BasicUser:     cfg.BasicUser,
		BasicHash:     cfg.BasicHash,
		StartedAt:     time.Now(),
		conn:          conn,
		log:           log,
		maxStreams:    cfg.MaxStreams,
		idleTimeout:   cfg.IdleTimeout,
		echoHeartbeat: cfg.EchoHeartbeat,
		acceptStream:  cfg.AcceptStream,
		streams:       make(map[uint32]*Stream),
		tombstones:    make(map[uint32]time.Time),
	}
	s.Touch(time.Now())
	return s
}

// OpenStream allocates the next stream id, registers the stream, and sends
// the request meta to the client. Stream ids are monotonic and never reused
// within a session.
func (s *Session) OpenStream(meta *wire.StreamMeta) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.maxStreams > 0 && len(s.streams) >= s.maxStreams {
		s.mu.Unlock()
		return nil, ErrTooManyStreams
	}
	id := s.nextStreamID.Add(1)
	st := newStream(s, id)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.conn.WriteMeta(wire.TypeOpenStream, id, meta); err != nil {
		s.dropStream(id)
		st.fail(fmt.Errorf("session: open stream: %w", err))
		return nil, err
	}
	return st, nil
}

// adoptStream registers a peer-opened stream and hands it to the
// AcceptStream callback. Over the concurrency cap the stream is refused on
// the wire but nothing local is torn down.
func (s *Session) adoptStream(id uint32, meta *wire.StreamMeta) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.conn.WriteClose(id, wire.ReasonSessionGone, "session closed")
		return nil
	}
	if s.maxStreams > 0 && len(s.streams) >= s.maxStreams {
		// The peer keeps sending body frames until it sees the close;
		// tombstone the id so those are discarded quietly.
		s.tombstoneLocked(id)
		s.mu.Unlock()
		_ = s.conn.WriteClose(id, wire.ReasonQuotaExceeded, "concurrent stream limit reached")
		return nil
	}
	st := newStream(s, id)
	s.streams[id] = st
	s.mu.Unlock()

	go s.acceptStream(st, meta)
	return nil
}

// Deliver routes one inbound frame. It returns a non-nil error only when
// the session must be torn down (violation threshold crossed or the
// connection is unusable); individual stream errors are absorbed.
func (s *Session) Deliver(f wire.Frame) error {
	s.Touch(time.Now())

	switch f.Type {
	case wire.TypeHeartbeat:
		if !s.echoHeartbeat {
			// We initiated it; the echo itself is the liveness signal.
			return nil
		}
		if err := s.conn.WriteHeartbeat(); err != nil {
			return fmt.Errorf("session: heartbeat echo: %w", err)
		}
		return nil

	case wire.TypeOpenStream:
		var meta wire.StreamMeta
		if err := wire.UnmarshalMeta(f.Payload, &meta); err != nil {
			if st, ok := s.stream(f.StreamID); ok {
				s.failStream(st, wire.ReasonProtocolViolation, "malformed stream meta")
			}
			return s.violation("malformed stream meta", f.StreamID)
		}
		st, ok := s.stream(f.StreamID)
		if !ok {
			if s.tombstoned(f.StreamID) {
				return nil
			}
			if s.acceptStream != nil && meta.Kind == wire.KindRequest {
				return s.adoptStream(f.StreamID, &meta)
			}
			return s.violation("meta for unknown stream", f.StreamID)
		}
		if meta.Kind != wire.KindResponse || !st.setResponse(&meta) {
			s.failStream(st, wire.ReasonProtocolViolation, "unexpected stream meta")
			return s.violation("unexpected stream meta", f.StreamID)
		}
		return nil

	case wire.TypeData:
		st, ok := s.stream(f.StreamID)
		if !ok {
			if s.tombstoned(f.StreamID) {
				return nil
			}
			return s.violation("data for unknown stream", f.StreamID)
		}
		s.relayedBytes.Add(int64(len(f.Payload)))
		if err := st.push(f.Seq, f.Payload); err != nil {
			s.failStream(st, wire.ReasonProtocolViolation, err.Error())
			return s.violation(err.Error(), f.StreamID)
		}
		return nil

	case wire.TypeEndStream:
		st, ok := s.stream(f.StreamID)
		if !ok {
			if s.tombstoned(f.StreamID) {
				return nil
			}
			return s.violation("end for unknown stream", f.StreamID)
		}
		if err := st.end(f.Seq); err != nil {
			s.failStream(st, wire.ReasonProtocolViolation, err.Error())
			return s.violation(err.Error(), f.StreamID)
		}
		return nil

	case wire.TypeCloseStream:
		st, ok := s.stream(f.StreamID)
		if !ok {
			// Closing an already-released stream is a benign race, not abuse.
			return nil
		}
		var info wire.CloseInfo
		if err := wire.UnmarshalMeta(f.Payload, &info); err != nil {
			info = wire.CloseInfo{Reason: wire.ReasonInternal}
		}
		s.dropStream(st.ID)
		st.fail(&CloseError{Reason: info.Reason, Detail: info.Detail})
		return nil

	case wire.TypeFlowUpdate:
		st, ok := s.stream(f.StreamID)
		if !ok {
			// Credit for a released stream is an ordinary race: the peer
			// grants as it drains, possibly after we dropped the stream.
			return nil
		}
		credit, err := wire.DecodeCredit(f.Payload)
		if err != nil {
			return s.violation("malformed flow update", f.StreamID)
		}
		st.sendWin.Grant(int(credit))
		return nil

	default:
		return s.violation("unknown frame type", f.StreamID)
	}
}

// Close tears the session down: every open stream fails with the given
// reason, the client is notified per stream, and the connection is closed.
// Safe to call repeatedly.
func (s *Session) Close(reason, detail string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
		s.tombstoneLocked(st.ID)
	}
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()

	for _, st := range streams {
		_ = s.conn.WriteClose(st.ID, reason, detail)
		st.fail(&CloseError{Reason: reason, Detail: detail})
	}
	_ = s.conn.Close()
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Touch stamps the connection as alive.
func (s *Session) Touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

// LastSeen returns the time of the most recent inbound frame.
func (s *Session) LastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

// StreamCount returns the number of currently registered streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// AddRelayedBytes folds outbound traffic into the usage counter.
func (s *Session) AddRelayedBytes(n int64) {
	s.relayedBytes.Add(n)
}

// TakeUsage returns the bytes relayed since the previous call and resets
// the counter. The janitor drains this into the account store periodically.
func (s *Session) TakeUsage() int64 {
	return s.relayedBytes.Swap(0)
}

func (s *Session) stream(id uint32) (*Stream, bool) {
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	return st, ok
}

func (s *Session) dropStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.tombstoneLocked(id)
	s.mu.Unlock()
}

func (s *Session) tombstoneLocked(id uint32) {
	now := time.Now()
	if len(s.tombstones) >= tombstoneCap {
		for tid, t := range s.tombstones {
			if now.Sub(t) > tombstoneAge {
				delete(s.tombstones, tid)
			}
		}
	}
	s.tombstones[id] = now
}

func (s *Session) tombstoned(id uint32) bool {
	s.mu.Lock()
	t, ok := s.tombstones[id]
	s.mu.Unlock()
	return ok && time.Since(t) <= tombstoneAge
}

// failStream aborts one stream both locally and on the wire without
// affecting its siblings.
func (s *Session) failStream(st *Stream, reason, detail string) {
	s.dropStream(st.ID)
	_ = s.conn.WriteClose(st.ID, reason, detail)
	st.fail(&CloseError{Reason: reason, Detail: detail})
}

func (s *Session) violation(what string, streamID uint32) error {
	n := s.violations.Add(1)
	s.log.Warn("tunnel protocol violation",
		"session_id", s.ID, "stream_id", streamID, "what", what, "count", n)
	if int(n) >= violationLimit {
		return ErrSessionViolated
	}
	return nil
}

// CloseError is the failure a stream consumer observes when the peer (or
// the session teardown) aborted the stream.
type CloseError struct {
	Reason string
	Detail string
}

func (e *CloseError) Error() string {
	if e.Detail == "" {
		return "stream closed: " + e.Reason
	}
	return fmt.Sprintf("stream closed: %s (%s)", e.Reason, e.Detail)
}
