package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/burrownet/burrow/internal/wire"
)

// grantThreshold batches receive-side credit so tiny consumer reads do not
// turn into a FlowUpdate frame each.
const grantThreshold = wire.DefaultWindow / 4

// Stream is one forwarded exchange multiplexed over a session. The opener
// writes the request body with Write/End, waits for the response meta, and
// reads the response body via Read. Streams are safe for one writer and
// one reader goroutine plus the session's Deliver.
type Stream struct {
	ID   uint32
	sess *Session

	sendWin *wire.Window

	sendMu    sync.Mutex
	sendSeq   uint32
	sendEnded bool

	respCh chan *wire.StreamMeta

	recvMu       sync.Mutex
	recvChanged  chan struct{}
	recvBufs     [][]byte
	recvSeq      uint32
	recvEnded    bool
	recvErr      error
	recvBudget   int
	pendingGrant int
	lastRecv     time.Time

	idleTTL time.Duration
	idle    *time.Timer

	doneOnce sync.Once
	done     chan struct{}
}

func newStream(s *Session, id uint32) *Stream {
	st := &Stream{
		ID:          id,
		sess:        s,
		sendWin:     wire.NewWindow(wire.DefaultWindow),
		respCh:      make(chan *wire.StreamMeta, 1),
		recvChanged: make(chan struct{}),
		recvBudget:  wire.DefaultWindow,
		lastRecv:    time.Now(),
		idleTTL:     s.idleTimeout,
		done:        make(chan struct{}),
	}
	if st.idleTTL > 0 {
		st.idle = time.AfterFunc(st.idleTTL, st.idleExpire)
	}
	return st
}

// idleExpire fails a stream whose inbound direction went quiet for the
// whole idle window. Activity re-arms the timer instead.
func (st *Stream) idleExpire() {
	st.recvMu.Lock()
	if st.recvEnded || st.recvErr != nil {
		st.recvMu.Unlock()
		return
	}
	if remain := st.idleTTL - time.Since(st.lastRecv); remain > 0 {
		st.idle.Reset(remain)
		st.recvMu.Unlock()
		return
	}
	st.recvMu.Unlock()

	st.sess.dropStream(st.ID)
	_ = st.sess.conn.WriteClose(st.ID, wire.ReasonTimeout, "stream idle timeout")
	st.fail(&CloseError{Reason: wire.ReasonTimeout, Detail: "no stream activity"})
}

// Write streams p toward the client as Data frames, blocking on flow
// credit. Frames never exceed wire.MaxPayload so concurrent streams
// interleave on the shared connection.
func (st *Stream) Write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		max := len(p)
		if max > wire.MaxPayload {
			max = wire.MaxPayload
		}
		n, err := st.sendWin.Reserve(ctx, max)
		if err != nil {
			return err
		}

		st.sendMu.Lock()
		if st.sendEnded {
			st.sendMu.Unlock()
			return fmt.Errorf("session: write after end on stream %d", st.ID)
		}
		seq := st.sendSeq
		st.sendSeq++
		werr := st.sess.conn.WriteFrame(wire.Frame{
			Type:     wire.TypeData,
			StreamID: st.ID,
			Seq:      seq,
			Payload:  p[:n],
		})
		st.sendMu.Unlock()
		if werr != nil {
			return werr
		}
		st.sess.AddRelayedBytes(int64(n))
		p = p[n:]
	}
	return nil
}

// End half-closes the send direction. The frame carries the next unsent
// seq so the receiver can detect a truncated body.
func (st *Stream) End() error {
	st.sendMu.Lock()
	if st.sendEnded {
		st.sendMu.Unlock()
		return nil
	}
	st.sendEnded = true
	seq := st.sendSeq
	st.sendMu.Unlock()
	return st.sess.conn.WriteFrame(wire.Frame{
		Type:     wire.TypeEndStream,
		StreamID: st.ID,
		Seq:      seq,
	})
}

// Abort cancels the stream with a reason, notifying the client and failing
// any blocked reader or writer. The session keeps serving its siblings.
func (st *Stream) Abort(reason, detail string) {
	st.sess.dropStream(st.ID)
	_ = st.sess.conn.WriteClose(st.ID, reason, detail)
	st.fail(&CloseError{Reason: reason, Detail: detail})
}

// Release unregisters the stream. When the peer could still be sending on
// it (inbound not ended, no close seen) a CloseStream(cancelled) tells it
// to stop; a fully drained stream is dropped without wire traffic either
// way, since late frames for released ids are discarded, not penalized.
func (st *Stream) Release() {
	st.recvMu.Lock()
	finished := st.recvEnded || st.recvErr != nil
	st.recvMu.Unlock()

	st.sess.dropStream(st.ID)
	if !finished {
		_ = st.sess.conn.WriteClose(st.ID, wire.ReasonCancelled, "stream released")
	}
	st.fail(io.EOF)
}

// Respond sends the response meta back on an adopted stream. Only the
// AcceptStream side calls it, exactly once, before writing the body.
func (st *Stream) Respond(meta *wire.StreamMeta) error {
	return st.sess.conn.WriteMeta(wire.TypeOpenStream, st.ID, meta)
}

// ResponseMeta blocks until the client answers with response meta, the
// stream fails, or ctx expires.
func (st *Stream) ResponseMeta(ctx context.Context) (*wire.StreamMeta, error) {
	select {
	case meta := <-st.respCh:
		return meta, nil
	case <-st.done:
		return nil, st.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read drains the ordered inbound body. It implements io.Reader: EOF after
// EndStream once the queue is empty, or the stream failure. Consumed bytes
// are granted back to the client in batches.
func (st *Stream) Read(p []byte) (int, error) {
	st.recvMu.Lock()
	for len(st.recvBufs) == 0 {
		// A completed half-close wins over a later failure: the body
		// arrived whole, whatever happened to the stream afterwards.
		if st.recvEnded {
			st.recvMu.Unlock()
			return 0, io.EOF
		}
		if st.recvErr != nil {
			err := st.recvErr
			st.recvMu.Unlock()
			return 0, err
		}
		ch := st.recvChanged
		st.recvMu.Unlock()
		<-ch
		st.recvMu.Lock()
	}

	n := copy(p, st.recvBufs[0])
	if n == len(st.recvBufs[0]) {
		st.recvBufs = st.recvBufs[1:]
	} else {
		st.recvBufs[0] = st.recvBufs[0][n:]
	}

	st.pendingGrant += n
	grant := 0
	if st.pendingGrant >= grantThreshold && !st.recvEnded && st.recvErr == nil {
		grant = st.pendingGrant
		st.pendingGrant = 0
		st.recvBudget += grant
	}
	st.recvMu.Unlock()

	if grant > 0 {
		_ = st.sess.conn.WriteFrame(wire.Frame{
			Type:     wire.TypeFlowUpdate,
			StreamID: st.ID,
			Payload:  wire.EncodeCredit(uint32(grant)),
		})
	}
	return n, nil
}

// setResponse hands the response meta to the waiting opener. False when a
// response was already delivered.
func (st *Stream) setResponse(meta *wire.StreamMeta) bool {
	select {
	case st.respCh <- meta:
		return true
	default:
		return false
	}
}

// push appends one inbound Data payload, enforcing per-direction sequence
// order and the receive window.
func (st *Stream) push(seq uint32, payload []byte) error {
	st.recvMu.Lock()
	defer st.recvMu.Unlock()

	if st.recvErr != nil {
		return nil // already failed, frame is moot
	}
	if st.recvEnded {
		return fmt.Errorf("data after end on stream %d", st.ID)
	}
	if seq != st.recvSeq {
		return fmt.Errorf("out-of-order data on stream %d: got seq %d, want %d", st.ID, seq, st.recvSeq)
	}
	if len(payload) > st.recvBudget {
		return fmt.Errorf("flow window overrun on stream %d", st.ID)
	}
	st.recvSeq++
	st.recvBudget -= len(payload)
	st.lastRecv = time.Now()

	// Payload aliases the read buffer; copy before the next ReadFrame.
	buf := make([]byte, len(payload))
	copy(buf, payload)
	st.recvBufs = append(st.recvBufs, buf)
	st.broadcastLocked()
	return nil
}

// end records the half-close. seq must equal the next expected data seq;
// anything else means frames were lost or reordered.
func (st *Stream) end(seq uint32) error {
	st.recvMu.Lock()
	defer st.recvMu.Unlock()

	if st.recvErr != nil {
		return nil
	}
	if st.recvEnded {
		return fmt.Errorf("duplicate end on stream %d", st.ID)
	}
	if seq != st.recvSeq {
		return fmt.Errorf("truncated body on stream %d: end seq %d, want %d", st.ID, seq, st.recvSeq)
	}
	st.recvEnded = true
	if st.idle != nil {
		st.idle.Stop()
	}
	st.broadcastLocked()
	return nil
}

// fail poisons both directions and wakes every waiter. First error wins.
func (st *Stream) fail(err error) {
	st.recvMu.Lock()
	if st.recvErr == nil {
		st.recvErr = err
	}
	if st.idle != nil {
		st.idle.Stop()
	}
	st.broadcastLocked()
	st.recvMu.Unlock()

	st.sendWin.Fail(err)
	st.doneOnce.Do(func() { close(st.done) })
}

func (st *Stream) failure() error {
	st.recvMu.Lock()
	defer st.recvMu.Unlock()
	if st.recvErr != nil {
		return st.recvErr
	}
	return io.EOF
}

func (st *Stream) broadcastLocked() {
	close(st.recvChanged)
	st.recvChanged = make(chan struct{})
}
