package wire

import (
	"context"
	"sync"
)

// DefaultWindow is the initial per-stream, per-direction flow window.
const DefaultWindow = 256 * 1024

// Window is a byte-credit gate for one direction of one stream. The sender
// reserves credit before emitting Data; the receiver grants more as its
// consumer drains bytes. A failed window unblocks all waiters.
type Window struct {
	mu      sync.Mutex
	avail   int
	err     error
	changed chan struct{}
}

// NewWindow creates a window with an initial credit balance.
func NewWindow(initial int) *Window {
	return &Window{avail: initial, changed: make(chan struct{})}
}

// Reserve blocks until at least one byte of credit is available, then takes
// up to max bytes and returns how many were granted.
func (w *Window) Reserve(ctx context.Context, max int) (int, error) {
	w.mu.Lock()
	for w.avail == 0 && w.err == nil {
		ch := w.changed
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
		}
		w.mu.Lock()
	}
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	n := w.avail
	if n > max {
		n = max
	}
	w.avail -= n
	return n, nil
}

// Grant returns n bytes of credit and wakes blocked senders.
func (w *Window) Grant(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.avail += n
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Fail poisons the window; all current and future Reserve calls return err.
func (w *Window) Fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
		close(w.changed)
		w.changed = make(chan struct{})
	}
	w.mu.Unlock()
}
