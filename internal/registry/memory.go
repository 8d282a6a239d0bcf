package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node deployments.
// The compare-and-swap semantics match the SQLite-backed store exactly.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]Entry
	reserved map[string]string // hostname -> owning user id
	now      func() time.Time
}

// NewMemory creates an empty in-memory registry store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]Entry),
		reserved: make(map[string]string),
		now:      time.Now,
	}
}

// Reserve binds a hostname to a user so that no other user may claim it,
// even when no live lease exists.
func (m *Memory) Reserve(hostname, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.reserved[hostname]; ok && owner != userID {
		return ErrHostnameReserved
	}
	m.reserved[hostname] = userID
	return nil
}

func (m *Memory) Claim(_ context.Context, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if owner, ok := m.reserved[e.Hostname]; ok && owner != e.UserID {
		return ErrHostnameReserved
	}
	if cur, ok := m.entries[e.Hostname]; ok && cur.Live(now) && cur.SessionID != e.SessionID {
		return ErrRouteConflict
	}
	e.LeaseExpires = now.Add(ttl)
	m.entries[e.Hostname] = e
	return nil
}

func (m *Memory) Renew(_ context.Context, hostname, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur, ok := m.entries[hostname]
	if !ok || !cur.Live(now) || cur.SessionID != sessionID {
		return ErrLeaseLost
	}
	cur.LeaseExpires = now.Add(ttl)
	m.entries[hostname] = cur
	return nil
}

func (m *Memory) Resolve(_ context.Context, hostname string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[hostname]
	if !ok || !cur.Live(m.now()) {
		return Entry{}, ErrRouteNotFound
	}
	return cur, nil
}

func (m *Memory) Release(_ context.Context, hostname, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[hostname]; ok && cur.SessionID == sessionID {
		delete(m.entries, hostname)
	}
	return nil
}

func (m *Memory) LiveByUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for _, e := range m.entries {
		if e.UserID == userID && e.Live(now) {
			count++
		}
	}
	return count, nil
}
