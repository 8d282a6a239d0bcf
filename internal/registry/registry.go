// Package registry defines the cluster-shared hostname routing table with
// lease semantics. Exactly one live entry may exist per hostname; entries
// whose lease expired are logically absent regardless of residual storage.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRouteConflict means the hostname is owned by a live lease held by
	// a different session. Claims are never silently retried.
	ErrRouteConflict = errors.New("hostname already in active use")

	// ErrLeaseLost means a renewal found the entry owned by someone else;
	// the caller must stop serving that hostname immediately.
	ErrLeaseLost = errors.New("route lease lost")

	// ErrRouteNotFound means no live entry exists for the hostname.
	ErrRouteNotFound = errors.New("no route for hostname")

	// ErrHostnameReserved means the hostname is reserved for another user.
	ErrHostnameReserved = errors.New("hostname reserved by another user")
)

// Entry maps a public hostname to the node and session currently serving it.
type Entry struct {
	Hostname     string
	NodeID       string
	SessionID    string
	InternalAddr string // node-to-node relay address, never exposed publicly
	UserID       string
	LeaseExpires time.Time
}

// Live reports whether the lease is still valid at the given instant.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.LeaseExpires)
}

// Store is the shared atomic key-value registry. Claims and renewals are
// compare-and-swap operations so concurrent nodes cannot both win.
type Store interface {
	// Claim creates the entry if no live one exists (expired leases are
	// claimable; the same session may re-claim its own hostname). Returns
	// ErrRouteConflict when a live lease is held by a different session and
	// ErrHostnameReserved when the hostname is reserved for another user.
	Claim(ctx context.Context, e Entry, ttl time.Duration) error

	// Renew extends the lease only while the session still owns the entry.
	Renew(ctx context.Context, hostname, sessionID string, ttl time.Duration) error

	// Resolve returns the live entry for a hostname. Hot path.
	Resolve(ctx context.Context, hostname string) (Entry, error)

	// Release removes the entry on graceful shutdown, only if still owned.
	Release(ctx context.Context, hostname, sessionID string) error

	// LiveByUser counts live entries owned by a user, for concurrent-tunnel
	// quota enforcement across the whole cluster.
	LiveByUser(ctx context.Context, userID string) (int, error)
}
