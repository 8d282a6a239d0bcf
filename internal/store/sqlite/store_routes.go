package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/burrownet/burrow/internal/registry"
)

// Claim atomically creates or takes over the route entry. The upsert only
// fires when the existing lease has expired or the claimer is the same
// session, so concurrent claims from different nodes resolve to exactly one
// winner inside the database.
func (s *Store) Claim(ctx context.Context, e registry.Entry, ttl time.Duration) error {
	owner, err := s.ReservedOwner(ctx, e.Hostname)
	if err != nil {
		return err
	}
	if owner != "" && owner != e.UserID {
		return registry.ErrHostnameReserved
	}

	now := time.Now()
	const q = `INSERT INTO routes (hostname, node_id, session_id, internal_addr, user_id, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			node_id = excluded.node_id,
			session_id = excluded.session_id,
			internal_addr = excluded.internal_addr,
			user_id = excluded.user_id,
			lease_expires_at = excluded.lease_expires_at
		WHERE routes.lease_expires_at <= ? OR routes.session_id = excluded.session_id`
	res, err := s.db.ExecContext(ctx, q,
		e.Hostname, e.NodeID, e.SessionID, e.InternalAddr, e.UserID,
		unixMillis(now.Add(ttl)), unixMillis(now))
	if err != nil {
		return fmt.Errorf("claim route: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim route: %w", err)
	}
	if n == 0 {
		return registry.ErrRouteConflict
	}
	return nil
}

// Renew extends the lease only while the caller still owns a live entry.
func (s *Store) Renew(ctx context.Context, hostname, sessionID string, ttl time.Duration) error {
	now := time.Now()
	const q = `UPDATE routes SET lease_expires_at = ?
		WHERE hostname = ? AND session_id = ? AND lease_expires_at > ?`
	res, err := s.db.ExecContext(ctx, q, unixMillis(now.Add(ttl)), hostname, sessionID, unixMillis(now))
	if err != nil {
		return fmt.Errorf("renew route: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew route: %w", err)
	}
	if n == 0 {
		return registry.ErrLeaseLost
	}
	return nil
}

// Resolve returns the live entry for hostname.
func (s *Store) Resolve(ctx context.Context, hostname string) (registry.Entry, error) {
	const q = `SELECT hostname, node_id, session_id, internal_addr, user_id, lease_expires_at
		FROM routes WHERE hostname = ? AND lease_expires_at > ?`
	row := s.db.QueryRowContext(ctx, q, hostname, unixMillis(time.Now()))
	var e registry.Entry
	var leaseMillis int64
	err := row.Scan(&e.Hostname, &e.NodeID, &e.SessionID, &e.InternalAddr, &e.UserID, &leaseMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Entry{}, registry.ErrRouteNotFound
	}
	if err != nil {
		return registry.Entry{}, fmt.Errorf("resolve route: %w", err)
	}
	e.LeaseExpires = time.UnixMilli(leaseMillis)
	return e, nil
}

// Release removes the entry on graceful shutdown, only if still owned.
func (s *Store) Release(ctx context.Context, hostname, sessionID string) error {
	const q = `DELETE FROM routes WHERE hostname = ? AND session_id = ?`
	if _, err := s.db.ExecContext(ctx, q, hostname, sessionID); err != nil {
		return fmt.Errorf("release route: %w", err)
	}
	return nil
}

// LiveByUser counts live routes owned by a user across the cluster.
func (s *Store) LiveByUser(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(1) FROM routes WHERE user_id = ? AND lease_expires_at > ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, userID, unixMillis(time.Now())).Scan(&n); err != nil {
		return 0, fmt.Errorf("count live routes: %w", err)
	}
	return n, nil
}

// PurgeExpiredRoutes deletes rows whose lease lapsed before cutoff. Expired
// rows are already logically absent; this only reclaims storage.
func (s *Store) PurgeExpiredRoutes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE lease_expires_at <= ?`, unixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge routes: %w", err)
	}
	return res.RowsAffected()
}
