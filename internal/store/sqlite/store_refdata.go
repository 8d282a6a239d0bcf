package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDomainNotFound is returned when a custom domain has no binding.
var ErrDomainNotFound = errors.New("custom domain not configured")

// ErrUnknownPlan is returned for plan names without a quota row.
var ErrUnknownPlan = errors.New("unknown plan")

// PlanQuota holds the per-plan limits consulted at session accept and on
// the ingress request path.
type PlanQuota struct {
	Plan         string
	MaxTunnels   int
	MaxStreams   int
	RateRPS      float64
	RateBurst    int
	MonthlyBytes int64
}

// ReservedOwner returns the user a hostname is reserved for, or "".
func (s *Store) ReservedOwner(ctx context.Context, hostname string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM reserved_hostnames WHERE hostname = ?`, hostname).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reserved owner: %w", err)
	}
	return owner, nil
}

// ReserveHostname binds a hostname to a user. Idempotent for the owner;
// a reservation held by another user is left untouched and reported false.
func (s *Store) ReserveHostname(ctx context.Context, hostname, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reserved_hostnames (hostname, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(hostname) DO NOTHING`,
		hostname, userID, unixMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("reserve hostname: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	owner, err := s.ReservedOwner(ctx, hostname)
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}

// ResolveCustomDomain maps a verified custom domain onto the tunnel
// hostname it is bound to. Read-only: bindings are managed externally.
func (s *Store) ResolveCustomDomain(ctx context.Context, domain string) (string, error) {
	var hostname string
	err := s.db.QueryRowContext(ctx,
		`SELECT hostname FROM custom_domains WHERE domain = ?`, domain).Scan(&hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDomainNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve custom domain: %w", err)
	}
	return hostname, nil
}

// BindCustomDomain is a test/admin helper; production bindings come from
// the external domain-verification service writing to this table.
func (s *Store) BindCustomDomain(ctx context.Context, domain, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_domains (domain, hostname) VALUES (?, ?)
		 ON CONFLICT(domain) DO UPDATE SET hostname = excluded.hostname`,
		domain, hostname)
	if err != nil {
		return fmt.Errorf("bind custom domain: %w", err)
	}
	return nil
}

// Quota fetches the limits for a plan name.
func (s *Store) Quota(ctx context.Context, plan string) (PlanQuota, error) {
	const q = `SELECT name, max_tunnels, max_streams, rate_rps, rate_burst, monthly_bytes
		FROM plans WHERE name = ?`
	var p PlanQuota
	err := s.db.QueryRowContext(ctx, q, plan).Scan(
		&p.Plan, &p.MaxTunnels, &p.MaxStreams, &p.RateRPS, &p.RateBurst, &p.MonthlyBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanQuota{}, fmt.Errorf("%w: %s", ErrUnknownPlan, plan)
	}
	if err != nil {
		return PlanQuota{}, fmt.Errorf("plan quota: %w", err)
	}
	return p, nil
}

// AddUsage accumulates relayed bytes for a user in the current period.
func (s *Store) AddUsage(ctx context.Context, userID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (user_id, period, bytes) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, period) DO UPDATE SET bytes = usage.bytes + excluded.bytes`,
		userID, currentPeriod(), bytes)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// UsageThisPeriod returns bytes relayed for a user in the current period.
func (s *Store) UsageThisPeriod(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bytes FROM usage WHERE user_id = ? AND period = ?`,
		userID, currentPeriod()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage: %w", err)
	}
	return n, nil
}

func currentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}
