// Package sqlite implements the shared cluster store backing the route
// registry, hostname reservations, custom-domain bindings, plan quotas, and
// usage metering. Every node points at the same database; all registry
// mutations are single-statement compare-and-swap operations so concurrent
// claims from different nodes cannot both win.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all burrow persistence.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// Open creates or opens the database at path, runs migrations, and enables
// WAL mode for concurrent read performance on the resolve hot path.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS routes (
			hostname TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			internal_addr TEXT NOT NULL,
			user_id TEXT NOT NULL,
			lease_expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_user ON routes(user_id, lease_expires_at)`,
		`CREATE TABLE IF NOT EXISTS reserved_hostnames (
			hostname TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_domains (
			domain TEXT PRIMARY KEY,
			hostname TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			name TEXT PRIMARY KEY,
			max_tunnels INTEGER NOT NULL,
			max_streams INTEGER NOT NULL,
			rate_rps REAL NOT NULL,
			rate_burst INTEGER NOT NULL,
			monthly_bytes INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			user_id TEXT NOT NULL,
			period TEXT NOT NULL,
			bytes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, period)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return s.seedPlans(ctx)
}

// seedPlans inserts the default plan quotas if absent. Deployments may
// adjust the rows afterwards; existing rows are never overwritten.
func (s *Store) seedPlans(ctx context.Context) error {
	const q = `INSERT INTO plans (name, max_tunnels, max_streams, rate_rps, rate_burst, monthly_bytes)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(name) DO NOTHING`
	defaults := []struct {
		name         string
		maxTunnels   int
		maxStreams   int
		rateRPS      float64
		rateBurst    int
		monthlyBytes int64
	}{
		{"free", 5, 32, 10, 20, 1 << 30},
		{"hobby", 10, 64, 50, 100, 50 << 30},
		{"pro", 50, 256, 200, 400, 500 << 30},
	}
	for _, p := range defaults {
		if _, err := s.db.ExecContext(ctx, q, p.name, p.maxTunnels, p.maxStreams, p.rateRPS, p.rateBurst, p.monthlyBytes); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.name, err)
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	if strings.Contains(path, "?") {
		path = path[:strings.Index(path, "?")]
	}
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.HasPrefix(path, "file::memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
