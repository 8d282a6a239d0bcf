// Package config parses CLI flags with BURROW_* environment fallbacks.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ClientConfig struct {
	ServerURL string
	Token     string

	// Exactly one local target: port, full URL, or static directory.
	LocalPort int
	LocalURL  string
	StaticDir string

	Hostname  string // requested subdomain label; empty = server assigns
	Reserved  bool
	BasicUser string
	BasicPass string

	Insecure          bool // ws:// instead of wss://
	HeartbeatInterval time.Duration
	LogLevel          string
}

type ServerConfig struct {
	ListenPublic   string
	ListenInternal string
	// InternalAdvertiseAddr is the host:port peers dial to reach this
	// node's internal listener; must be routable inside the cluster.
	InternalAdvertiseAddr string

	BaseDomain    string
	DBPath        string
	NodeID        string
	SigningSecret string
	ClusterSecret string
	LogLevel      string

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration

	// StreamIdleTimeout closes a stream whose body went quiet, so a
	// stalled tunnel client cannot pin public requests forever.
	StreamIdleTimeout time.Duration

	JanitorInterval    time.Duration
	CleanupInterval    time.Duration
	UsageFlushInterval time.Duration

	// TunnelRatePerMin caps tunnel handshakes per user per minute.
	TunnelRatePerMin float64
}

const (
	defaultPublicListen      = ":8080"
	defaultInternalListen    = ":8081"
	defaultDBPath            = "./burrow.db"
	defaultHeartbeatInterval = 15 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultStreamIdle        = time.Minute
	defaultJanitorInterval   = 5 * time.Second
	defaultCleanupInterval   = time.Minute
	defaultUsageFlush        = 30 * time.Second
	defaultTunnelRatePerMin  = 5.0
	defaultClientHeartbeat   = 15 * time.Second
)

// LoadEnvFile pulls a .env file into the process environment when present.
// Real environment variables win over file values.
func LoadEnvFile() {
	_ = godotenv.Load()
}

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenPublic:          envOrDefault("BURROW_LISTEN_PUBLIC", defaultPublicListen),
		ListenInternal:        envOrDefault("BURROW_LISTEN_INTERNAL", defaultInternalListen),
		InternalAdvertiseAddr: envOrDefault("BURROW_INTERNAL_ADDR", ""),
		BaseDomain:            envOrDefault("BURROW_DOMAIN", ""),
		DBPath:                envOrDefault("BURROW_DB_PATH", defaultDBPath),
		NodeID:                envOrDefault("BURROW_NODE_ID", ""),
		SigningSecret:         envOrDefault("BURROW_SIGNING_SECRET", ""),
		ClusterSecret:         envOrDefault("BURROW_CLUSTER_SECRET", ""),
		LogLevel:              envOrDefault("BURROW_LOG_LEVEL", "info"),
		HeartbeatInterval:     envDurationOrDefault("BURROW_HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		RequestTimeout:        envDurationOrDefault("BURROW_REQUEST_TIMEOUT", defaultRequestTimeout),
		StreamIdleTimeout:     envDurationOrDefault("BURROW_STREAM_IDLE_TIMEOUT", defaultStreamIdle),
		JanitorInterval:       defaultJanitorInterval,
		CleanupInterval:       defaultCleanupInterval,
		UsageFlushInterval:    defaultUsageFlush,
		TunnelRatePerMin:      defaultTunnelRatePerMin,
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenPublic, "listen", cfg.ListenPublic, "Public listen address")
	fs.StringVar(&cfg.ListenInternal, "internal-listen", cfg.ListenInternal, "Internal (node-to-node) listen address")
	fs.StringVar(&cfg.InternalAdvertiseAddr, "internal-addr", cfg.InternalAdvertiseAddr, "Internal address advertised to peer nodes (host:port)")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. tunnel.example.com")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (shared across nodes)")
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Stable node identifier (default: random)")
	fs.StringVar(&cfg.SigningSecret, "signing-secret", cfg.SigningSecret, "HS256 secret verifying account tokens")
	fs.StringVar(&cfg.ClusterSecret, "cluster-secret", cfg.ClusterSecret, "Shared secret authenticating node-to-node relays")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Expected client heartbeat interval")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Upstream response header timeout")
	fs.DurationVar(&cfg.StreamIdleTimeout, "stream-idle-timeout", cfg.StreamIdleTimeout, "Close streams with no body activity for this long")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or BURROW_DOMAIN")
	}
	if cfg.SigningSecret == "" {
		return cfg, errors.New("missing --signing-secret or BURROW_SIGNING_SECRET")
	}
	if cfg.ClusterSecret == "" {
		return cfg, errors.New("missing --cluster-secret or BURROW_CLUSTER_SECRET")
	}
	if cfg.HeartbeatInterval <= 0 {
		return cfg, errors.New("heartbeat interval must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.StreamIdleTimeout <= 0 {
		return cfg, errors.New("stream idle timeout must be > 0")
	}
	if cfg.InternalAdvertiseAddr == "" {
		cfg.InternalAdvertiseAddr = advertiseFromListen(cfg.ListenInternal)
	}

	return cfg, nil
}

func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:         envOrDefault("BURROW_SERVER", ""),
		Token:             envOrDefault("BURROW_TOKEN", ""),
		LocalPort:         envIntOrDefault("BURROW_PORT", 0),
		Hostname:          envOrDefault("BURROW_SUBDOMAIN", ""),
		LogLevel:          envOrDefault("BURROW_LOG_LEVEL", "info"),
		HeartbeatInterval: defaultClientHeartbeat,
	}

	fs := flag.NewFlagSet("http", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server base URL (e.g. https://tunnel.example.com)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Account token")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local upstream port on 127.0.0.1")
	fs.StringVar(&cfg.LocalURL, "url", cfg.LocalURL, "Local upstream base URL (alternative to --port)")
	fs.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "Serve a static directory instead of a local upstream")
	fs.StringVar(&cfg.Hostname, "subdomain", cfg.Hostname, "Requested subdomain label")
	fs.BoolVar(&cfg.Reserved, "reserved", false, "Reserve the subdomain for this account")
	fs.StringVar(&cfg.BasicUser, "basic-user", "", "Require basic auth on the public URL: username")
	fs.StringVar(&cfg.BasicPass, "basic-pass", "", "Require basic auth on the public URL: password")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "Use ws:// (plain) toward the server")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ServerURL == "" {
		return cfg, errors.New("missing --server or BURROW_SERVER")
	}
	if cfg.Token == "" {
		return cfg, errors.New("missing --token or BURROW_TOKEN")
	}
	targets := 0
	if cfg.LocalPort != 0 {
		if cfg.LocalPort < 0 || cfg.LocalPort > 65535 {
			return cfg, errors.New("local port must be between 1 and 65535")
		}
		targets++
	}
	if cfg.LocalURL != "" {
		targets++
	}
	if cfg.StaticDir != "" {
		targets++
	}
	if targets != 1 {
		return cfg, errors.New("exactly one of --port, --url, --static is required")
	}
	if (cfg.BasicUser == "") != (cfg.BasicPass == "") {
		return cfg, errors.New("basic auth requires both --basic-user and --basic-pass")
	}
	cfg.Hostname = strings.ToLower(strings.TrimSpace(cfg.Hostname))
	if cfg.Reserved && cfg.Hostname == "" {
		return cfg, errors.New("--reserved requires --subdomain")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if idx := strings.Index(v, ":"); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSuffix(v, ".")
}

// advertiseFromListen derives a loopback advertise address from a bare
// listen port, for single-host development clusters.
func advertiseFromListen(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}
