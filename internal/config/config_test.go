package config

import (
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":                "example.com",
		"https://example.com/path":   "example.com",
		"http://EXAMPLE.com:443/abc": "example.com",
		"  sub.example.com.  ":       "sub.example.com",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseServerFlagsDefaults(t *testing.T) {
	t.Setenv("BURROW_LISTEN_PUBLIC", "")
	t.Setenv("BURROW_LISTEN_INTERNAL", "")
	t.Setenv("BURROW_INTERNAL_ADDR", "")
	t.Setenv("BURROW_HEARTBEAT_INTERVAL", "")

	cfg, err := ParseServerFlags([]string{
		"--domain", "tunnel.example.com",
		"--signing-secret", "s1",
		"--cluster-secret", "s2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenPublic != defaultPublicListen {
		t.Fatalf("ListenPublic = %q", cfg.ListenPublic)
	}
	if cfg.HeartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.InternalAdvertiseAddr != "127.0.0.1"+defaultInternalListen {
		t.Fatalf("InternalAdvertiseAddr = %q", cfg.InternalAdvertiseAddr)
	}
	if cfg.StreamIdleTimeout != defaultStreamIdle {
		t.Fatalf("StreamIdleTimeout = %v", cfg.StreamIdleTimeout)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	t.Setenv("BURROW_DOMAIN", "")
	t.Setenv("BURROW_SIGNING_SECRET", "")
	t.Setenv("BURROW_CLUSTER_SECRET", "")

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing domain", args: []string{"--signing-secret", "a", "--cluster-secret", "b"}},
		{name: "missing signing secret", args: []string{"--domain", "t.example.com", "--cluster-secret", "b"}},
		{name: "missing cluster secret", args: []string{"--domain", "t.example.com", "--signing-secret", "a"}},
		{name: "zero heartbeat", args: []string{
			"--domain", "t.example.com", "--signing-secret", "a", "--cluster-secret", "b",
			"--heartbeat-interval", "0s",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServerFlags(tt.args); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseServerFlagsEnvDuration(t *testing.T) {
	t.Setenv("BURROW_HEARTBEAT_INTERVAL", "7s")

	cfg, err := ParseServerFlags([]string{
		"--domain", "t.example.com",
		"--signing-secret", "a",
		"--cluster-secret", "b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HeartbeatInterval != 7*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 7s", cfg.HeartbeatInterval)
	}
}

func TestParseClientFlagsTargets(t *testing.T) {
	t.Setenv("BURROW_SERVER", "")
	t.Setenv("BURROW_TOKEN", "")
	t.Setenv("BURROW_PORT", "")
	t.Setenv("BURROW_SUBDOMAIN", "")

	base := []string{"--server", "https://t.example.com", "--token", "tok"}

	if _, err := ParseClientFlags(base); err == nil {
		t.Fatal("expected error with no local target")
	}
	if _, err := ParseClientFlags(append(base, "--port", "3000", "--static", "./www")); err == nil {
		t.Fatal("expected error with two local targets")
	}

	cfg, err := ParseClientFlags(append(base, "--port", "3000"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LocalPort != 3000 {
		t.Fatalf("LocalPort = %d", cfg.LocalPort)
	}

	if _, err := ParseClientFlags(append(base, "--port", "3000", "--basic-user", "u")); err == nil {
		t.Fatal("expected error with basic user but no pass")
	}
	if _, err := ParseClientFlags(append(base, "--port", "3000", "--reserved")); err == nil {
		t.Fatal("expected error for --reserved without --subdomain")
	}
}
