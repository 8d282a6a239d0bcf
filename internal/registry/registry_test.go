package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func entry(host, node, session, user string) Entry {
	return Entry{
		Hostname:     host,
		NodeID:       node,
		SessionID:    session,
		InternalAddr: node + ":6000",
		UserID:       user,
	}
}

func TestMemoryClaimConflictWhileLeaseLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	if err := m.Claim(ctx, entry("foo", "a", "s1", "u1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	err := m.Claim(ctx, entry("foo", "b", "s2", "u2"), time.Minute)
	if !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("expected ErrRouteConflict, got %v", err)
	}

	// The owning session may re-claim (e.g. a reconnect on the same node).
	if err := m.Claim(ctx, entry("foo", "a", "s1", "u1"), time.Minute); err != nil {
		t.Fatalf("re-claim by owner failed: %v", err)
	}
}

func TestMemoryExpiredLeaseIsClaimable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Claim(ctx, entry("bar", "a", "s1", "u1"), 30*time.Second); err != nil {
		t.Fatal(err)
	}

	now = now.Add(31 * time.Second)
	if _, err := m.Resolve(ctx, "bar"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expired entry should be logically absent, got %v", err)
	}
	if err := m.Claim(ctx, entry("bar", "b", "s2", "u2"), 30*time.Second); err != nil {
		t.Fatalf("claiming an expired lease failed: %v", err)
	}
}

func TestMemoryRenewLostAfterPreemption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Claim(ctx, entry("baz", "a", "s1", "u1"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(11 * time.Second)
	if err := m.Claim(ctx, entry("baz", "b", "s2", "u1"), 10*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := m.Renew(ctx, "baz", "s1", 10*time.Second); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for the preempted session, got %v", err)
	}
	if err := m.Renew(ctx, "baz", "s2", 10*time.Second); err != nil {
		t.Fatalf("current owner renew failed: %v", err)
	}
}

func TestMemoryReservedHostname(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	if err := m.Reserve("corp", "u1"); err != nil {
		t.Fatal(err)
	}

	// No live lease exists, but the reservation still blocks other users.
	err := m.Claim(ctx, entry("corp", "a", "s9", "u2"), time.Minute)
	if !errors.Is(err, ErrHostnameReserved) {
		t.Fatalf("expected ErrHostnameReserved, got %v", err)
	}
	if err := m.Claim(ctx, entry("corp", "a", "s1", "u1"), time.Minute); err != nil {
		t.Fatalf("reserved owner claim failed: %v", err)
	}
}

func TestMemoryConcurrentClaimsSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entry("raced", "node", "", "u1")
			e.SessionID = string(rune('a' + i))
			if m.Claim(ctx, e, time.Minute) == nil {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", count)
	}
}

func TestMemoryReleaseOnlyByOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	if err := m.Claim(ctx, entry("rel", "a", "s1", "u1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, "rel", "other-session"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, "rel"); err != nil {
		t.Fatalf("release by non-owner must not remove the entry: %v", err)
	}
	if err := m.Release(ctx, "rel", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, "rel"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound after release, got %v", err)
	}
}

func TestMemoryLiveByUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	for i, host := range []string{"h1", "h2", "h3"} {
		e := entry(host, "a", "s"+string(rune('1'+i)), "u1")
		if err := m.Claim(ctx, e, 10*time.Second); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.LiveByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 live entries, got %d", n)
	}

	now = now.Add(11 * time.Second)
	n, err = m.LiveByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 live entries after expiry, got %d", n)
	}
}

func TestCacheServesAndInvalidates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	c := NewCache(m)

	if err := c.Claim(ctx, entry("cached", "a", "s1", "u1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := c.Resolve(ctx, "cached")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	// Mutate the backing store directly; the cache should still serve the
	// old entry until invalidated.
	if err := m.Release(ctx, "cached", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve(ctx, "cached"); err != nil {
		t.Fatalf("expected cached hit, got %v", err)
	}

	c.Invalidate("cached")
	if _, err := c.Resolve(ctx, "cached"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound after invalidation, got %v", err)
	}
}

func TestCacheDoesNotCacheMisses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	c := NewCache(m)

	if _, err := c.Resolve(ctx, "late"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := m.Claim(ctx, entry("late", "a", "s1", "u1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve(ctx, "late"); err != nil {
		t.Fatalf("hostname that became routable still misses: %v", err)
	}
}
