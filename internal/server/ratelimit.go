package server

import (
	"sync"
	"time"
)

const (
	bucketIdleAge = 5 * time.Minute // evict idle buckets

	// rateLimiterShards controls how many independent shards the rate
	// limiter uses. Each shard has its own mutex, which reduces lock
	// contention when many hostnames are served concurrently.
	rateLimiterShards = 16
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// rateLimiter implements a sharded per-key token bucket. Rate and burst
// arrive per call because different tunnels carry different plan limits;
// a bucket refills at whatever rate its most recent caller supplied.
type rateLimiter struct {
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

// allow consumes one token for key, refilling at ratePerSec up to burst.
// Non-positive limits disable the check.
func (rl *rateLimiter) allow(key string, ratePerSec, burst float64) bool {
	if ratePerSec <= 0 || burst <= 0 {
		return true
	}

	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, lastCheck: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * ratePerSec
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts idle buckets across all shards. Called periodically by
// the janitor so the hot allow() path never iterates maps.
func (rl *rateLimiter) cleanup() {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.buckets {
			if now.Sub(v.lastCheck) > bucketIdleAge {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
