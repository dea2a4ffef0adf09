// Package ratelimit implements the fixed-window, per-ip-hash, per-action
// limiter the connection manager and dispatcher consult before accepting
// a connect, auth, or message attempt. An optional Redis-backed counter
// lets multiple server processes share state. See spec.md §4.H.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action is one of the three buckets spec.md §4.H names.
type Action string

const (
	ActionConnection Action = "connection"
	ActionAuth       Action = "auth"
	ActionMessage    Action = "message"
)

// Defaults matches spec.md §4.H's concrete limits.
var Defaults = map[Action]Limit{
	ActionConnection: {Max: 5, Window: time.Minute},
	ActionAuth:       {Max: 5, Window: time.Minute},
	ActionMessage:    {Max: 60, Window: time.Minute},
}

// Limit is a per-action ceiling.
type Limit struct {
	Max    int
	Window time.Duration
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window limiter keyed by (ipHash, action). With a
// Redis client configured, counts are shared across processes; otherwise
// it falls back to an in-memory map protected by a mutex, matching the
// teacher's pre-Redis rate limiter shape.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter

	redisClient *redis.Client
	ctx         context.Context

	logger *log.Logger
}

// New builds a Limiter. redisClient may be nil for a single-process,
// in-memory limiter.
func New(redisClient *redis.Client) *Limiter {
	return &Limiter{
		counters:    make(map[string]*counter),
		redisClient: redisClient,
		ctx:         context.Background(),
		logger:      log.New(log.Writer(), "[RATE-LIMIT] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// HashIP derives the ip_hash spec.md §4.H specifies: sha256(ip‖salt)
// truncated to 16 hex chars.
func HashIP(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])[:16]
}

// IsRateLimited applies the fixed-window algorithm for (ipHash, action)
// against limit, returning true iff the bucket is exhausted. A fresh
// window is opened lazily on first use or after expiry.
func (l *Limiter) IsRateLimited(ipHash string, action Action, limit Limit) bool {
	if l.redisClient != nil {
		limited, err := l.isRateLimitedRedis(ipHash, action, limit)
		if err == nil {
			return limited
		}
		l.logger.Printf("redis rate limit check failed, falling back to in-memory: %v", err)
	}
	return l.isRateLimitedLocal(ipHash, action, limit)
}

func (l *Limiter) isRateLimitedLocal(ipHash string, action Action, limit Limit) bool {
	key := string(action) + ":" + ipHash
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || now.After(c.resetAt) {
		l.counters[key] = &counter{count: 1, resetAt: now.Add(limit.Window)}
		return false
	}
	if c.count >= limit.Max {
		return true
	}
	c.count++
	return false
}

func (l *Limiter) isRateLimitedRedis(ipHash string, action Action, limit Limit) (bool, error) {
	key := "ratelimit:" + string(action) + ":" + ipHash
	count, err := l.redisClient.Incr(l.ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	if count == 1 {
		if err := l.redisClient.Expire(l.ctx, key, limit.Window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: redis expire: %w", err)
		}
	}
	return count > int64(limit.Max), nil
}

// ResetForIP drops the counter for (ipHash, action), used on successful
// authentication so the next message isn't penalized by auth attempts.
func (l *Limiter) ResetForIP(ipHash string, action Action) {
	if l.redisClient != nil {
		key := "ratelimit:" + string(action) + ":" + ipHash
		if err := l.redisClient.Del(l.ctx, key).Err(); err != nil {
			l.logger.Printf("redis rate limit reset failed: %v", err)
		}
	}

	key := string(action) + ":" + ipHash
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, key)
}
