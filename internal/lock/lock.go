// Package lock serializes concurrent actions that target the same logical
// resource. A lock is a named key held for a bounded TTL; the TTL releases
// keys left behind by a crashed process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a key stays held if it is never released.
const DefaultTTL = 30 * time.Second

// ErrHeld is returned by Lock when the key is already held.
var ErrHeld = errors.New("lock already held")

// Locker acquires and releases named keys.
type Locker interface {
	// Lock acquires key and returns the token that proves ownership.
	// It returns ErrHeld if another owner holds the key.
	Lock(ctx context.Context, key string) (token string, err error)

	// Unlock releases key if it is still held with token.
	Unlock(ctx context.Context, key, token string) error
}

// FormatKey builds the lock key of a step record.
// The format is "step:record:lock:{stepId}:{key}".
func FormatKey(stepID, key string) string {
	return fmt.Sprintf("step:record:lock:%s:%s", stepID, key)
}

// --- MemoryLocker ---

// MemoryLocker is an in-process Locker with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryLocker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates an in-memory locker. A non-positive ttl uses
// DefaultTTL.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLocker{
		ttl:     ttl,
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Lock acquires key unless an unexpired entry holds it.
func (l *MemoryLocker) Lock(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return "", ErrHeld
	}

	token := uuid.NewString()
	l.entries[key] = memEntry{token: token, expiresAt: now.Add(l.ttl)}
	return token, nil
}

// Unlock releases key. A key held under another token is left alone.
func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.token == token {
		delete(l.entries, key)
	}
	return nil
}

// Held reports whether key is currently held. For testing.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && l.now().Before(e.expiresAt)
}

// --- RedisLocker ---

// unlockScript deletes KEYS[1] only if it still holds ARGV[1].
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a Redis-backed Locker using SET NX with a TTL.
type RedisLocker struct {
	client redisClient
	ttl    time.Duration
}

// redisClient is the subset of the go-redis client the locker uses.
type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// NewRedisLocker creates a Redis-backed locker. A non-positive ttl uses
// DefaultTTL.
func NewRedisLocker(client redisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Lock sets key to a fresh token if it does not exist.
func (l *RedisLocker) Lock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return "", ErrHeld
	}
	return token, nil
}

// Unlock deletes key if it still holds token.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock %q: %w", key, err)
	}
	return nil
}
