package score

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// TickLock guards the score-tick singleton described in the coordinator's
// concurrency model: only one tick may run at a time, system-wide, even
// across multiple coordinator processes.
type TickLock interface {
	// TryAcquire attempts to take the lock. ok is false if another holder
	// currently owns it; release must be called (even on the caller's error
	// path) once the tick finishes.
	TryAcquire(ctx context.Context) (release func(context.Context), ok bool, err error)
}

// localLock is a process-local TickLock, used as the default when no Redis
// endpoint is configured (single-instance deployments, tests).
type localLock struct {
	mu  sync.Mutex
	set bool
}

// NewLocalLock returns a TickLock with no cross-process guarantee.
func NewLocalLock() TickLock { return &localLock{} }

func (l *localLock) TryAcquire(context.Context) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return nil, false, nil
	}
	l.set = true
	return func(context.Context) {
		l.mu.Lock()
		l.set = false
		l.mu.Unlock()
	}, true, nil
}

const lockKey = "coordinator:score:tick-lock"

// releaseScript deletes the lock key only if it still holds this holder's
// owner token, so a renewed-past-expiry lock can't be released by a stale
// caller that thinks it still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLock implements TickLock with a Redis SET NX EX heartbeat lock (owner,
// expires_at), renewed in the background for the lifetime of the tick so a
// long-running tick is never preempted by its own expiry.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock builds a RedisLock with the given heartbeat TTL (default 30s).
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{client: client, ttl: ttl}
}

func (l *RedisLock) TryAcquire(ctx context.Context) (func(context.Context), bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("score: acquire tick lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	go l.heartbeat(heartbeatCtx, owner)

	release := func(ctx context.Context) {
		cancel()
		l.client.Eval(ctx, releaseScript, []string{lockKey}, owner)
	}
	return release, true, nil
}

func (l *RedisLock) heartbeat(ctx context.Context, owner string) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.client.Eval(ctx, extendScript, []string{lockKey}, owner, l.ttl.Milliseconds())
		}
	}
}

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`
