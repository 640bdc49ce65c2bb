package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PeriodLock is an advisory lock keyed by checkpoint period boundaries, so
// two coordinator processes racing the same cron firing don't both build a
// checkpoint for the same period.
type PeriodLock interface {
	TryAcquire(ctx context.Context, periodEnd time.Time) (release func(), ok bool, err error)
}

// localLock serializes BuildCheckpoint calls within a single process; it
// does not coordinate across processes. Suitable for single-instance
// deployments and tests.
type localLock struct {
	mu      sync.Mutex
	heldFor time.Time
	held    bool
}

// NewLocalLock returns a PeriodLock usable for single-process deployments.
func NewLocalLock() PeriodLock { return &localLock{} }

func (l *localLock) TryAcquire(_ context.Context, periodEnd time.Time) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	l.heldFor = periodEnd
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.heldFor.Equal(periodEnd) {
			l.held = false
		}
	}, true, nil
}

// RedisLock implements PeriodLock with a per-period Redis key so the lock
// naturally expires without a release call if the holder crashes mid-build.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock builds a RedisLock whose key expires after ttl (default 5m,
// comfortably longer than one checkpoint build).
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLock{client: client, ttl: ttl}
}

func (l *RedisLock) TryAcquire(ctx context.Context, periodEnd time.Time) (func(), bool, error) {
	key := fmt.Sprintf("coordinator:checkpoint:period-lock:%d", periodEnd.Unix())
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: acquire period lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		l.client.Del(context.Background(), key)
	}
	return release, true, nil
}
