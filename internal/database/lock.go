package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickLock is a best-effort distributed lock guarding the processing tick.
// It keeps a second writer replica from advancing the same chain while a
// tick is in flight; the TTL bounds lock loss to one missed interval if a
// holder dies without releasing.
type TickLock struct {
	redis *Redis
	key   string
	ttl   time.Duration
	token string
}

// NewTickLock creates a lock for the given chain key.
func NewTickLock(r *Redis, chainKey string, ttl time.Duration) *TickLock {
	return &TickLock{
		redis: r,
		key:   "writer:lock:" + chainKey,
		ttl:   ttl,
		token: uuid.NewString(),
	}
}

// Acquire attempts to take the lock. Returns false when another holder owns it.
func (l *TickLock) Acquire(ctx context.Context) (bool, error) {
	return l.redis.SetNX(ctx, l.key, l.token, l.ttl)
}

// Release frees the lock if this instance still holds it.
func (l *TickLock) Release(ctx context.Context) error {
	val, err := l.redis.Get(ctx, l.key)
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if val != l.token {
		// Expired and re-acquired elsewhere; not ours to delete.
		return nil
	}
	return l.redis.Delete(ctx, l.key)
}
