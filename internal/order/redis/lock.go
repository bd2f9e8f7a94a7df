package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milabs-booking/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotAcquired means another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another holder")

const (
	confirmKeyPrefix = "booking:confirm:"
	sweepKey         = "booking:reminder-sweep"
	pollInterval     = 50 * time.Millisecond
)

// releaseScript deletes the key only if it still carries our token, so an expired
// lock that someone else re-acquired is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// Wait is how long LockOrder polls before giving up.
	Wait time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration, log *logger.Logger) *Redis {
	return &Redis{
		Client: client,
		Logger: log,
		TTL:    ttl,
		Wait:   5 * time.Second,
	}
}

func (r *Redis) tryLock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, key, token, r.TTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

func (r *Redis) unlockFunc(key, token string) func() {
	return func() {
		// release must survive a cancelled request context
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.Client, []string{key}, token).Err(); err != nil {
			r.Logger.Warn("REDIS", fmt.Sprintf("Failed to release lock %s: %v", key, err))
		}
	}
}

// LockOrder serialises confirmation attempts for one order. It polls until the lock is
// free or Wait elapses, then returns ErrNotAcquired.
func (r *Redis) LockOrder(ctx context.Context, orderID string) (func(), error) {
	key := confirmKeyPrefix + orderID
	deadline := time.Now().Add(r.Wait)

	for {
		token, err := r.tryLock(ctx, key)
		if err == nil {
			return r.unlockFunc(key, token), nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// LockSweep never waits: a second sweep simply skips.
func (r *Redis) LockSweep(ctx context.Context) (func(), error) {
	token, err := r.tryLock(ctx, sweepKey)
	if err != nil {
		return nil, err
	}
	return r.unlockFunc(sweepKey, token), nil
}
