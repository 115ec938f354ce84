package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutTracker counts consecutive failed credential checks per user. The
// counter is separate from any OTP attempt counter and persists across OTP
// regenerations.
type LockoutTracker interface {
	// Locked reports whether the user is inside an active lockout window.
	Locked(ctx context.Context, userID string) (bool, error)
	// Fail records one failure and returns the consecutive failure count.
	Fail(ctx context.Context, userID string) (int64, error)
	// Reset clears the counter after a successful login.
	Reset(ctx context.Context, userID string) error
}

// RedisLockout implements LockoutTracker on a Redis counter with a TTL, so a
// lockout is time-bound and self-clears.
type RedisLockout struct {
	client    *redis.Client
	threshold int64
	window    time.Duration
}

func NewRedisLockout(client *redis.Client, threshold int, window time.Duration) *RedisLockout {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RedisLockout{client: client, threshold: int64(threshold), window: window}
}

func (l *RedisLockout) key(userID string) string {
	return "login_failures:" + userID
}

func (l *RedisLockout) Locked(ctx context.Context, userID string) (bool, error) {
	n, err := l.client.Get(ctx, l.key(userID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("auth: lockout read: %w", err)
	}
	return n >= l.threshold, nil
}

func (l *RedisLockout) Fail(ctx context.Context, userID string) (int64, error) {
	key := l.key(userID)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("auth: lockout increment: %w", err)
	}
	// Reaching the threshold restarts the window so the lockout lasts its
	// full duration from the tripping attempt.
	if n == 1 || n == l.threshold {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return n, fmt.Errorf("auth: lockout expire: %w", err)
		}
	}
	return n, nil
}

func (l *RedisLockout) Reset(ctx context.Context, userID string) error {
	if err := l.client.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("auth: lockout reset: %w", err)
	}
	return nil
}
