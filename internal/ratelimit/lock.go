package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker is a token-fenced redis lock. The actor host uses it as a
// per-customer lease so one process owns a customer at a time.
type Locker struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// LeaseKey names the actor lease for one customer.
func LeaseKey(projectID, customerID string) string {
	return fmt.Sprintf("unprice:actor:lease:%s:%s", projectID, customerID)
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Refresh extends a held lease. Reports false when the lease is no longer
// ours.
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, nil
	}
	current, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != token {
		return false, nil
	}
	return l.client.Expire(ctx, key, ttl).Result()
}

// Release drops the lease only when the token still matches, so a lease that
// expired and was re-acquired elsewhere is left alone.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}
