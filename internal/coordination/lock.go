package coordination

import (
	"context"
	"errors"
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

const lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockKeyEmpty      = errors.New("lock key is empty")
	ErrLockTTLInvalid    = errors.New("lock ttl must be positive")
)

// Locker is a single-key redis lease: SET NX PX with a random token, released and
// extended only by the token holder.
type Locker struct {
	client  redis.UniversalClient
	release *redis.Script
	extend  *redis.Script
}

func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(lockReleaseScript),
		extend:  redis.NewScript(lockExtendScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes key when it still holds token. It reports whether the lease was
// still ours.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	if l == nil || l.client == nil {
		return false, ErrLockNotConfigured
	}
	if key == "" || token == "" {
		return false, nil
	}
	n, err := l.release.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend resets the ttl of key when it still holds token.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, ErrLockNotConfigured
	}
	if ttl <= 0 {
		return false, ErrLockTTLInvalid
	}
	if key == "" || token == "" {
		return false, nil
	}
	n, err := l.extend.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
