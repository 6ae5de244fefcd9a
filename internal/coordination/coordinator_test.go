package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCoordinators(t *testing.T, ttl time.Duration) (*Coordinator, *Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	policy := config.DefaultProcessorPolicy()
	policy.LockTTL = ttl
	holder := config.NewStaticPolicyHolder(policy)

	newOne := func() *Coordinator {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewCoordinator(Params{Log: zap.NewNop(), Locker: NewLocker(client), Policy: holder})
	}
	return newOne(), newOne(), mr
}

func TestAcquire_IsExclusive(t *testing.T) {
	a, b, mr := setupCoordinators(t, time.Minute)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok, "re-acquiring an owned lease is a no-op")

	assert.True(t, mr.Exists("shadowfiend-p1"))
	assert.Equal(t, time.Minute, mr.TTL("shadowfiend-p1"))

	require.NoError(t, a.Release(ctx, "p1"))
	assert.False(t, mr.Exists("shadowfiend-p1"))

	ok, err = b.Acquire(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_OnlyByOwner(t *testing.T) {
	a, b, mr := setupCoordinators(t, time.Minute)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx, "p1"))
	assert.True(t, mr.Exists("shadowfiend-p1"))

	// a's lease expires and b takes over; a must not delete b's lease.
	mr.FastForward(2 * time.Minute)
	ok, err = b.Acquire(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx, "p1"))
	assert.True(t, mr.Exists("shadowfiend-p1"))
	assert.Empty(t, a.Held())
	assert.Equal(t, []string{"p1"}, b.Held())
}

func TestHeartbeat_ExtendsAndForgetsLostLeases(t *testing.T) {
	a, b, mr := setupCoordinators(t, time.Minute)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2"} {
		ok, err := a.Acquire(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	mr.FastForward(50 * time.Second)
	require.NoError(t, a.Heartbeat(ctx))
	assert.Equal(t, time.Minute, mr.TTL("shadowfiend-p1"))
	assert.Equal(t, time.Minute, mr.TTL("shadowfiend-p2"))

	mr.Del("shadowfiend-p2")
	ok, err := b.Acquire(ctx, "p2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Heartbeat(ctx))
	assert.Equal(t, []string{"p1"}, a.Held())
	assert.Equal(t, []string{"p2"}, b.Held())
}

func TestAcquire_Errors(t *testing.T) {
	a, _, _ := setupCoordinators(t, time.Minute)
	ctx := context.Background()

	_, err := a.Acquire(ctx, "  ")
	assert.ErrorIs(t, err, ErrEmptyProjectID)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	down := NewCoordinator(Params{
		Log:    zap.NewNop(),
		Locker: NewLocker(client),
		Policy: config.NewStaticPolicyHolder(config.DefaultProcessorPolicy()),
	})
	_, err = down.Acquire(ctx, "p1")
	assert.Error(t, err)
	assert.Empty(t, down.Held())
}

func TestLocker_RejectsInvalidInput(t *testing.T) {
	var nilLocker *Locker
	_, _, err := nilLocker.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)

	mr := miniredis.RunT(t)
	locker := NewLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	_, _, err = locker.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrLockKeyEmpty)
	_, _, err = locker.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrLockTTLInvalid)
}
