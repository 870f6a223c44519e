package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-queue/internal/realtime"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), Options{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestPoolLocker_ExclusiveAndReleased(t *testing.T) {
	mr, rdb := newTestClient(t)
	locker := NewPoolLocker(rdb, 5*time.Second)
	ctx := context.Background()

	err := locker.WithPoolLock(ctx, "provider:a", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:pool:provider:a"))

		inner := locker.WithPoolLock(ctx, "provider:a", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		return locker.WithPoolLock(ctx, "provider:b", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:pool:provider:a"))
}

func TestPoolLocker_ReturnsFnError(t *testing.T) {
	mr, rdb := newTestClient(t)
	locker := NewPoolLocker(rdb, 5*time.Second)
	boom := errors.New("boom")

	err := locker.WithPoolLock(context.Background(), "p", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:pool:p"))
}

func TestPoolLocker_DoesNotReleaseForeignToken(t *testing.T) {
	mr, rdb := newTestClient(t)
	locker := NewPoolLocker(rdb, 5*time.Second)

	err := locker.WithPoolLock(context.Background(), "p", func(context.Context) error {
		// lock expired and someone else took it
		require.NoError(t, mr.Set("lock:pool:p", "other"))
		return nil
	})
	require.NoError(t, err)

	got, err := mr.Get("lock:pool:p")
	require.NoError(t, err)
	assert.Equal(t, "other", got)
}

func TestClaims(t *testing.T) {
	_, rdb := newTestClient(t)
	claims := NewClaims(rdb, time.Minute)
	ctx := context.Background()

	ok, err := claims.Claim(ctx, "escalation:e1:urgent", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	// a later version does not win the same tier again
	ok, err = claims.Claim(ctx, "escalation:e1:urgent", 4)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = claims.Claim(ctx, "escalation:e1:proximity", 4)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaims_ReleaseOnlyOlderClaims(t *testing.T) {
	mr, rdb := newTestClient(t)
	claims := NewClaims(rdb, time.Minute)
	ctx := context.Background()

	ok, err := claims.Claim(ctx, "escalation:e1:proximity", 5)
	require.NoError(t, err)
	require.True(t, ok)

	// released at the version it was made at: kept
	require.NoError(t, claims.Release(ctx, "escalation:e1:proximity", 5))
	assert.True(t, mr.Exists("claim:escalation:e1:proximity"))

	require.NoError(t, claims.Release(ctx, "escalation:e1:proximity", 8))
	assert.False(t, mr.Exists("claim:escalation:e1:proximity"))

	ok, err = claims.Claim(ctx, "escalation:e1:proximity", 9)
	require.NoError(t, err)
	assert.True(t, ok)

	// releasing an unknown key is a no-op
	require.NoError(t, claims.Release(ctx, "escalation:e2:urgent", 9))
}

func TestPoolFeed_PublishSubscribe(t *testing.T) {
	_, rdb := newTestClient(t)
	feed := NewPoolFeed(rdb, 8, zerolog.Nop())
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "provider:a")
	require.NoError(t, err)
	defer sub.Close()

	other, err := feed.Subscribe(ctx, "provider:b")
	require.NoError(t, err)
	defer other.Close()

	ev := realtime.Event{
		Type:    realtime.ChangeUpdated,
		Entity:  realtime.EntityQueuePool,
		PoolKey: "provider:a",
		Version: 3,
		Payload: []byte(`[]`),
		At:      time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, feed.Publish(ctx, ev))

	select {
	case got := <-sub.Events():
		assert.Equal(t, ev.Version, got.Version)
		assert.Equal(t, ev.Entity, got.Entity)
		assert.JSONEq(t, `[]`, string(got.Payload))
		assert.True(t, ev.At.Equal(got.At))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case <-other.Events():
		t.Fatal("event leaked to another pool")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolFeed_CloseEndsSubscription(t *testing.T) {
	_, rdb := newTestClient(t)
	feed := NewPoolFeed(rdb, 8, zerolog.Nop())

	sub, err := feed.Subscribe(context.Background(), "p")
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}
