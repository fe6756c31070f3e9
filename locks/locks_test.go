package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagee/errors"
	stageetest "github.com/teranos/stagee/internal/testing"
)

type harness struct {
	manager *Manager
	// advance moves the backend's clock forward
	advance func(d time.Duration)
}

type backendFactory func(t *testing.T) harness

func sqlHarness(t *testing.T) harness {
	b := NewSQLBackend(stageetest.CreateTestDB(t))
	var offset atomic.Int64
	b.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	return harness{
		manager: NewManager(b, zaptest.NewLogger(t).Sugar()),
		advance: func(d time.Duration) { offset.Add(int64(d)) },
	}
}

func redisHarness(t *testing.T) harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return harness{
		manager: NewManager(NewRedisBackend(client), zaptest.NewLogger(t).Sugar()),
		advance: mr.FastForward,
	}
}

var backends = map[string]backendFactory{
	"sql":   sqlHarness,
	"redis": redisHarness,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h harness)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) { fn(t, factory(t)) })
	}
}

var server01 = NewKey("t1", "server-01", "restart")

func TestReleaseOwned_OnlyTouchesOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		server02 := NewKey("t1", "server-02", "restart")
		server03 := NewKey("t1", "server-03", "restart")
		_, err := h.manager.AcquireAll(ctx, []Key{server01, server02}, "exec-a", time.Minute)
		require.NoError(t, err)
		other, err := h.manager.Acquire(ctx, server03, "exec-b", time.Minute)
		require.NoError(t, err)

		released, err := h.manager.ReleaseOwned(ctx, []Key{server01, server02, server03}, "exec-a")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{server01.String(), server02.String()}, released)

		_, held, err := h.manager.Holder(ctx, server01)
		require.NoError(t, err)
		assert.False(t, held)
		got, held, err := h.manager.Holder(ctx, server03)
		require.NoError(t, err)
		require.True(t, held)
		assert.Equal(t, other.Token, got.Token)

		released, err = h.manager.ReleaseOwned(ctx, []Key{server01}, "exec-a")
		require.NoError(t, err)
		assert.Empty(t, released)
	})
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "t1:server-01:restart", server01.String())
}

func TestAcquire_SecondOwnerIsBusy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		first, err := h.manager.Acquire(ctx, server01, "exec-a", time.Minute)
		require.NoError(t, err)
		assert.NotEmpty(t, first.Token)

		_, err = h.manager.Acquire(ctx, server01, "exec-b", time.Minute)
		require.Error(t, err)
		assert.Equal(t, errors.KindResourceBusy, errors.KindOf(err))

		require.NoError(t, h.manager.Release(ctx, first))
		_, err = h.manager.Acquire(ctx, server01, "exec-b", time.Minute)
		require.NoError(t, err)
	})
}

func TestAcquire_SameOwnerMayReacquire(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		old, err := h.manager.Acquire(ctx, server01, "exec-a", time.Minute)
		require.NoError(t, err)

		resumed, err := h.manager.Acquire(ctx, server01, "exec-a", time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, old.Token, resumed.Token)

		// The stale handle no longer releases anything.
		require.NoError(t, h.manager.Release(ctx, old))
		holder, ok, err := h.manager.Holder(ctx, server01)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, resumed.Token, holder.Token)
	})
}

func TestRelease_NonOwnerIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		held, err := h.manager.Acquire(ctx, server01, "exec-a", time.Minute)
		require.NoError(t, err)

		forged := held
		forged.Owner = "exec-b"
		require.NoError(t, h.manager.Release(ctx, forged))

		holder, ok, err := h.manager.Holder(ctx, server01)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "exec-a", holder.Owner)
	})
}

func TestAcquire_ExpiredLockCanBeTaken(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		stale, err := h.manager.Acquire(ctx, server01, "exec-a", time.Second)
		require.NoError(t, err)

		h.advance(2 * time.Second)
		taken, err := h.manager.Acquire(ctx, server01, "exec-b", time.Minute)
		require.NoError(t, err)

		require.NoError(t, h.manager.Release(ctx, stale))
		holder, ok, err := h.manager.Holder(ctx, server01)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, taken.Token, holder.Token)
	})
}

func TestAcquireAll_RollsBackOnBusy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		blocker, err := h.manager.Acquire(ctx, NewKey("t1", "server-02", "restart"), "exec-b", time.Minute)
		require.NoError(t, err)

		keys := []Key{
			NewKey("t1", "server-03", "restart"),
			NewKey("t1", "server-01", "restart"),
			NewKey("t1", "server-02", "restart"),
		}
		_, err = h.manager.AcquireAll(ctx, keys, "exec-a", time.Minute)
		require.Error(t, err)
		assert.Equal(t, errors.KindResourceBusy, errors.KindOf(err))

		_, ok, err := h.manager.Holder(ctx, server01)
		require.NoError(t, err)
		assert.False(t, ok, "locks taken before the busy key must be rolled back")

		require.NoError(t, h.manager.Release(ctx, blocker))
		handles, err := h.manager.AcquireAll(ctx, append(keys, keys[0]), "exec-a", time.Minute)
		require.NoError(t, err)
		require.Len(t, handles, 3)
		assert.Equal(t, "t1:server-01:restart", handles[0].LockKey)

		h.manager.ReleaseAll(ctx, handles)
		for _, k := range keys {
			_, ok, err := h.manager.Holder(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})
}

func TestMutualExclusion_UnderContention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		var holders, maxHolders atomic.Int32
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			owner := "exec-" + string(rune('a'+w))
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					handle, err := h.manager.Acquire(ctx, server01, owner, time.Minute)
					if err != nil {
						assert.Equal(t, errors.KindResourceBusy, errors.KindOf(err))
						continue
					}
					n := holders.Add(1)
					for {
						m := maxHolders.Load()
						if n <= m || maxHolders.CompareAndSwap(m, n) {
							break
						}
					}
					holders.Add(-1)
					assert.NoError(t, h.manager.Release(ctx, handle))
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxHolders.Load())
	})
}

func TestReaper_ReclaimsExpiredSQLLocks(t *testing.T) {
	b := NewSQLBackend(stageetest.CreateTestDB(t))
	m := NewManager(b, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	b.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := m.Acquire(ctx, server01, "exec-a", time.Minute)
	require.NoError(t, err)
	b.now = time.Now
	live, err := m.Acquire(ctx, NewKey("t1", "server-02", "restart"), "exec-a", time.Minute)
	require.NoError(t, err)

	var reclaimed []Reclaimed
	m.OnReclaim(func(_ context.Context, r Reclaimed) { reclaimed = append(reclaimed, r) })

	n, err := m.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, stale.LockKey, reclaimed[0].LockKey)
	assert.Equal(t, "exec-a", reclaimed[0].Owner)

	_, ok, err := m.Holder(ctx, server01)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = m.Holder(ctx, live.Key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunReaper_StopsOnCancel(t *testing.T) {
	b := NewSQLBackend(stageetest.CreateTestDB(t))
	m := NewManager(b, zaptest.NewLogger(t).Sugar())

	b.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := m.Acquire(context.Background(), server01, "exec-a", time.Minute)
	require.NoError(t, err)

	reclaimed := make(chan Reclaimed, 1)
	m.OnReclaim(func(_ context.Context, r Reclaimed) { reclaimed <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunReaper(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case r := <-reclaimed:
		assert.Equal(t, server01.String(), r.LockKey)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not reclaim the expired lock")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestRedisReaper_IsNoop(t *testing.T) {
	h := redisHarness(t)
	n, err := h.manager.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
