package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagee/errors"
	stageetest "github.com/teranos/stagee/internal/testing"
)

func setupPool(t *testing.T, workers int) (*WorkerPool, *Queue) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	q := New(stageetest.CreateTestDB(t), Options{
		RetryBase:    10 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, log)
	pool := NewWorkerPool(context.Background(), q, NewHandlerRegistry(), WorkerPoolConfig{
		Workers:     workers,
		DequeueWait: 50 * time.Millisecond,
		StopTimeout: 5 * time.Second,
	}, log)
	t.Cleanup(pool.Stop)
	return pool, q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func entryStatus(t *testing.T, q *Queue, execID string) Status {
	e, err := q.GetByExecution(context.Background(), execID)
	require.NoError(t, err)
	return e.Status
}

func TestWorkerPool_ProcessesEntries(t *testing.T) {
	pool, q := setupPool(t, 3)
	var mu sync.Mutex
	seen := map[string]int{}
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(_ context.Context, e *Entry, _ *Lease) error {
		mu.Lock()
		seen[e.ExecutionID]++
		mu.Unlock()
		return nil
	}})
	pool.Start()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		_, err := q.Enqueue(context.Background(), request(id))
		require.NoError(t, err)
	}

	waitFor(t, "all entries done", func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Done == len(ids)
	})
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], id)
	}
}

func TestWorkerPool_RetriesThenDeadLetters(t *testing.T) {
	pool, q := setupPool(t, 1)
	var calls atomic.Int32
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(context.Context, *Entry, *Lease) error {
		calls.Add(1)
		return errors.New("connection reset by peer")
	}})
	dead := make(chan *DLQEntry, 1)
	q.OnDeadLetter(func(_ context.Context, d *DLQEntry) { dead <- d })
	pool.Start()

	_, err := q.Enqueue(context.Background(), request("exec-1"))
	require.NoError(t, err)

	select {
	case d := <-dead:
		assert.Equal(t, "exec-1", d.ExecutionID)
		assert.Equal(t, 3, d.AttemptCount)
	case <-time.After(5 * time.Second):
		t.Fatal("entry was never dead-lettered")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StatusDead, entryStatus(t, q, "exec-1"))
}

func TestWorkerPool_FatalErrorSkipsRetries(t *testing.T) {
	pool, q := setupPool(t, 1)
	var calls atomic.Int32
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(context.Context, *Entry, *Lease) error {
		calls.Add(1)
		return errors.NewPermissionError("bob", "missing permission execute:change")
	}})
	pool.Start()

	_, err := q.Enqueue(context.Background(), request("exec-1"))
	require.NoError(t, err)
	waitFor(t, "dead letter", func() bool { return entryStatus(t, q, "exec-1") == StatusDead })
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerPool_UnroutableEntryIsDeadLettered(t *testing.T) {
	pool, q := setupPool(t, 1)
	pool.Start()
	req := request("exec-1")
	req.Handler = "nobody.home"
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	waitFor(t, "dead letter", func() bool { return entryStatus(t, q, "exec-1") == StatusDead })
}

func TestWorkerPool_DeferReleasesWithoutAttempt(t *testing.T) {
	pool, q := setupPool(t, 1)
	var calls atomic.Int32
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(context.Context, *Entry, *Lease) error {
		if calls.Add(1) < 4 {
			return Deferred(time.Millisecond, "awaiting approval")
		}
		return nil
	}})
	pool.Start()

	_, err := q.Enqueue(context.Background(), request("exec-1"))
	require.NoError(t, err)
	waitFor(t, "completion", func() bool { return entryStatus(t, q, "exec-1") == StatusDone })

	// Three deferrals did not spend the three-attempt budget.
	e, err := q.GetByExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AttemptCount)
}

func TestWorkerPool_HeartbeatRenewsLease(t *testing.T) {
	pool, q := setupPool(t, 1)
	var renewed atomic.Int32
	pool.OnLeaseRenewed(func(context.Context, *Entry) { renewed.Add(1) })

	var leaseRenewals atomic.Int32
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(_ context.Context, _ *Entry, l *Lease) error {
		time.Sleep(400 * time.Millisecond)
		if l.IsLost() {
			return errors.ErrLeaseLost
		}
		leaseRenewals.Store(int32(l.Renewals()))
		return nil
	}})
	pool.Start()

	req := request("exec-1")
	req.Lease = 150 * time.Millisecond
	req.MaxLeaseRenewals = 20
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)

	waitFor(t, "completion", func() bool { return entryStatus(t, q, "exec-1") == StatusDone })
	assert.GreaterOrEqual(t, leaseRenewals.Load(), int32(2))
	assert.GreaterOrEqual(t, renewed.Load(), leaseRenewals.Load())
}

func TestWorkerPool_ExhaustedRenewalsLoseLease(t *testing.T) {
	pool, q := setupPool(t, 1)
	lost := make(chan struct{}, 1)
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(ctx context.Context, _ *Entry, l *Lease) error {
		select {
		case <-l.Lost():
			select {
			case lost <- struct{}{}:
			default:
			}
			return errors.ErrLeaseLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}})
	pool.Start()

	req := request("exec-1")
	req.Lease = 90 * time.Millisecond
	req.MaxLeaseRenewals = 1
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("lease was never reported lost")
	}
}

func TestWorkerPool_RecoversEntryOfCrashedWorker(t *testing.T) {
	pool, q := setupPool(t, 1)
	done := make(chan string, 1)
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(_ context.Context, e *Entry, _ *Lease) error {
		done <- e.LeaseOwner
		return nil
	}})

	req := request("exec-1")
	req.Lease = 50 * time.Millisecond
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	crashed, err := q.Dequeue(context.Background(), "crashed-worker", 0)
	require.NoError(t, err)
	require.NotNil(t, crashed)

	// The crashed worker never renews or completes.
	pool.Start()
	select {
	case owner := <-done:
		assert.NotEqual(t, "crashed-worker", owner)
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned entry was not recovered")
	}
	waitFor(t, "completion", func() bool { return entryStatus(t, q, "exec-1") == StatusDone })
}

func TestWorkerPool_StopReleasesInterruptedEntry(t *testing.T) {
	pool, q := setupPool(t, 1)
	started := make(chan struct{})
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(ctx context.Context, _ *Entry, _ *Lease) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	pool.Start()

	_, err := q.Enqueue(context.Background(), request("exec-1"))
	require.NoError(t, err)
	<-started
	pool.Stop()

	e, err := q.GetByExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, e.Status)
	assert.Equal(t, 0, e.AttemptCount)
}

func TestWorkerPool_PanicIsAFailure(t *testing.T) {
	pool, q := setupPool(t, 1)
	pool.Registry().Register(HandlerFunc{HandlerName: "execution.run", Fn: func(context.Context, *Entry, *Lease) error {
		panic("nil map")
	}})
	pool.Start()

	req := request("exec-1")
	req.MaxAttempts = 1
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	waitFor(t, "dead letter", func() bool { return entryStatus(t, q, "exec-1") == StatusDead })
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	h := HandlerFunc{HandlerName: "b", Fn: func(context.Context, *Entry, *Lease) error { return nil }}
	r.Register(h)
	r.Register(HandlerFunc{HandlerName: "a"})
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.NotNil(t, r.Get("b"))
	assert.Nil(t, r.Get("c"))
	assert.Panics(t, func() { r.Register(h) })
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(100, 256))
	assert.Equal(t, 1, calculateSafeWorkerCount(4096, 0))
	assert.Equal(t, 14, calculateSafeWorkerCount(4096, 256))
}
