package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	stageetest "github.com/teranos/stagee/internal/testing"
	"github.com/teranos/stagee/locks"
	"github.com/teranos/stagee/plan"
	"github.com/teranos/stagee/policy"
	"github.com/teranos/stagee/queue"
	"github.com/teranos/stagee/runner"
)

var (
	alice = &authz.Actor{ID: "alice", TenantID: "t1", Permissions: []string{authz.Wildcard}, AuthMethod: authz.AuthMethodStatic}
	bob   = approval.Decision{Principal: "bob", TenantID: "t1", AuthMethod: authz.AuthMethodStatic}
)

// recorder is a step runner that counts invocations per idempotency token.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	hook  func(ctx context.Context, inv runner.Invocation) (runner.Result, error)
}

func (r *recorder) Run(ctx context.Context, inv runner.Invocation) (runner.Result, error) {
	r.mu.Lock()
	r.calls[inv.IdempotencyToken()]++
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(ctx, inv)
	}
	return runner.Result{Output: stepLabel(inv.Step) + " on " + inv.Target.Ref + "\n"}, nil
}

func stepLabel(s plan.Step) string {
	switch {
	case s.Shell != nil:
		return s.Shell.Command
	case s.Inspect != nil && len(s.Inspect.Fields) > 0:
		return s.Inspect.Fields[0]
	default:
		return s.Name
	}
}

func (r *recorder) count(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[token]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

type harness struct {
	engine    *Engine
	store     *execution.Store
	approvals *approval.Workflow
	queue     *queue.Queue
	locks     *locks.Manager
	directory *authz.StaticResolver
	shell     *recorder
}

type harnessOptions struct {
	cfg       Config
	overrides []am.PolicyOverride
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := harnessOptions{cfg: Config{DefaultStepEstimate: 10 * time.Millisecond}}
	for _, fn := range opts {
		fn(&o)
	}

	db := stageetest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	store := execution.NewStore(db, log)
	approvals := approval.NewWorkflow(db, store, log)
	lockMgr := locks.NewManager(locks.NewSQLBackend(db), log)
	policies, err := policy.NewResolver(o.overrides)
	require.NoError(t, err)
	q := queue.New(db, queue.Options{
		RetryBase:    10 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, log)

	directory := authz.NewStaticResolver(nil)
	directory.Put("", *alice)

	shell := &recorder{calls: make(map[string]int)}
	runners := runner.NewRegistry()
	runners.Register(plan.StepShell, shell)
	runners.Register(plan.StepInspect, shell)
	runners.Register(plan.StepWait, runner.WaitRunner{})

	eng, err := New(o.cfg, Deps{
		Store:     store,
		Approvals: approvals,
		Locks:     lockMgr,
		Directory: directory,
		Policies:  policies,
		Queue:     q,
		Runners:   runners,
	}, log)
	require.NoError(t, err)

	return &harness{
		engine:    eng,
		store:     store,
		approvals: approvals,
		queue:     q,
		locks:     lockMgr,
		directory: directory,
		shell:     shell,
	}
}

func background(o *harnessOptions) { o.cfg.ImmediateThreshold = time.Nanosecond }

func (h *harness) startPool(t *testing.T) {
	t.Helper()
	pool := queue.NewWorkerPool(context.Background(), h.queue, queue.NewHandlerRegistry(), queue.WorkerPoolConfig{
		Workers:     1,
		DequeueWait: 50 * time.Millisecond,
		StopTimeout: 5 * time.Second,
	}, zaptest.NewLogger(t).Sugar())
	h.engine.Attach(pool)
	pool.Start()
	t.Cleanup(pool.Stop)
}

func (h *harness) status(t *testing.T, id string) execution.Status {
	ex, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return ex.Status
}

func (h *harness) eventTypes(t *testing.T, id string) []string {
	events, err := h.store.Events(context.Background(), id, 0, 1000)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func (h *harness) lockHeld(t *testing.T, target, action string) bool {
	_, held, err := h.locks.Holder(context.Background(), locks.NewKey("t1", target, action))
	require.NoError(t, err)
	return held
}

func shellPlan(action string, commands ...string) *plan.Plan {
	p := &plan.Plan{TenantID: "t1", Action: action, Targets: []string{"server-01"}, SLAClass: plan.SLAFast}
	for i, c := range commands {
		p.Steps = append(p.Steps, plan.Step{
			Name:  fmt.Sprintf("step-%d", i+1),
			Kind:  plan.StepShell,
			Shell: &plan.ShellStep{Command: c},
		})
	}
	return p
}

// readPlan builds a plan of inspect steps, one per label.
func readPlan(action string, labels ...string) *plan.Plan {
	p := &plan.Plan{TenantID: "t1", Action: action, Targets: []string{"server-01"}, SLAClass: plan.SLAFast}
	for i, l := range labels {
		p.Steps = append(p.Steps, plan.Step{
			Name:    fmt.Sprintf("step-%d", i+1),
			Kind:    plan.StepInspect,
			Inspect: &plan.InspectStep{Fields: []string{l}},
		})
	}
	return p
}

func TestSubmit_ReadOnlyPlanRunsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	began := time.Now()
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "uptime"), Actor: alice})
	require.NoError(t, err)
	require.True(t, res.Created)

	ex := res.Execution
	assert.Equal(t, execution.StatusSucceeded, ex.Status)
	assert.Equal(t, execution.ModeImmediate, ex.Mode)
	assert.Equal(t, plan.SLAFast, ex.SLAClass)
	assert.Nil(t, res.Approval)
	assert.Less(t, time.Since(began), 30*time.Second)
	assert.Contains(t, ex.ResultSummary, "uptime on server-01")
	assert.Equal(t, 1, h.shell.count(ex.ID+":0"))
	assert.False(t, h.lockHeld(t, "server-01", "inspect"))

	types := h.eventTypes(t, ex.ID)
	assert.Equal(t, execution.EventSubmitted, types[0])
	assert.Contains(t, types, execution.EventLockAcquired)
	assert.Contains(t, types, execution.EventLockReleased)
	assert.Equal(t, execution.EventCompleted, types[len(types)-1])
}

func TestSubmit_ReadNamedMutatingPlanIsChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	reader := &authz.Actor{ID: "rita", TenantID: "t1", Permissions: []string{"execute:read"}, AuthMethod: authz.AuthMethodStatic}
	h.directory.Put("", *reader)
	p := shellPlan("status", "rm -rf /var/lib/app")

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, IdempotencyKey: "rita-1", Actor: reader})
	require.Error(t, err)
	assert.Equal(t, errors.KindPermission, errors.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, execution.StatusRejected, res.Execution.Status)
	assert.Equal(t, plan.ActionChange, res.Execution.ActionClass)

	res, err = h.engine.Submit(ctx, SubmitRequest{Plan: p, IdempotencyKey: "alice-1", Actor: alice})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, res.Execution.Status)
	assert.Equal(t, approval.LevelConfirmation, res.Execution.ApprovalLevel)
	assert.NotNil(t, res.Approval)
	assert.Zero(t, h.shell.total(), "nothing runs before the change is approved")
}

func TestSubmit_SameKeyRunsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := readPlan("status", "systemctl status nginx")

	first, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, IdempotencyKey: "key-1", Actor: alice})
	require.NoError(t, err)
	second, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, IdempotencyKey: "key-1", Actor: alice})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)
	assert.Equal(t, 1, h.shell.total())
}

func TestSubmit_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := readPlan("status", "true")

	const n = 6
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, Actor: alice})
			if assert.NoError(t, err) {
				ids[i] = res.Execution.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.shell.total())
}

func TestStart_ConcurrentRestartIsBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	submitApproved := func(key string) *execution.Execution {
		res, err := h.engine.Submit(ctx, SubmitRequest{Plan: shellPlan("restart", "systemctl restart nginx"), IdempotencyKey: key, Actor: alice})
		require.NoError(t, err)
		require.Equal(t, execution.StatusPending, res.Execution.Status)
		require.NotNil(t, res.Approval)
		_, ex, err := h.engine.Approve(ctx, res.Approval.ID, bob)
		require.NoError(t, err)
		require.Equal(t, execution.StatusApproved, ex.Status)
		return ex
	}
	first := submitApproved("restart-1")
	second := submitApproved("restart-2")

	running := make(chan struct{})
	release := make(chan struct{})
	h.shell.hook = func(_ context.Context, inv runner.Invocation) (runner.Result, error) {
		if inv.ExecutionID == first.ID {
			close(running)
			<-release
		}
		return runner.Result{Output: "restarted\n"}, nil
	}

	done := make(chan *execution.Execution)
	go func() {
		ex, err := h.engine.Start(ctx, first.ID, alice)
		assert.NoError(t, err)
		done <- ex
	}()
	<-running

	_, err := h.engine.Start(ctx, second.ID, alice)
	require.Error(t, err)
	assert.Equal(t, errors.KindResourceBusy, errors.KindOf(err))
	assert.Equal(t, execution.StatusApproved, h.status(t, second.ID), "a busy start leaves the execution startable")

	close(release)
	finished := <-done
	assert.Equal(t, execution.StatusSucceeded, finished.Status)
	assert.False(t, h.lockHeld(t, "server-01", "restart"))

	third, err := h.engine.Start(ctx, second.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, third.Status)
}

func TestStart_AmendedPlanInvalidatesApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p := shellPlan("deploy", "deploy v1")
	p.RunbookRef = "rb-42"
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, Actor: alice})
	require.NoError(t, err)
	require.NotNil(t, res.Approval)
	assert.Equal(t, approval.LevelPlanReview, res.Approval.Level)

	_, ex, err := h.engine.Approve(ctx, res.Approval.ID, bob)
	require.NoError(t, err)
	require.Equal(t, execution.StatusApproved, ex.Status)

	amended := shellPlan("deploy", "deploy v1", "smoke test")
	amended.RunbookRef = "rb-42"
	ex, err = h.engine.AmendPlan(ctx, ex.ID, amended, alice)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusApproved, ex.Status)

	_, err = h.engine.Start(ctx, ex.ID, alice)
	require.Error(t, err)
	assert.Equal(t, errors.KindApprovalInvalidated, errors.KindOf(err))
	assert.Zero(t, h.shell.total(), "nothing runs under a stale approval")
	assert.Equal(t, execution.StatusPending, h.status(t, ex.ID))

	old, err := h.approvals.Get(ctx, res.Approval.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusInvalidated, old.Status)

	fresh, err := h.approvals.Current(ctx, ex.ID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, res.Approval.ID, fresh.ID)
	assert.Equal(t, approval.StatusPending, fresh.Status)

	_, _, err = h.engine.Approve(ctx, fresh.ID, bob)
	require.NoError(t, err)
	done, err := h.engine.Start(ctx, ex.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, done.Status)
	assert.Equal(t, 2, h.shell.total())
}

func TestStart_BackgroundAmendedPlanInvalidatesApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, background)

	p := shellPlan("deploy", "deploy v1")
	p.RunbookRef = "rb-42"
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, Actor: alice})
	require.NoError(t, err)
	require.Equal(t, execution.ModeBackground, res.Execution.Mode)
	_, ex, err := h.engine.Approve(ctx, res.Approval.ID, bob)
	require.NoError(t, err)
	require.Equal(t, execution.StatusApproved, ex.Status)

	amended := shellPlan("deploy", "deploy v1", "smoke test")
	amended.RunbookRef = "rb-42"
	ex, err = h.engine.AmendPlan(ctx, ex.ID, amended, alice)
	require.NoError(t, err)

	ex, err = h.engine.Start(ctx, ex.ID, alice)
	require.Error(t, err)
	assert.Equal(t, errors.KindApprovalInvalidated, errors.KindOf(err))
	assert.Equal(t, execution.StatusPending, ex.Status)

	_, err = h.queue.GetByExecution(ctx, ex.ID)
	assert.True(t, errors.IsNotFoundError(err), "a stale approval is never queued")

	fresh, err := h.approvals.Current(ctx, ex.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, fresh.Status)
	assert.Equal(t, ex.PlanHash, fresh.PlanHash)
}

func TestAmendPlan_PendingGetsFreshApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: shellPlan("restart", "restart a"), Actor: alice})
	require.NoError(t, err)

	ex, err := h.engine.AmendPlan(ctx, res.Execution.ID, shellPlan("restart", "restart b"), alice)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, ex.Status)

	_, _, err = h.engine.Approve(ctx, res.Approval.ID, bob)
	require.Error(t, err, "the original approval was bound to the old plan")

	fresh, err := h.approvals.Current(ctx, ex.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ex.PlanHash, fresh.PlanHash)
	_, approved, err := h.engine.Approve(ctx, fresh.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusApproved, approved.Status)
}

func TestWorkerCrash_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, background)

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "a", "b", "c"), Actor: alice})
	require.NoError(t, err)
	id := res.Execution.ID
	require.Equal(t, execution.ModeBackground, res.Execution.Mode)
	require.Equal(t, execution.StatusApproved, res.Execution.Status)

	// The first worker leases the job, finishes step 0 and dies inside step 1.
	entry, err := h.queue.Dequeue(ctx, "worker-1", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, entry)

	crashCtx, crash := context.WithCancel(ctx)
	var once sync.Once
	h.shell.hook = func(ctx context.Context, inv runner.Invocation) (runner.Result, error) {
		crashed := false
		if inv.StepIndex == 1 {
			once.Do(func() {
				crash()
				crashed = true
			})
		}
		if crashed {
			<-ctx.Done()
			return runner.Result{}, ctx.Err()
		}
		return runner.Result{Output: stepLabel(inv.Step) + "\n"}, nil
	}
	_, err = h.engine.drive(crashCtx, id, runOptions{workerID: "worker-1"})
	require.Error(t, err)
	assert.Equal(t, execution.StatusRunning, h.status(t, id))

	time.Sleep(250 * time.Millisecond)
	h.startPool(t)
	require.Eventually(t, func() bool {
		return h.status(t, id) == execution.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.shell.count(id+":0"))
	assert.Equal(t, 2, h.shell.count(id+":1"), "the interrupted step is re-run with the same token")
	assert.Equal(t, 1, h.shell.count(id+":2"))

	events, err := h.store.Events(ctx, id, 0, 1000)
	require.NoError(t, err)
	completed := map[float64]int{}
	for _, ev := range events {
		if ev.Type != execution.EventStepCompleted {
			continue
		}
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		completed[payload["step_index"].(float64)]++
	}
	assert.Equal(t, map[float64]int{0: 1, 1: 1, 2: 1}, completed)

	got, err := h.queue.GetByExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, got.Status)
}

func TestCancel_MidRunSkipsRemainingSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	commands := make([]string, 10)
	for i := range commands {
		commands[i] = fmt.Sprintf("check %d", i+1)
	}

	inFlight := make(chan string)
	proceed := make(chan struct{})
	h.shell.hook = func(_ context.Context, inv runner.Invocation) (runner.Result, error) {
		if inv.StepIndex == 2 {
			inFlight <- inv.ExecutionID
			<-proceed
		}
		return runner.Result{Output: "ok\n"}, nil
	}

	done := make(chan *SubmitResult)
	go func() {
		res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", commands...), Actor: alice})
		assert.NoError(t, err)
		done <- res
	}()

	id := <-inFlight
	ex, err := h.engine.Cancel(ctx, id, alice, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, ex.Status, "cancellation is cooperative")
	close(proceed)

	res := <-done
	ex = res.Execution
	assert.Equal(t, execution.StatusCancelled, ex.Status)
	assert.Equal(t, "alice", ex.CancelledBy)
	assert.NotNil(t, ex.CancelledAt)
	assert.Equal(t, "operator abort", ex.CancelReason)
	assert.False(t, h.lockHeld(t, "server-01", "inspect"))

	steps, err := h.store.Steps(ctx, id)
	require.NoError(t, err)
	for _, st := range steps {
		if st.Index <= 2 {
			assert.Equal(t, execution.StepSucceeded, st.Status, "step %d", st.Index)
		} else {
			assert.Equal(t, execution.StepSkipped, st.Status, "step %d", st.Index)
		}
	}
	assert.Equal(t, 3, h.shell.total())
	assert.Contains(t, h.eventTypes(t, id), execution.EventCancelRequested)
}

func TestCancel_TerminalExecutionIsFSMError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "true"), Actor: alice})
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, res.Execution.ID, alice, "too late")
	assert.Equal(t, errors.KindFSM, errors.KindOf(err))
}

func TestSubmit_TenantMismatchIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mallory := &authz.Actor{ID: "mallory", TenantID: "t2", Permissions: []string{authz.Wildcard}}

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "host"), IdempotencyKey: "k", Actor: mallory})
	require.Error(t, err)
	assert.Equal(t, errors.KindPermission, errors.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, "t2", res.Execution.TenantID)
	assert.Equal(t, execution.StatusRejected, res.Execution.Status)
	assert.Equal(t, errors.KindPermission, res.Execution.ErrorKind)
	assert.Contains(t, h.eventTypes(t, res.Execution.ID), execution.EventRBACViolation)
	assert.Zero(t, h.shell.total())

	// The victim tenant's key space is untouched.
	own, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "host"), IdempotencyKey: "k", Actor: alice})
	require.NoError(t, err)
	assert.True(t, own.Created)
}

func TestStart_RevokedPermissionRejectsAtExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: shellPlan("restart", "restart"), Actor: alice})
	require.NoError(t, err)
	_, _, err = h.engine.Approve(ctx, res.Approval.ID, bob)
	require.NoError(t, err)

	h.directory.Put("", authz.Actor{ID: "alice", TenantID: "t1", Permissions: []string{"execute:read"}})
	carol := &authz.Actor{ID: "carol", TenantID: "t1", Permissions: []string{authz.Wildcard}}

	ex, err := h.engine.Start(ctx, res.Execution.ID, carol)
	require.Error(t, err)
	assert.Equal(t, errors.KindPermission, errors.KindOf(err))
	assert.Equal(t, execution.StatusRejected, ex.Status)
	assert.Zero(t, h.shell.total())
}

func TestRun_StepFailureSkipsRest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shell.hook = func(_ context.Context, inv runner.Invocation) (runner.Result, error) {
		if inv.StepIndex == 1 {
			code := 3
			return runner.Result{Output: "disk full\n", ExitCode: &code}, errors.New("command exited with status 3")
		}
		return runner.Result{Output: "ok\n"}, nil
	}

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "a", "b", "c"), Actor: alice})
	require.Error(t, err)
	assert.Equal(t, errors.KindStepFailure, errors.KindOf(err))
	ex := res.Execution
	assert.Equal(t, execution.StatusFailed, ex.Status)
	assert.Equal(t, errors.KindStepFailure, ex.ErrorKind)
	assert.Contains(t, ex.ErrorMessage, "status 3")

	steps, err := h.store.Steps(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StepSucceeded, steps[0].Status)
	assert.Equal(t, execution.StepFailed, steps[1].Status)
	require.NotNil(t, steps[1].ExitCode)
	assert.Equal(t, 3, *steps[1].ExitCode)
	assert.Equal(t, execution.StepSkipped, steps[2].Status)
}

func TestRun_StepTimeoutEndsTimedOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOptions) {
		o.overrides = []am.PolicyOverride{{
			SLAClass: "fast", ActionClass: "read",
			ExecutionTimeoutMS: 5000, StepTimeoutMS: 50, MaxAttempts: 1, MaxLeaseRenewals: 1,
		}}
	})
	h.shell.hook = func(ctx context.Context, _ runner.Invocation) (runner.Result, error) {
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	}

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "host", "port"), Actor: alice})
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
	ex := res.Execution
	assert.Equal(t, execution.StatusTimedOut, ex.Status)
	assert.True(t, ex.TimedOut)
	assert.False(t, h.lockHeld(t, "server-01", "inspect"))
}

func TestRun_TransientStepFailureRetries(t *testing.T) {
	for name, cause := range map[string]error{
		"network":     errors.New("dial tcp 10.0.0.7:22: connection refused"),
		"remote slow": errors.New("GET https://inventory/api: i/o timeout"),
		"gateway":     errors.New("POST https://deployer/api returned 503"),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, background)
			var once sync.Once
			h.shell.hook = func(_ context.Context, inv runner.Invocation) (runner.Result, error) {
				var err error
				once.Do(func() { err = cause })
				return runner.Result{Output: stepLabel(inv.Step) + "\n"}, err
			}

			res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "host"), Actor: alice})
			require.NoError(t, err)
			id := res.Execution.ID
			h.startPool(t)

			require.Eventually(t, func() bool {
				return h.status(t, id) == execution.StatusSucceeded
			}, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, 2, h.shell.count(id+":0"))
			assert.Contains(t, h.eventTypes(t, id), execution.EventRetryScheduled)
		})
	}
}

func TestRun_LargeResultIsOffloaded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOptions) { o.cfg.ResultCapBytes = 256 })
	big := strings.Repeat("é", 1000)
	h.shell.hook = func(_ context.Context, _ runner.Invocation) (runner.Result, error) {
		return runner.Result{Output: big}, nil
	}

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "dump"), Actor: alice})
	require.NoError(t, err)
	ex := res.Execution
	require.NotEmpty(t, ex.ResultRef)
	assert.LessOrEqual(t, len(ex.ResultSummary), 256)
	assert.Contains(t, ex.ResultSummary, "truncated")

	full, err := h.engine.artifacts.Get(ctx, ex.ResultRef)
	require.NoError(t, err)
	assert.Contains(t, string(full), big)
}

func TestStepApproval_WaitsForEachStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOptions) { o.cfg.StepApprovalRecheck = time.Hour })
	h.startPool(t)

	p := shellPlan("restart", "drain", "restart")
	p.StepApproval = true
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, Actor: alice})
	require.NoError(t, err)
	id := res.Execution.ID
	assert.Equal(t, execution.ModeBackground, res.Execution.Mode)
	assert.Equal(t, approval.LevelStepByStep, res.Execution.ApprovalLevel)

	_, _, err = h.engine.Approve(ctx, res.Approval.ID, approval.Decision{Principal: "bob", TenantID: "t1", RunbookRef: "rb-1"})
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, id, alice)
	require.NoError(t, err)

	for step := 0; step < 2; step++ {
		idx := step
		var pending *approval.Approval
		require.Eventually(t, func() bool {
			a, err := h.approvals.Current(ctx, id, &idx)
			if err != nil || a.Status != approval.StatusPending {
				return false
			}
			pending = a
			return true
		}, 5*time.Second, 10*time.Millisecond, "step %d approval", idx)
		assert.Equal(t, step, h.shell.total(), "step %d must wait for its approval", step)

		_, _, err := h.engine.Approve(ctx, pending.ID, approval.Decision{Principal: "bob", TenantID: "t1", RunbookRef: "rb-1"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return h.status(t, id) == execution.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.eventTypes(t, id), execution.EventStepAwaitingApproval)
}

// parkOnStepGate starts a step-by-step restart and waits until step 0 asks
// for its approval.
func (h *harness) parkOnStepGate(t *testing.T) (string, *approval.Approval) {
	t.Helper()
	ctx := context.Background()
	decision := approval.Decision{Principal: "bob", TenantID: "t1", RunbookRef: "rb-1"}

	p := shellPlan("restart", "drain", "restart")
	p.StepApproval = true
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: p, Actor: alice})
	require.NoError(t, err)
	id := res.Execution.ID
	_, _, err = h.engine.Approve(ctx, res.Approval.ID, decision)
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, id, alice)
	require.NoError(t, err)

	first := 0
	var pending *approval.Approval
	require.Eventually(t, func() bool {
		a, err := h.approvals.Current(ctx, id, &first)
		if err != nil || a.Status != approval.StatusPending {
			return false
		}
		pending = a
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, h.lockHeld(t, "server-01", "restart"), "locks stay held while the step waits")
	return id, pending
}

func TestStepApproval_RejectReleasesLocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOptions) { o.cfg.StepApprovalRecheck = time.Hour })
	h.startPool(t)
	id, pending := h.parkOnStepGate(t)

	_, ex, err := h.engine.Reject(ctx, pending.ID, approval.Decision{Principal: "bob", TenantID: "t1", RunbookRef: "rb-1", Reason: "not now"})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRejected, ex.Status)
	assert.False(t, h.lockHeld(t, "server-01", "restart"))
	assert.Contains(t, h.eventTypes(t, id), execution.EventLockReleased)
	assert.Zero(t, h.shell.total())

	// Another execution on the same target is not blocked.
	other, err := h.engine.Submit(ctx, SubmitRequest{Plan: shellPlan("restart", "restart"), Actor: alice})
	require.NoError(t, err)
	_, _, err = h.engine.Approve(ctx, other.Approval.ID, bob)
	require.NoError(t, err)
	done, err := h.engine.Start(ctx, other.Execution.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, done.Status)
}

func TestStepApproval_CancelReleasesLocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOptions) { o.cfg.StepApprovalRecheck = time.Hour })
	h.startPool(t)
	id, _ := h.parkOnStepGate(t)

	_, err := h.engine.Cancel(ctx, id, alice, "maintenance window closed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.status(t, id) == execution.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !h.lockHeld(t, "server-01", "restart")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.shell.total())
}

func TestRun_TerminalExecutionDropsOwnedLocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, background)

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "host"), Actor: alice})
	require.NoError(t, err)
	id := res.Execution.ID
	require.Equal(t, execution.StatusApproved, res.Execution.Status)

	key := locks.NewKey("t1", "server-01", "inspect")
	_, err = h.locks.Acquire(ctx, key, id, time.Hour)
	require.NoError(t, err)
	ex, err := h.engine.Cancel(ctx, id, alice, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, ex.Status)
	assert.False(t, h.lockHeld(t, "server-01", "inspect"))

	// A lock left behind for a finished execution goes on its next run.
	_, err = h.locks.Acquire(ctx, key, id, time.Hour)
	require.NoError(t, err)
	ex, err = h.engine.drive(ctx, id, runOptions{workerID: "worker-1"})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, ex.Status)
	assert.False(t, h.lockHeld(t, "server-01", "inspect"))

	// Locks of other owners are left alone.
	_, err = h.locks.Acquire(ctx, key, "someone-else", time.Hour)
	require.NoError(t, err)
	_, err = h.engine.drive(ctx, id, runOptions{workerID: "worker-1"})
	require.NoError(t, err)
	assert.True(t, h.lockHeld(t, "server-01", "inspect"))
}

func TestDeadLetter_FailsExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, background, func(o *harnessOptions) {
		o.overrides = []am.PolicyOverride{{
			SLAClass: "fast", ActionClass: "read",
			ExecutionTimeoutMS: 30000, StepTimeoutMS: 1000, MaxAttempts: 2, MaxLeaseRenewals: 1,
		}}
	})

	_, err := h.locks.Acquire(ctx, locks.NewKey("t1", "server-01", "inspect"), "someone-else", time.Hour)
	require.NoError(t, err)

	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "true"), Actor: alice})
	require.NoError(t, err)
	id := res.Execution.ID
	h.startPool(t)

	require.Eventually(t, func() bool {
		return h.status(t, id) == execution.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	ex, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, errors.KindDeadLettered, ex.ErrorKind)
	types := h.eventTypes(t, id)
	assert.Contains(t, types, execution.EventRetryScheduled)
	assert.Contains(t, types, execution.EventDeadLettered)

	dead, err := h.engine.ListDLQ(ctx, alice, 10, false)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	_, err = h.engine.Redrive(ctx, dead[0].ID, alice)
	assert.Equal(t, errors.KindFSM, errors.KindOf(err), "a failed execution is not redriven")
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res, err := h.engine.Submit(ctx, SubmitRequest{Plan: readPlan("inspect", "true"), Actor: alice})
	require.NoError(t, err)

	view, err := h.engine.Get(ctx, res.Execution.ID, alice)
	require.NoError(t, err)
	assert.Len(t, view.Steps, 1)

	_, err = h.engine.Get(ctx, res.Execution.ID, &authz.Actor{ID: "eve", TenantID: "t2"})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestEstimate(t *testing.T) {
	h := newHarness(t)
	p := shellPlan("inspect", "a", "b")
	p.Targets = []string{"server-01", "server-02"}
	p.Steps = append(p.Steps, plan.Step{Name: "pause", Kind: plan.StepWait, Wait: &plan.WaitStep{DurationMS: 100}})

	assert.Equal(t, 2*(10*time.Millisecond+10*time.Millisecond+100*time.Millisecond), h.engine.Estimate(p))

	h.engine.tracker.Observe(policy.TrackerKey("inspect", string(plan.StepShell)), time.Second)
	assert.Equal(t, 2*(time.Second+time.Second+100*time.Millisecond), h.engine.Estimate(p))
}
