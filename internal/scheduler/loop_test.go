package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-schedd/internal/bus"
	"github.com/basket/go-schedd/internal/executor"
	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/notify"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/scheduler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type harness struct {
	store     *persistence.Store
	clock     *fakeClock
	bus       *bus.Bus
	leases    *lease.Manager
	loop      *scheduler.Loop
	svc       *scheduler.Service
	taskID    string
	sessionID string
}

func newHarness(t *testing.T, ex executor.Executor, mutate func(*scheduler.Config)) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "schedd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	ctx := context.Background()
	taskID, err := store.CreateTask(ctx, "", "send digest")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	sessionID, err := store.CreateSession(ctx, "", "digest session")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	leases := lease.NewManager(lease.Config{
		Store:           store,
		WorkerID:        "w1",
		LeaseDuration:   30 * time.Second,
		Policy:          lease.RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		NotifyOnFailure: true,
		Inbox:           notify.New(notify.Config{Store: store}),
		Bus:             b,
	})
	cfg := scheduler.Config{
		Store:           store,
		Leases:          leases,
		Executor:        ex,
		Bus:             b,
		PollInterval:    time.Hour,
		RenewInterval:   10 * time.Millisecond,
		DispatchTimeout: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := scheduler.New(cfg)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	t.Cleanup(func() { loop.Drain(2 * time.Second) })

	return &harness{
		store:     store,
		clock:     clock,
		bus:       b,
		leases:    leases,
		loop:      loop,
		svc:       scheduler.NewService(store, leases, 3, nil),
		taskID:    taskID,
		sessionID: sessionID,
	}
}

func (h *harness) schedule(t *testing.T, at time.Time, maxRetries int) *persistence.ScheduledTask {
	t.Helper()
	st, err := h.svc.Schedule(context.Background(), scheduler.ScheduleRequest{
		TaskID: h.taskID, SessionID: h.sessionID, ExecuteAt: at, MaxRetries: &maxRetries,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return st
}

func (h *harness) get(t *testing.T, id string) *persistence.ScheduledTask {
	t.Helper()
	st, err := h.store.GetScheduledTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return st
}

func (h *harness) notifications(t *testing.T) []persistence.Notification {
	t.Helper()
	list, err := h.store.ListNotifications(context.Background(), h.sessionID, false, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return list
}

// blockingExecutor runs until its context ends and remembers why it stopped.
type blockingExecutor struct {
	started chan executor.Request
	stopped chan error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan executor.Request, 8), stopped: make(chan error, 8)}
}

func (b *blockingExecutor) Execute(ctx context.Context, req executor.Request) error {
	b.started <- req
	<-ctx.Done()
	b.stopped <- ctx.Err()
	return ctx.Err()
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting on channel")
	}
	var zero T
	return zero
}

func TestLoop_DueTaskCompletesWithOneNotification(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, executor.Func(func(ctx context.Context, req executor.Request) error {
		calls.Add(1)
		return nil
	}), nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now().Add(-time.Second), 3)
	n, err := h.loop.PollOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("poll = %d %v", n, err)
	}
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Completed == 1 })

	got := h.get(t, st.ID)
	if got.Status != persistence.StatusCompleted || got.LockedUntil != nil || got.LeaseOwner != "" {
		t.Fatalf("row = %+v", got)
	}
	inbox := h.notifications(t)
	if len(inbox) != 1 || inbox[0].Type != persistence.NotificationTaskComplete || !inbox[0].Unread() {
		t.Fatalf("inbox = %+v", inbox)
	}
	if calls.Load() != 1 {
		t.Fatalf("executor calls = %d", calls.Load())
	}
	if n, _ := h.loop.PollOnce(ctx); n != 0 {
		t.Fatalf("completed task dispatched again: %d", n)
	}
}

func TestLoop_FutureTaskWaits(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.Request) error { return nil }), nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now().Add(time.Minute), 0)
	if n, _ := h.loop.PollOnce(ctx); n != 0 {
		t.Fatalf("future task dispatched: %d", n)
	}
	h.clock.Advance(time.Minute)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("due task not dispatched: %d", n)
	}
	waitFor(t, 5*time.Second, func() bool { return h.get(t, st.ID).Status == persistence.StatusCompleted })
}

func TestLoop_ConcurrencyLimitLeavesExtraTasksPending(t *testing.T) {
	var active, peak atomic.Int32
	gate := make(chan struct{})
	h := newHarness(t, executor.Func(func(ctx context.Context, req executor.Request) error {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	}), func(cfg *scheduler.Config) { cfg.Concurrency = 2 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.schedule(t, h.clock.Now().Add(-time.Duration(i+1)*time.Second), 0)
	}
	if n, err := h.loop.PollOnce(ctx); err != nil || n != 2 {
		t.Fatalf("poll = %d %v", n, err)
	}
	counts, err := h.svc.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[persistence.StatusRunning] != 2 || counts[persistence.StatusPending] != 3 {
		t.Fatalf("counts = %v", counts)
	}

	close(gate)
	waitFor(t, 10*time.Second, func() bool {
		_, _ = h.loop.PollOnce(ctx)
		c, _ := h.svc.Counts(ctx)
		return c[persistence.StatusCompleted] == 5
	})
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestLoop_RetriesThenFailsPermanently(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, executor.Func(func(context.Context, executor.Request) error {
		calls.Add(1)
		return errors.New("upstream unavailable")
	}), nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now(), 1)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("first poll = %d", n)
	}
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Retried == 1 })

	got := h.get(t, st.ID)
	if got.Status != persistence.StatusPending || got.Attempt != 1 || !got.ExecuteAt.After(h.clock.Now()) {
		t.Fatalf("after first failure = %+v", got)
	}
	if n, _ := h.loop.PollOnce(ctx); n != 0 {
		t.Fatalf("retry ran before its backoff: %d", n)
	}

	h.clock.Advance(got.ExecuteAt.Sub(h.clock.Now()))
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("retry poll = %d", n)
	}
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Failed == 1 })

	got = h.get(t, st.ID)
	if got.Status != persistence.StatusFailed || got.Attempt != 2 || got.ErrorMessage != "upstream unavailable" {
		t.Fatalf("final = %+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("executor calls = %d, want 2", calls.Load())
	}
	inbox := h.notifications(t)
	if len(inbox) != 1 || inbox[0].Type != persistence.NotificationError {
		t.Fatalf("inbox = %+v", inbox)
	}

	events, err := h.svc.Events(ctx, st.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.EventType)
	}
	want := "created,claimed,failed,retry_scheduled,claimed,failed"
	if strings.Join(kinds, ",") != want {
		t.Fatalf("events = %v, want %s", kinds, want)
	}
}

func TestLoop_ExecuteTimeoutFailsAttempt(t *testing.T) {
	ex := newBlockingExecutor()
	h := newHarness(t, ex, func(cfg *scheduler.Config) { cfg.ExecuteTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now(), 0)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("poll = %d", n)
	}
	if err := receive(t, ex.stopped); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("executor stopped with %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Failed == 1 })
	if got := h.get(t, st.ID); !strings.Contains(got.ErrorMessage, "timed out") {
		t.Fatalf("error = %q", got.ErrorMessage)
	}
}

func TestLoop_ReclaimedLeaseCancelsExecutionAndDropsResult(t *testing.T) {
	ex := newBlockingExecutor()
	h := newHarness(t, ex, nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now(), 3)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("poll = %d", n)
	}
	receive(t, ex.started)

	other := lease.NewManager(lease.Config{Store: h.store, WorkerID: "w2", LeaseDuration: 30 * time.Second})
	var taken *lease.Lease
	waitFor(t, 5*time.Second, func() bool {
		h.clock.Advance(31 * time.Second)
		res, l, err := other.Claim(ctx, st.ID, 0)
		if err != nil {
			t.Fatalf("competing claim: %v", err)
		}
		taken = l
		return res == lease.ClaimClaimed
	})
	if !taken.Reclaimed {
		t.Fatal("expected a reclaim")
	}

	if err := receive(t, ex.stopped); !errors.Is(err, context.Canceled) {
		t.Fatalf("executor stopped with %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().LeaseLost == 1 })

	got := h.get(t, st.ID)
	if got.Status != persistence.StatusRunning || got.LeaseOwner != taken.Owner {
		t.Fatalf("row = %+v", got)
	}
	if len(h.notifications(t)) != 0 {
		t.Fatal("lost lease must not produce a notification")
	}
}

func TestLoop_CancelDuringExecution(t *testing.T) {
	ex := newBlockingExecutor()
	h := newHarness(t, ex, nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now(), 3)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("poll = %d", n)
	}
	receive(t, ex.started)
	lostSub := h.bus.Subscribe(bus.TopicScheduledLeaseLost)
	defer h.bus.Unsubscribe(lostSub)

	if res, err := h.svc.Cancel(ctx, st.ID); err != nil || res != lease.CancelCancelled {
		t.Fatalf("cancel = %s %v", res, err)
	}
	receive(t, ex.stopped)
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Cancelled == 1 })

	if got := h.get(t, st.ID); got.Status != persistence.StatusCancelled || got.LockedUntil != nil {
		t.Fatalf("row = %+v", got)
	}
	if len(h.notifications(t)) != 0 {
		t.Fatal("cancelled task must not notify")
	}
	if s := h.loop.Status(); s.LeaseLost != 0 {
		t.Fatalf("cancel counted as lease lost: %+v", s)
	}
	select {
	case ev := <-lostSub.Ch():
		t.Fatalf("cancel published a lease lost event: %+v", ev)
	default:
	}
}

func TestLoop_ReleaseRetriesTransientStoreError(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, executor.Func(func(ctx context.Context, req executor.Request) error {
		calls.Add(1)
		return nil
	}), nil)
	ctx := context.Background()
	db := h.store.DB()

	if _, err := db.ExecContext(ctx, `CREATE TRIGGER refuse_completion BEFORE UPDATE ON scheduled_tasks
		WHEN NEW.status = 'completed'
		BEGIN SELECT RAISE(ABORT, 'disk unavailable'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	st := h.schedule(t, h.clock.Now(), 3)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("poll = %d", n)
	}
	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(h.loop.Status().LastError, "disk unavailable")
	})
	if got := h.get(t, st.ID); got.Status != persistence.StatusRunning {
		t.Fatalf("row after failed release = %+v", got)
	}
	if _, err := db.ExecContext(ctx, `DROP TRIGGER refuse_completion`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Completed == 1 })
	got := h.get(t, st.ID)
	if got.Status != persistence.StatusCompleted || got.Attempt != 0 || got.LeaseOwner != "" {
		t.Fatalf("row = %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("executor calls = %d, want 1", calls.Load())
	}
	if inbox := h.notifications(t); len(inbox) != 1 {
		t.Fatalf("inbox = %+v", inbox)
	}
}

func TestLoop_StartWakesOnNewDueTask(t *testing.T) {
	done := make(chan string, 1)
	h := newHarness(t, executor.Func(func(_ context.Context, req executor.Request) error {
		done <- req.ScheduledTaskID
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.loop.Start(ctx)
	h.loop.Start(ctx)

	st := h.schedule(t, h.clock.Now(), 0)
	if id := receive(t, done); id != st.ID {
		t.Fatalf("executed %s, want %s", id, st.ID)
	}
	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Completed == 1 })
	if h.loop.Status().LastPoll.IsZero() {
		t.Fatal("last poll not recorded")
	}
}

func TestLoop_DrainCancelsStuckExecution(t *testing.T) {
	ex := newBlockingExecutor()
	h := newHarness(t, ex, nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now(), 3)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("poll = %d", n)
	}
	receive(t, ex.started)

	if h.loop.Drain(50 * time.Millisecond) {
		t.Fatal("drain should time out while the executor is blocked")
	}
	if err := receive(t, ex.stopped); !errors.Is(err, context.Canceled) {
		t.Fatalf("executor stopped with %v", err)
	}
	if got := h.get(t, st.ID); got.Status != persistence.StatusRunning || got.LockedUntil == nil {
		t.Fatalf("row = %+v, want running with a lease left to expire", got)
	}
	s := h.loop.Status()
	if s.Completed+s.Failed+s.Retried != 0 {
		t.Fatalf("interrupted execution recorded an outcome: %+v", s)
	}
}

func TestLoop_DrainTimeoutStillReleasesSuccess(t *testing.T) {
	proceed := make(chan struct{})
	started := make(chan struct{}, 1)
	h := newHarness(t, executor.Func(func(ctx context.Context, req executor.Request) error {
		started <- struct{}{}
		<-proceed
		return nil
	}), nil)
	ctx := context.Background()

	st := h.schedule(t, h.clock.Now(), 3)
	if n, _ := h.loop.PollOnce(ctx); n != 1 {
		t.Fatalf("poll = %d", n)
	}
	receive(t, started)

	drained := make(chan bool, 1)
	go func() { drained <- h.loop.Drain(50 * time.Millisecond) }()
	time.Sleep(100 * time.Millisecond)
	close(proceed)
	if receive(t, drained) {
		t.Fatal("drain should report the timeout")
	}

	waitFor(t, 5*time.Second, func() bool { return h.loop.Status().Completed == 1 })
	got := h.get(t, st.ID)
	if got.Status != persistence.StatusCompleted || got.Attempt != 0 || got.LockedUntil != nil {
		t.Fatalf("row = %+v, want completed on the first attempt", got)
	}
	if inbox := h.notifications(t); len(inbox) != 1 || inbox[0].Type != persistence.NotificationTaskComplete {
		t.Fatalf("inbox = %+v", inbox)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := scheduler.New(scheduler.Config{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
	h := newHarness(t, executor.Func(func(context.Context, executor.Request) error { return nil }), nil)
	_, err := scheduler.New(scheduler.Config{
		Store:         h.store,
		Leases:        h.leases,
		Executor:      executor.Func(func(context.Context, executor.Request) error { return nil }),
		RenewInterval: time.Minute,
	})
	if err == nil {
		t.Fatal("expected error for renew interval >= lease duration")
	}
}

func TestService_ScheduleDefaultsAndValidation(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.Request) error { return nil }), nil)
	ctx := context.Background()

	st, err := h.svc.Schedule(ctx, scheduler.ScheduleRequest{TaskID: h.taskID, ExecuteAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if st.MaxRetries != 3 || st.SessionID != "" || st.Status != persistence.StatusPending {
		t.Fatalf("scheduled = %+v", st)
	}
	neg := -1
	if _, err := h.svc.Schedule(ctx, scheduler.ScheduleRequest{TaskID: h.taskID, ExecuteAt: h.clock.Now(), MaxRetries: &neg}); err == nil {
		t.Fatal("expected error for negative max_retries")
	}
	if _, err := h.svc.Schedule(ctx, scheduler.ScheduleRequest{TaskID: h.taskID}); err == nil {
		t.Fatal("expected error for missing execute_at")
	}
	if _, err := h.svc.Schedule(ctx, scheduler.ScheduleRequest{TaskID: "ghost", ExecuteAt: h.clock.Now()}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown task: %v", err)
	}

	due, err := h.svc.ListDue(ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != st.ID {
		t.Fatalf("due = %+v %v", due, err)
	}
	if _, err := h.svc.Cancel(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("cancel missing: %v", err)
	}
}

func TestService_DeleteRefusesRunningTask(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.Request) error { return nil }), nil)
	ctx := context.Background()

	st, err := h.svc.Schedule(ctx, scheduler.ScheduleRequest{TaskID: h.taskID, ExecuteAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	res, held, err := h.leases.Claim(ctx, st.ID, 0)
	if err != nil || res != lease.ClaimClaimed {
		t.Fatalf("claim = %s, %v", res, err)
	}
	if err := h.svc.Delete(ctx, st.ID); err == nil {
		t.Fatal("expected delete of a running task to fail")
	}
	if _, err := h.leases.Release(ctx, held, lease.Succeeded()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.svc.Delete(ctx, st.ID); err != nil {
		t.Fatalf("delete completed task: %v", err)
	}
	if _, err := h.svc.Get(ctx, st.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if err := h.svc.Delete(ctx, st.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
