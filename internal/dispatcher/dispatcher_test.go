package dispatcher

import (
	"context"
	"testing"
	"time"

	"callaudit-engine/internal/campaign"
	"callaudit-engine/internal/executor"
	"callaudit-engine/internal/queue"
	"callaudit-engine/internal/ratelimit"
)

// End-to-end scenarios on the in-memory store and queue with a scripted
// executor: everything real except the external audit call.

type harness struct {
	store *campaign.MemoryStore
	svc   *campaign.Service
	queue *queue.MemoryQueue
	exec  *executor.ScriptedExecutor
	disp  *Dispatcher
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	store := campaign.NewMemoryStore()
	q := queue.NewMemoryQueue(maxRetries)
	svc := campaign.NewService(store, q, campaign.Options{MinFailureSample: 2, StaleAfter: 2 * time.Minute})
	exec := executor.NewScriptedExecutor()
	disp := New(svc, q, ratelimit.New(600), exec, nil, Config{
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		MaxWorkers:    4,
	})
	return &harness{store: store, svc: svc, queue: q, exec: exec, disp: disp}
}

func (h *harness) createAndStart(t *testing.T, jobs int, cfg campaign.Config) *campaign.Campaign {
	t.Helper()
	req := campaign.CreateRequest{WorkspaceID: "ws-1", Name: "batch", Config: cfg}
	for i := 0; i < jobs; i++ {
		req.Jobs = append(req.Jobs, campaign.JobInput{AudioURL: "https://cdn.example.com/calls/rec.mp3"})
	}
	c, err := h.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c
}

// run starts the dispatcher loop and returns a stop func.
func run(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (h *harness) status(t *testing.T, id string) campaign.StatusReport {
	t.Helper()
	rep, err := h.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return rep
}

func TestCampaignRunsToCompletion(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 5, campaign.Config{RPM: 600, FailureThresholdPercent: 100})

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusCompleted
	}, "campaign completion")

	rep := h.status(t, c.ID)
	if rep.CompletedJobs != 5 || rep.FailedJobs != 0 {
		t.Fatalf("completed=%d failed=%d, want 5/0", rep.CompletedJobs, rep.FailedJobs)
	}
	if len(h.exec.Calls()) != 5 {
		t.Fatalf("executor saw %d calls, want 5", len(h.exec.Calls()))
	}
	got, _ := h.svc.Get(context.Background(), c.ID)
	for _, j := range got.Jobs {
		if j.AuditID == "" {
			t.Fatalf("job %s completed without an audit id", j.ID)
		}
	}
}

func TestFailureThresholdPausesCampaign(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 4, campaign.Config{RPM: 600, FailureThresholdPercent: 50})

	// First three jobs fail terminally; the breaker (min sample 2) must
	// pause the campaign before it can complete.
	got, _ := h.svc.Get(context.Background(), c.ID)
	for _, j := range got.Jobs[:3] {
		h.exec.Script(j.ID, executor.Outcome{Err: &executor.Error{Message: "invalid audio format", StatusCode: 422}})
	}

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusPaused
	}, "breaker pause")

	rep := h.status(t, c.ID)
	if rep.PauseReason != campaign.PauseFailureThreshold {
		t.Fatalf("pause reason = %q, want failure_threshold", rep.PauseReason)
	}
	if rep.FailedJobs < 2 {
		t.Fatalf("failed=%d, breaker tripped with less than the minimum sample", rep.FailedJobs)
	}
}

func TestRetryableFailureExhaustsBudget(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 1, campaign.Config{RPM: 600, FailureThresholdPercent: 0})
	jobID := c.Jobs[0].ID

	// Always-retryable outcome: the retry budget runs out and the job
	// dead-letters as failed.
	h.exec.Default = func(req executor.Request) (executor.Result, error) {
		return executor.Result{}, &executor.Error{Message: "upstream flapping", Retryable: true, StatusCode: 503}
	}

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusCompleted
	}, "campaign settling")

	rep := h.status(t, c.ID)
	if rep.FailedJobs != 1 {
		t.Fatalf("failed=%d, want 1", rep.FailedJobs)
	}
	got, _ := h.svc.Get(context.Background(), c.ID)
	j := got.JobByID(jobID)
	if j.Attempts != 3 {
		t.Fatalf("attempts = %d, want the full budget of 3", j.Attempts)
	}
	if j.Error == "" {
		t.Fatal("exhausted job lost its error message")
	}
	dead, _ := h.queue.DeadLetters(context.Background(), c.ID)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
}

func TestTerminalFailureBypassesRetries(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 1, campaign.Config{RPM: 600, FailureThresholdPercent: 0})
	jobID := c.Jobs[0].ID

	h.exec.Script(jobID, executor.Outcome{Err: &executor.Error{Message: "audio not found", StatusCode: 404}})

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusCompleted
	}, "campaign settling")

	if calls := h.exec.Calls(); len(calls) != 1 {
		t.Fatalf("executor saw %d calls for a terminal failure, want 1", len(calls))
	}
	got, _ := h.svc.Get(context.Background(), c.ID)
	if got.JobByID(jobID).Status != campaign.JobFailed {
		t.Fatal("terminal failure did not settle the job as failed")
	}
	dead, _ := h.queue.DeadLetters(context.Background(), c.ID)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
}

func TestMixedOutcomes(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 3, campaign.Config{RPM: 600, FailureThresholdPercent: 0})
	got, _ := h.svc.Get(context.Background(), c.ID)

	// Job 0 succeeds on the default path. Job 1 fails once retryably, then
	// succeeds. Job 2 fails terminally.
	h.exec.Script(got.Jobs[1].ID,
		executor.Outcome{Err: &executor.Error{Message: "timeout", Retryable: true}},
		executor.Outcome{Result: executor.Result{AuditID: "audit-retry", Score: 71}},
	)
	h.exec.Script(got.Jobs[2].ID, executor.Outcome{Err: &executor.Error{Message: "rejected", StatusCode: 400}})

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusCompleted
	}, "campaign settling")

	rep := h.status(t, c.ID)
	if rep.CompletedJobs != 2 || rep.FailedJobs != 1 {
		t.Fatalf("completed=%d failed=%d, want 2/1", rep.CompletedJobs, rep.FailedJobs)
	}

	final, _ := h.svc.Get(context.Background(), c.ID)
	retried := final.JobByID(got.Jobs[1].ID)
	if retried.Status != campaign.JobCompleted || retried.AuditID != "audit-retry" {
		t.Fatalf("retried job = %s/%s", retried.Status, retried.AuditID)
	}
	if retried.Error == "" {
		t.Fatal("retried job should keep its last error for the audit trail")
	}
	if retried.Attempts != 1 {
		t.Fatalf("retried job attempts = %d, want 1", retried.Attempts)
	}
}

func TestCancelStopsDispatch(t *testing.T) {
	h := newHarness(t, 3)

	// Slow executor so cancel lands while jobs are still queued.
	release := make(chan struct{})
	h.exec.Default = func(req executor.Request) (executor.Result, error) {
		<-release
		return executor.Result{AuditID: "audit-" + req.JobID}, nil
	}
	c := h.createAndStart(t, 10, campaign.Config{RPM: 600, FailureThresholdPercent: 0})

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(h.exec.Calls()) >= 1
	}, "first dispatch")

	if _, err := h.svc.Cancel(context.Background(), c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	// Every executor call that was already in flight settles its job; no new
	// dispatches happen after the cancel.
	waitFor(t, 5*time.Second, func() bool {
		rep := h.status(t, c.ID)
		return rep.Status == campaign.StatusCancelled && rep.CompletedJobs == len(h.exec.Calls())
	}, "in-flight results after cancel")

	rep := h.status(t, c.ID)
	if rep.CompletedJobs+rep.FailedJobs >= rep.TotalJobs {
		t.Fatalf("cancel settled every job: %+v", rep)
	}
}

func TestRateLimiterBoundsDispatchRate(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 5, campaign.Config{RPM: 2, FailureThresholdPercent: 0})

	stop := run(t, h.disp)
	defer stop()

	// With rpm=2 only two jobs may start in the first window; the rest wait
	// for the window to reset, far beyond this test's horizon.
	waitFor(t, 5*time.Second, func() bool {
		return len(h.exec.Calls()) == 2
	}, "first window dispatches")
	time.Sleep(100 * time.Millisecond)
	if calls := len(h.exec.Calls()); calls != 2 {
		t.Fatalf("dispatched %d jobs in one window with rpm=2", calls)
	}

	rep := h.status(t, c.ID)
	if rep.Status != campaign.StatusProcessing {
		t.Fatalf("status = %s, want still processing", rep.Status)
	}
	if rep.CompletedJobs != 2 {
		t.Fatalf("completed = %d, want 2", rep.CompletedJobs)
	}
}

func TestResumePicksUpRemainingJobs(t *testing.T) {
	h := newHarness(t, 3)

	// Executor blocks until released, so the pause lands with work still
	// outstanding.
	release := make(chan struct{})
	h.exec.Default = func(req executor.Request) (executor.Result, error) {
		<-release
		return executor.Result{AuditID: "audit-" + req.JobID}, nil
	}
	c := h.createAndStart(t, 3, campaign.Config{RPM: 600, FailureThresholdPercent: 0})

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(h.exec.Calls()) >= 1
	}, "first dispatch")

	if _, err := h.svc.Pause(context.Background(), c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(release)

	if _, err := h.svc.Resume(context.Background(), c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusCompleted
	}, "completion after resume")

	rep := h.status(t, c.ID)
	if rep.CompletedJobs != 3 {
		t.Fatalf("completed = %d after resume, want 3", rep.CompletedJobs)
	}
}

func TestPersistentStoreFailureFailsCampaign(t *testing.T) {
	store := campaign.NewMemoryStore()
	q := queue.NewMemoryQueue(3)
	svc := campaign.NewService(store, q, campaign.Options{MinFailureSample: 2, StaleAfter: 2 * time.Minute})
	disp := New(svc, q, ratelimit.New(600), executor.NewScriptedExecutor(), nil, Config{
		PollInterval:     5 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		MaxWorkers:       4,
		FatalSaveRetries: 1,
	})
	h := &harness{store: store, svc: svc, queue: q, disp: disp}
	c := h.createAndStart(t, 1, campaign.Config{RPM: 600, FailureThresholdPercent: 0})

	// The job claim's save fails; with a budget of one the runner escalates
	// and the terminal-fail save goes through.
	store.FailSaves = 1

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		got, err := h.svc.Get(context.Background(), c.ID)
		return err == nil && got.Status == campaign.StatusFailed
	}, "store-fatal transition")
}

func TestBootRecoveryRedispatchesAbandonedJobs(t *testing.T) {
	h := newHarness(t, 3)
	c := h.createAndStart(t, 2, campaign.Config{RPM: 600, FailureThresholdPercent: 0})
	ctx := context.Background()

	// Simulate a crashed dispatcher: both jobs claimed, envelopes gone,
	// claims older than the visibility timeout.
	for _, j := range c.Jobs {
		if _, ok, err := h.queue.Dequeue(ctx, c.ID); err != nil || !ok {
			t.Fatalf("dequeue: ok=%v err=%v", ok, err)
		}
		if err := h.svc.BeginJob(ctx, c.ID, j.ID); err != nil {
			t.Fatalf("begin: %v", err)
		}
	}
	aged, err := h.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := range aged.Jobs {
		aged.Jobs[i].UpdatedAt = aged.Jobs[i].UpdatedAt.Add(-5 * time.Minute)
	}
	if err := h.store.Save(ctx, aged); err != nil {
		t.Fatalf("backdate save: %v", err)
	}

	stop := run(t, h.disp)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		return h.status(t, c.ID).Status == campaign.StatusCompleted
	}, "recovery and completion")

	rep := h.status(t, c.ID)
	if rep.CompletedJobs != 2 {
		t.Fatalf("completed = %d after recovery, want 2", rep.CompletedJobs)
	}
}
