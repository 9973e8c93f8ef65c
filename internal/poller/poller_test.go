package poller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/queue"
	"github.com/iamcos/labrunner/internal/store"
)

type fakeService struct {
	poll func(h execution.Handle) (execution.PollResult, error)
}

func (f *fakeService) Start(_ context.Context, spec execution.RunSpec) (execution.Handle, error) {
	return execution.Handle{Server: spec.Server, BacktestID: "bt-1"}, nil
}

func (f *fakeService) Poll(_ context.Context, h execution.Handle) (execution.PollResult, error) {
	return f.poll(h)
}

func (f *fakeService) Cancel(context.Context, execution.Handle) error { return nil }

func runningJob(mgr *queue.Manager, id, server string, started time.Time) {
	mgr.Enqueue(&models.Job{
		ID: id, Server: server, ScriptID: "s", Market: "m",
		BacktestID: "bt-" + id,
		CreatedAt:  started,
	})
	mgr.Admit(server, started)
}

func TestTimeoutTransition(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 2, nil)
	now := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	runningJob(mgr, "A", "srv1", now.Add(-3*time.Hour))

	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		t.Fatal("probe must not run for a timed-out job")
		return execution.PollResult{}, nil
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	sum := p.PollServer(context.Background(), "srv1")
	if sum.TimedOut != 1 {
		t.Fatalf("timed out = %d, want 1", sum.TimedOut)
	}

	j, _ := mgr.Job("A")
	if j.Status != models.StatusTimeout {
		t.Fatalf("status = %s, want TIMEOUT", j.Status)
	}
	if j.Error == nil || !strings.Contains(*j.Error, "Timeout after 3.0 hours") {
		t.Fatalf("error message = %v", j.Error)
	}
	if mgr.RunningCount("srv1") != 0 {
		t.Fatalf("slot not released after timeout")
	}
}

func TestPerJobTimeoutOverride(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 2, nil)
	now := time.Now()
	mgr.Enqueue(&models.Job{
		ID: "A", Server: "srv1", BacktestID: "bt-A", CreatedAt: now,
		MaxDuration: 30 * time.Minute,
	})
	mgr.Admit("srv1", now.Add(-time.Hour))

	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		return execution.PollResult{State: execution.StateRunning}, nil
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	p.PollServer(context.Background(), "srv1")
	j, _ := mgr.Job("A")
	if j.Status != models.StatusTimeout {
		t.Fatalf("override ignored: status = %s", j.Status)
	}
}

func TestCompletedStoresResult(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 2, nil)
	now := time.Now()
	runningJob(mgr, "A", "srv1", now.Add(-time.Minute))

	payload := json.RawMessage(`{"roi": 12.5, "trade_count": 40}`)
	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		return execution.PollResult{State: execution.StateCompleted, Progress: 100, Result: payload}, nil
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	sum := p.PollServer(context.Background(), "srv1")
	if sum.Completed != 1 {
		t.Fatalf("completed = %d, want 1", sum.Completed)
	}
	j, _ := mgr.Job("A")
	if j.Status != models.StatusCompleted || string(j.Result) != string(payload) {
		t.Fatalf("job = %s result=%s", j.Status, j.Result)
	}
	if j.CompletedAt == nil || j.Progress != 100 {
		t.Fatalf("completion bookkeeping: %v %v", j.CompletedAt, j.Progress)
	}
}

func TestExplicitFailure(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 2, nil)
	now := time.Now()
	runningJob(mgr, "A", "srv1", now.Add(-time.Minute))

	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		return execution.PollResult{}, &execution.RunFailure{Server: "srv1", Message: "invalid script"}
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	p.PollServer(context.Background(), "srv1")
	j, _ := mgr.Job("A")
	if j.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", j.Status)
	}
	if j.Error == nil || !strings.Contains(*j.Error, "invalid script") {
		t.Fatalf("error = %v", j.Error)
	}
}

func TestTransportErrorKeepsJobRunning(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 2, nil)
	now := time.Now()
	runningJob(mgr, "A", "srv1", now.Add(-time.Minute))
	mgr.Observe("A", 40, false, now.Add(-30*time.Second))

	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		return execution.PollResult{}, &execution.TransportError{Op: "poll", Server: "srv1", Err: errors.New("connection refused")}
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	sum := p.PollServer(context.Background(), "srv1")
	if sum.Running != 1 {
		t.Fatalf("running = %d, want 1", sum.Running)
	}
	j, _ := mgr.Job("A")
	if j.Status != models.StatusRunning {
		t.Fatalf("transport error must not fail the job, status = %s", j.Status)
	}
	if !j.ProgressEstimated || j.Progress != 40 {
		t.Fatalf("expected estimated progress with last value kept: %v %v", j.ProgressEstimated, j.Progress)
	}
	if j.PollCount != 2 {
		t.Fatalf("poll count = %d, want 2", j.PollCount)
	}
}

func TestProbeFailureIsolatedPerJob(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 3, nil)
	now := time.Now()
	for _, id := range []string{"A", "B", "C"} {
		runningJob(mgr, id, "srv1", now.Add(-time.Minute))
	}

	calls := 0
	svc := &fakeService{}
	svc.poll = func(execution.Handle) (execution.PollResult, error) {
		calls++
		if calls == 2 {
			return execution.PollResult{}, &execution.TransportError{Op: "poll", Server: "srv1", Err: errors.New("boom")}
		}
		return execution.PollResult{State: execution.StateRunning, Progress: 10}, nil
	}

	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	p.PollServer(context.Background(), "srv1")
	if calls != 3 {
		t.Fatalf("one failing probe aborted siblings: %d calls", calls)
	}
}

func TestJobWithoutHandleNotPolled(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 1, nil)
	now := time.Now()
	// Admitted, but the remote start has not succeeded yet.
	mgr.Enqueue(&models.Job{ID: "A", Server: "srv1", CreatedAt: now})
	mgr.Admit("srv1", now)

	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		t.Fatal("job without a backtest id must not be probed")
		return execution.PollResult{}, nil
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	sum := p.PollServer(context.Background(), "srv1")
	if sum.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", sum.Skipped)
	}
	j, _ := mgr.Job("A")
	if j.Status != models.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", j.Status)
	}
}

func TestTerminalJobNotRepolled(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 1, nil)
	now := time.Now()
	runningJob(mgr, "A", "srv1", now.Add(-time.Minute))
	mgr.MarkTerminal("A", models.StatusCancelled, "cancelled", nil, now)
	// The id lingers nowhere: Running() is empty, so no probe fires.
	svc := &fakeService{poll: func(execution.Handle) (execution.PollResult, error) {
		t.Fatal("terminal job was re-polled")
		return execution.PollResult{}, nil
	}}
	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	sum := p.PollServer(context.Background(), "srv1")
	if sum != (Summary{}) {
		t.Fatalf("expected empty summary, got %+v", sum)
	}
}

func TestPollAllCoversServers(t *testing.T) {
	mgr := queue.NewManager(store.Empty(), 1, nil)
	now := time.Now()
	runningJob(mgr, "A", "srv1", now.Add(-time.Minute))
	runningJob(mgr, "B", "srv2", now.Add(-time.Minute))

	// Serialize the fake's slice access: PollAll probes servers concurrently.
	var (
		mu   sync.Mutex
		seen []string
	)
	svc := &fakeService{}
	svc.poll = func(h execution.Handle) (execution.PollResult, error) {
		mu.Lock()
		seen = append(seen, h.Server)
		mu.Unlock()
		return execution.PollResult{State: execution.StateCompleted, Result: json.RawMessage(`{}`)}, nil
	}

	p := New(mgr, svc, nil, 2*time.Hour, nil)
	p.now = func() time.Time { return now }

	sum := p.PollAll(context.Background(), []string{"srv1", "srv2"})
	if sum.Completed != 2 {
		t.Fatalf("completed = %d, want 2", sum.Completed)
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Fatalf("servers polled = %v", seen)
	}
}
