package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/poller"
	"github.com/iamcos/labrunner/internal/queue"
	"github.com/iamcos/labrunner/internal/store"
)

type fakePinger struct {
	up map[string]bool
}

func (f *fakePinger) Ping(_ context.Context, server string) error {
	if f.up[server] {
		return nil
	}
	return errors.New("unreachable")
}

func TestPreflightNoServers(t *testing.T) {
	err := Preflight(context.Background(), &fakePinger{}, nil, zap.NewNop())
	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("expected SetupError, got %v", err)
	}
}

func TestPreflightAllUnreachable(t *testing.T) {
	p := &fakePinger{up: map[string]bool{}}
	err := Preflight(context.Background(), p, []string{"srv1", "srv2"}, zap.NewNop())
	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("expected SetupError, got %v", err)
	}
}

func TestPreflightPartialReachability(t *testing.T) {
	p := &fakePinger{up: map[string]bool{"srv2": true}}
	if err := Preflight(context.Background(), p, []string{"srv1", "srv2"}, zap.NewNop()); err != nil {
		t.Fatalf("one reachable server should pass preflight: %v", err)
	}
}

// completingService accepts every start and reports every poll completed,
// recording both call streams.
type completingService struct {
	mu       sync.Mutex
	started  []execution.RunSpec
	polled   []execution.Handle
	startErr error
}

func (s *completingService) Start(_ context.Context, spec execution.RunSpec) (execution.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, spec)
	if s.startErr != nil {
		return execution.Handle{}, s.startErr
	}
	return execution.Handle{Server: spec.Server, LabID: "lab-1", BacktestID: "bt-" + spec.ScriptID}, nil
}

func (s *completingService) Poll(_ context.Context, h execution.Handle) (execution.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, h)
	return execution.PollResult{
		State:    execution.StateCompleted,
		Progress: 100,
		Result:   json.RawMessage(`{"roi": 1}`),
	}, nil
}

func (s *completingService) Cancel(context.Context, execution.Handle) error { return nil }

func (s *completingService) setStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *queue.Manager, *store.FileStore, *completingService) {
	t.Helper()
	mgr := queue.NewManager(store.Empty(), 2, nil)
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"), nil)
	svc := &completingService{}
	p := poller.New(mgr, svc, nil, 2*time.Hour, nil)
	return New(mgr, svc, p, fs, nil, opts, nil), mgr, fs, svc
}

func TestRunCycleStartsAdmittedJobs(t *testing.T) {
	o, mgr, _, svc := newTestOrchestrator(t, Options{Servers: []string{"srv1"}})
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 90)
	mgr.Enqueue(&models.Job{
		ID: "a", Server: "srv1", ScriptID: "scalper", Market: "BTC_USDT",
		AccountID: "acc-1", CreatedAt: time.Now(),
		WindowStart: &start, WindowEnd: &end,
	})

	o.RunCycle(context.Background())

	if len(svc.started) != 1 {
		t.Fatalf("start calls = %d, want 1", len(svc.started))
	}
	spec := svc.started[0]
	if spec.Server != "srv1" || spec.ScriptID != "scalper" || spec.Market != "BTC_USDT" || spec.AccountID != "acc-1" {
		t.Fatalf("run spec = %+v", spec)
	}
	if !spec.Start.Equal(start) || !spec.End.Equal(end) {
		t.Fatalf("run window = %v..%v, want %v..%v", spec.Start, spec.End, start, end)
	}

	// The handle from Start is recorded on the job and used by the probe.
	j, _ := mgr.Job("a")
	if j.LabID != "lab-1" || j.BacktestID != "bt-scalper" {
		t.Fatalf("handle not recorded: lab=%q backtest=%q", j.LabID, j.BacktestID)
	}
	if len(svc.polled) != 1 || svc.polled[0].BacktestID != "bt-scalper" {
		t.Fatalf("polled handles = %+v", svc.polled)
	}
	if j.Status != models.StatusCompleted {
		t.Fatalf("status = %s", j.Status)
	}
}

func TestRunCycleStartedOnceNotResubmitted(t *testing.T) {
	o, mgr, _, svc := newTestOrchestrator(t, Options{Servers: []string{"srv1"}})
	mgr.Enqueue(&models.Job{ID: "a", Server: "srv1", ScriptID: "s", CreatedAt: time.Now()})
	mgr.Enqueue(&models.Job{ID: "b", Server: "srv1", ScriptID: "s", CreatedAt: time.Now()})

	o.RunCycle(context.Background())
	o.RunCycle(context.Background())
	if len(svc.started) != 2 {
		t.Fatalf("start calls = %d, want one per job", len(svc.started))
	}
}

func TestRunCycleStartRejectionFailsJob(t *testing.T) {
	o, mgr, _, svc := newTestOrchestrator(t, Options{Servers: []string{"srv1"}})
	svc.setStartErr(&execution.RunFailure{Server: "srv1", Message: "invalid script"})
	mgr.Enqueue(&models.Job{ID: "a", Server: "srv1", ScriptID: "s", CreatedAt: time.Now()})

	sum := o.RunCycle(context.Background())
	if sum.Completed != 0 {
		t.Fatalf("completed = %d", sum.Completed)
	}
	j, _ := mgr.Job("a")
	if j.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", j.Status)
	}
	if j.Error == nil || !strings.Contains(*j.Error, "invalid script") {
		t.Fatalf("error = %v", j.Error)
	}
	if len(svc.polled) != 0 {
		t.Fatalf("rejected run was polled: %+v", svc.polled)
	}
}

func TestRunCycleStartTransportErrorRetriesNextCycle(t *testing.T) {
	o, mgr, _, svc := newTestOrchestrator(t, Options{Servers: []string{"srv1"}})
	svc.setStartErr(&execution.TransportError{Op: "start", Server: "srv1", Err: errors.New("connection refused")})
	mgr.Enqueue(&models.Job{ID: "a", Server: "srv1", ScriptID: "s", CreatedAt: time.Now()})

	o.RunCycle(context.Background())
	j, _ := mgr.Job("a")
	if j.Status != models.StatusRunning || j.BacktestID != "" {
		t.Fatalf("transport start failure must keep the job RUNNING without a handle: %s %q", j.Status, j.BacktestID)
	}
	if len(svc.polled) != 0 {
		t.Fatalf("job without a handle was polled")
	}

	// Remote back: the next cycle retries the start and completes the job.
	svc.setStartErr(nil)
	o.RunCycle(context.Background())
	if len(svc.started) != 2 {
		t.Fatalf("start calls = %d, want a retry", len(svc.started))
	}
	j, _ = mgr.Job("a")
	if j.Status != models.StatusCompleted || j.BacktestID == "" {
		t.Fatalf("retried start did not complete the job: %s %q", j.Status, j.BacktestID)
	}
}

func TestRunCycleAdmitsPollsAndSaves(t *testing.T) {
	o, mgr, fs, _ := newTestOrchestrator(t, Options{Servers: []string{"srv1"}})
	mgr.Enqueue(&models.Job{ID: "a", Server: "srv1", CreatedAt: time.Now()})

	sum := o.RunCycle(context.Background())
	if sum.Completed != 1 {
		t.Fatalf("completed = %d, want 1", sum.Completed)
	}
	j, _ := mgr.Job("a")
	if j.Status != models.StatusCompleted {
		t.Fatalf("status = %s", j.Status)
	}

	// The cycle must have persisted the result.
	st, err := fs.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Jobs["a"] == nil || st.Jobs["a"].Status != models.StatusCompleted {
		t.Fatalf("persisted state missing completion: %+v", st.Jobs["a"])
	}
}

func TestRunCycleRetentionCleanup(t *testing.T) {
	o, mgr, _, _ := newTestOrchestrator(t, Options{
		Servers:            []string{"srv1"},
		RetentionAge:       24 * time.Hour,
		CleanupEveryCycles: 1,
	})

	old := time.Now().Add(-48 * time.Hour)
	mgr.Enqueue(&models.Job{ID: "stale", Server: "srv1", CreatedAt: old})
	mgr.Admit("srv1", old)
	mgr.MarkTerminal("stale", models.StatusCompleted, "", nil, old)

	o.RunCycle(context.Background())
	if _, ok := mgr.Job("stale"); ok {
		t.Fatalf("stale terminal job survived retention cleanup")
	}
}

func TestActiveJobs(t *testing.T) {
	o, mgr, _, _ := newTestOrchestrator(t, Options{Servers: []string{"srv1"}})
	if o.ActiveJobs() {
		t.Fatalf("empty manager reports active jobs")
	}
	mgr.Enqueue(&models.Job{ID: "a", Server: "srv1", CreatedAt: time.Now()})
	if !o.ActiveJobs() {
		t.Fatalf("pending job not reported active")
	}
	o.RunCycle(context.Background())
	if o.ActiveJobs() {
		t.Fatalf("completed job still reported active")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Options{Servers: []string{"srv1"}, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
