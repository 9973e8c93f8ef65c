// Package orchestrator runs the monitoring loop: admission, status polling,
// persistence, and retention cleanup, in fixed-length cycles.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/poller"
	"github.com/iamcos/labrunner/internal/queue"
	"github.com/iamcos/labrunner/internal/store"
	"github.com/iamcos/labrunner/internal/telemetry"
)

// SetupError is the only fatal error class: the process cannot do useful
// work at all (no server reachable, unusable state path). Callers exit 1.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup: %v", e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// Pinger checks that one server's Execution Service answers.
type Pinger interface {
	Ping(ctx context.Context, server string) error
}

// Preflight verifies at least one server is reachable. All unreachable is a
// SetupError; partial reachability is only logged.
func Preflight(ctx context.Context, p Pinger, servers []string, log *zap.Logger) error {
	if len(servers) == 0 {
		return &SetupError{Err: fmt.Errorf("no servers configured")}
	}
	reachable := 0
	for _, s := range servers {
		if err := p.Ping(ctx, s); err != nil {
			log.Warn("server unreachable", zap.String("server", s), zap.Error(err))
			continue
		}
		reachable++
	}
	if reachable == 0 {
		return &SetupError{Err: fmt.Errorf("none of %d servers reachable", len(servers))}
	}
	return nil
}

// Orchestrator owns one monitoring loop over a set of servers.
type Orchestrator struct {
	mgr     *queue.Manager
	svc     execution.Service
	poll    *poller.Poller
	fs      *store.FileStore
	archive *store.Archive // optional

	servers            []string
	interval           time.Duration
	retentionAge       time.Duration
	cleanupEveryCycles int

	log    *zap.Logger
	cycles int
	now    func() time.Time
}

// Options for the loop; zero values fall back to defaults.
type Options struct {
	Servers            []string
	Interval           time.Duration
	RetentionAge       time.Duration
	CleanupEveryCycles int
}

// New builds an orchestrator. archive may be nil to skip archival.
func New(mgr *queue.Manager, svc execution.Service, poll *poller.Poller, fs *store.FileStore, archive *store.Archive, opts Options, log *zap.Logger) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.RetentionAge <= 0 {
		opts.RetentionAge = 7 * 24 * time.Hour
	}
	if opts.CleanupEveryCycles <= 0 {
		opts.CleanupEveryCycles = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		mgr:                mgr,
		svc:                svc,
		poll:               poll,
		fs:                 fs,
		archive:            archive,
		servers:            opts.Servers,
		interval:           opts.Interval,
		retentionAge:       opts.RetentionAge,
		cleanupEveryCycles: opts.CleanupEveryCycles,
		log:                log.Named("orchestrator"),
		now:                time.Now,
	}
}

// RunCycle performs one admission+start+poll pass over every server, then
// persists the state document. Persistence failure is logged and retried next
// cycle; the in-memory state is never discarded.
func (o *Orchestrator) RunCycle(ctx context.Context) poller.Summary {
	o.cycles++
	now := o.now()

	for _, server := range o.servers {
		o.mgr.Admit(server, now)
		// Submit every admitted run that has no remote handle yet. This also
		// retries runs whose start failed in transport on an earlier cycle.
		for _, job := range o.mgr.Running(server) {
			if job.BacktestID != "" {
				continue
			}
			o.startJob(ctx, job)
		}
	}

	sum := o.poll.PollAll(ctx, o.servers)

	if o.cycles%o.cleanupEveryCycles == 0 {
		removed := o.mgr.CleanupTerminal(o.retentionAge, now, o.archiveFn(ctx))
		if removed > 0 {
			o.log.Info("retention cleanup", zap.Int("removed", removed))
		}
	}

	if err := o.fs.Save(o.mgr.State()); err != nil {
		o.log.Error("state save failed, retrying next cycle", zap.Error(err))
	}

	o.log.Info("cycle complete",
		zap.Int("cycle", o.cycles),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("timeout", sum.TimedOut),
		zap.Int("running", sum.Running),
		zap.Int("skipped", sum.Skipped))
	return sum
}

// startJob submits one admitted job to the Execution Service and records the
// returned handle. An explicit rejection fails the job; a transport error
// leaves it RUNNING without a handle so the next cycle retries the start.
func (o *Orchestrator) startJob(ctx context.Context, job *models.Job) {
	spec := execution.RunSpec{
		Server:    job.Server,
		ScriptID:  job.ScriptID,
		Market:    job.Market,
		AccountID: job.AccountID,
	}
	if job.WindowStart != nil {
		spec.Start = *job.WindowStart
	}
	if job.WindowEnd != nil {
		spec.End = *job.WindowEnd
	}

	h, err := o.svc.Start(ctx, spec)
	switch {
	case err == nil:
		o.mgr.WithJob(job.ID, func(j *models.Job) {
			j.LabID = h.LabID
			j.BacktestID = h.BacktestID
		})
		o.log.Info("run started",
			zap.String("job_id", job.ID),
			zap.String("server", job.Server),
			zap.String("backtest_id", h.BacktestID))
	case execution.IsTransport(err):
		o.log.Warn("run start failed in transport, retrying next cycle",
			zap.String("job_id", job.ID),
			zap.String("server", job.Server),
			zap.Error(err))
	default:
		o.mgr.MarkTerminal(job.ID, models.StatusFailed, err.Error(), nil, o.now())
		telemetry.JobsFailed.Inc()
		o.log.Warn("run rejected",
			zap.String("job_id", job.ID),
			zap.String("server", job.Server),
			zap.Error(err))
	}
}

func (o *Orchestrator) archiveFn(ctx context.Context) func(*models.Job) error {
	if o.archive == nil {
		return nil
	}
	return func(j *models.Job) error {
		return o.archive.ArchiveJob(ctx, j)
	}
}

// Run loops RunCycle until the context is cancelled. RUNNING jobs are left
// untouched in persisted state and resume transparently on the next start.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.log.Info("monitoring stopped", zap.Int("cycles", o.cycles))
			return ctx.Err()
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// ActiveJobs reports whether any job is still PENDING or RUNNING, for
// run-until-done workflows.
func (o *Orchestrator) ActiveJobs() bool {
	for _, j := range o.mgr.Jobs() {
		if !j.Status.Terminal() {
			return true
		}
	}
	return false
}
