// Package poller drives RUNNING jobs through their terminal transitions by
// probing the remote execution status once per monitoring cycle.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/queue"
	"github.com/iamcos/labrunner/internal/telemetry"
)

// Poller checks every RUNNING job once per cycle. A failure while probing one
// job never aborts its siblings.
type Poller struct {
	mgr            *queue.Manager
	svc            execution.Service
	limiter        *execution.ProbeLimiter
	defaultTimeout time.Duration
	log            *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Summary counts per-cycle outcomes for logging and CLI output.
type Summary struct {
	Completed int
	Failed    int
	TimedOut  int
	Running   int
	Skipped   int
}

func (s Summary) Add(o Summary) Summary {
	return Summary{
		Completed: s.Completed + o.Completed,
		Failed:    s.Failed + o.Failed,
		TimedOut:  s.TimedOut + o.TimedOut,
		Running:   s.Running + o.Running,
		Skipped:   s.Skipped + o.Skipped,
	}
}

// New builds a poller. limiter may be nil to disable probe pacing.
func New(mgr *queue.Manager, svc execution.Service, limiter *execution.ProbeLimiter, defaultTimeout time.Duration, log *zap.Logger) *Poller {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		mgr:            mgr,
		svc:            svc,
		limiter:        limiter,
		defaultTimeout: defaultTimeout,
		log:            log.Named("poller"),
		now:            time.Now,
	}
}

// PollAll probes every server's RUNNING jobs concurrently, one goroutine per
// server; each server's jobs are handled sequentially.
func (p *Poller) PollAll(ctx context.Context, servers []string) Summary {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total Summary
	)
	for _, server := range servers {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			s := p.PollServer(ctx, server)
			mu.Lock()
			total = total.Add(s)
			mu.Unlock()
		}(server)
	}
	wg.Wait()
	return total
}

// PollServer probes each RUNNING job on one server.
func (p *Poller) PollServer(ctx context.Context, server string) Summary {
	var sum Summary
	for _, job := range p.mgr.Running(server) {
		if ctx.Err() != nil {
			break
		}
		// Skip jobs a sibling transition already terminated this cycle.
		if cur, ok := p.mgr.Job(job.ID); !ok || cur.Status != models.StatusRunning {
			continue
		}
		switch p.pollJob(ctx, job) {
		case models.StatusCompleted:
			sum.Completed++
		case models.StatusFailed:
			sum.Failed++
		case models.StatusTimeout:
			sum.TimedOut++
		case models.StatusRunning:
			sum.Running++
		default:
			sum.Skipped++
		}
	}
	return sum
}

// pollJob applies the per-cycle state machine to one job and returns the
// resulting status ("" when the probe was skipped by pacing).
func (p *Poller) pollJob(ctx context.Context, job *models.Job) models.Status {
	now := p.now()

	elapsed := job.Elapsed(now)
	if budget := job.TimeoutBudget(p.defaultTimeout); elapsed > budget {
		msg := fmt.Sprintf("Timeout after %.1f hours", elapsed.Hours())
		if p.mgr.MarkTerminal(job.ID, models.StatusTimeout, msg, nil, now) {
			telemetry.JobsTimedOut.Inc()
			p.log.Warn("job timed out",
				zap.String("job_id", job.ID),
				zap.String("server", job.Server),
				zap.Duration("elapsed", elapsed))
		}
		return models.StatusTimeout
	}

	// No remote handle yet: the start is still being retried by the
	// orchestrator. The timeout check above still bounds such jobs.
	if job.BacktestID == "" {
		return ""
	}

	if p.limiter != nil {
		allowed, _, err := p.limiter.Allow(ctx, job.Server)
		if err != nil {
			p.log.Debug("probe limiter unavailable", zap.Error(err))
		}
		if !allowed {
			telemetry.ProbesThrottled.Inc()
			p.mgr.Observe(job.ID, 0, true, now)
			return ""
		}
	}

	res, err := p.svc.Poll(ctx, execution.Handle{
		Server:     job.Server,
		LabID:      job.LabID,
		BacktestID: job.BacktestID,
	})
	switch {
	case err == nil:
		// fall through to the state switch below
	case execution.IsTransport(err):
		// Transient: the job stays RUNNING and is re-probed next cycle.
		telemetry.ProbeErrors.Inc()
		p.mgr.Observe(job.ID, 0, true, now)
		p.log.Warn("status probe failed, keeping job running",
			zap.String("job_id", job.ID),
			zap.String("server", job.Server),
			zap.Error(err))
		return models.StatusRunning
	default:
		// Explicit remote rejection.
		p.mgr.MarkTerminal(job.ID, models.StatusFailed, err.Error(), nil, now)
		telemetry.JobsFailed.Inc()
		p.log.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("server", job.Server),
			zap.Error(err))
		return models.StatusFailed
	}

	switch res.State {
	case execution.StateCompleted:
		p.mgr.MarkTerminal(job.ID, models.StatusCompleted, "", res.Result, now)
		telemetry.JobsCompleted.Inc()
		p.log.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("server", job.Server),
			zap.Duration("elapsed", elapsed))
		return models.StatusCompleted
	case execution.StateFailed:
		msg := res.Message
		if msg == "" {
			msg = "remote reported failure"
		}
		p.mgr.MarkTerminal(job.ID, models.StatusFailed, msg, nil, now)
		telemetry.JobsFailed.Inc()
		return models.StatusFailed
	default:
		p.mgr.Observe(job.ID, res.Progress, false, now)
		return models.StatusRunning
	}
}
