// Package queue implements per-server FIFO admission over the shared state.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/store"
	"github.com/iamcos/labrunner/internal/telemetry"
)

// Manager owns the in-memory job registry and the per-server pending queues
// and running sets. All mutation goes through the manager so the admission
// invariant (|running| <= maxConcurrent per server) holds at all times.
//
// One mutex guards the whole state: every critical section is a handful of
// map edits, and the suspension points (network, disk) all live outside it.
type Manager struct {
	mu            sync.Mutex
	state         *store.State
	maxConcurrent int
	log           *zap.Logger
}

// NewManager wraps a loaded state. maxConcurrent below 1 is coerced to 1.
func NewManager(st *store.State, maxConcurrent int, log *zap.Logger) *Manager {
	if st == nil {
		st = store.Empty()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{state: st, maxConcurrent: maxConcurrent, log: log.Named("queue")}
}

// Enqueue registers a job as PENDING at the tail of its server's queue.
// Capacity is not checked here; only admission enforces it.
func (m *Manager) Enqueue(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = models.StatusPending
	m.state.Jobs[job.ID] = job
	m.state.Pending[job.Server] = append(m.state.Pending[job.Server], job.ID)
	telemetry.JobsEnqueued.Inc()
	m.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("server", job.Server),
		zap.String("script_id", job.ScriptID),
		zap.String("market", job.Market))
}

// Admit moves queued jobs into the running set while the server has free
// slots, earliest-enqueued first. Empty queue or full capacity is a no-op.
// Returns the jobs admitted this pass, in admission order.
func (m *Manager) Admit(server string, now time.Time) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var admitted []*models.Job
	for len(m.state.Running[server]) < m.maxConcurrent && len(m.state.Pending[server]) > 0 {
		id := m.state.Pending[server][0]
		m.state.Pending[server] = m.state.Pending[server][1:]

		job, ok := m.state.Jobs[id]
		if !ok {
			m.log.Warn("pending id without job record", zap.String("job_id", id))
			continue
		}
		if !job.Status.CanTransition(models.StatusRunning) {
			continue
		}
		started := now
		job.Status = models.StatusRunning
		job.StartedAt = &started
		m.state.Running[server] = append(m.state.Running[server], id)
		admitted = append(admitted, job)
		telemetry.JobsAdmitted.Inc()
	}
	telemetry.RunningGauge.WithLabelValues(server).Set(float64(len(m.state.Running[server])))
	telemetry.PendingGauge.WithLabelValues(server).Set(float64(len(m.state.Pending[server])))
	return admitted
}

// Release frees the job's concurrency slot on its server.
func (m *Manager) Release(server, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(server, jobID)
}

func (m *Manager) releaseLocked(server, jobID string) {
	running := m.state.Running[server]
	for i, id := range running {
		if id == jobID {
			m.state.Running[server] = append(running[:i], running[i+1:]...)
			break
		}
	}
	telemetry.RunningGauge.WithLabelValues(server).Set(float64(len(m.state.Running[server])))
}

// MarkTerminal transitions a RUNNING job to a terminal status, records the
// outcome, and releases its slot. Jobs already terminal are left untouched.
func (m *Manager) MarkTerminal(jobID string, status models.Status, errMsg string, result json.RawMessage, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.state.Jobs[jobID]
	if !ok || !job.Status.CanTransition(status) {
		return false
	}
	job.Status = status
	completed := now
	job.CompletedAt = &completed
	if errMsg != "" {
		job.Error = &errMsg
	}
	if result != nil {
		job.Result = result
	}
	if status == models.StatusCompleted {
		job.Progress = 100
		job.ProgressEstimated = false
	}
	job.RecordProgress(now)
	switch status {
	case models.StatusCompleted:
		m.state.Completed = append(m.state.Completed, jobID)
	case models.StatusFailed, models.StatusTimeout:
		m.state.Failed = append(m.state.Failed, jobID)
	}
	m.releaseLocked(job.Server, jobID)
	// PENDING jobs cancelled before admission also leave the queue.
	if pending := m.state.Pending[job.Server]; status == models.StatusCancelled {
		for i, id := range pending {
			if id == jobID {
				m.state.Pending[job.Server] = append(pending[:i], pending[i+1:]...)
				break
			}
		}
	}
	return true
}

// Observe records one poll observation on a RUNNING job. When estimated is
// true the progress argument is ignored and the last known value is kept.
func (m *Manager) Observe(jobID string, progress float64, estimated bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.state.Jobs[jobID]
	if !ok || job.Status != models.StatusRunning {
		return
	}
	if !estimated {
		job.Progress = clampProgress(progress)
	}
	job.ProgressEstimated = estimated
	job.PollCount++
	checked := now
	job.LastCheckedAt = &checked
	job.RecordProgress(now)
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Job returns the job record for an id.
func (m *Manager) Job(id string) (*models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.state.Jobs[id]
	return j, ok
}

// WithJob runs fn on the job record under the state lock. Used for derived
// (non-lifecycle) field updates such as validation outcomes.
func (m *Manager) WithJob(id string, fn func(*models.Job)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.state.Jobs[id]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// Running returns the RUNNING jobs for a server, in admission order.
func (m *Manager) Running(server string) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.state.Running[server]))
	for _, id := range m.state.Running[server] {
		if j, ok := m.state.Jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out
}

// RunningCount returns the size of a server's running set.
func (m *Manager) RunningCount(server string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.Running[server])
}

// PendingCount returns the depth of a server's queue.
func (m *Manager) PendingCount(server string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.Pending[server])
}

// Servers lists every server that has queue state, sorted for stable output.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for s := range m.state.Pending {
		seen[s] = struct{}{}
	}
	for s := range m.state.Running {
		seen[s] = struct{}{}
	}
	for _, j := range m.state.Jobs {
		seen[j.Server] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Jobs returns a snapshot slice of all job records, sorted by creation time.
func (m *Manager) Jobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.state.Jobs))
	for _, j := range m.state.Jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// FindActive returns a non-terminal job for the same script+market pair, if
// one exists, so validation runs reuse labs instead of duplicating them.
func (m *Manager) FindActive(scriptID, market string) (*models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.state.Jobs {
		if j.ScriptID == scriptID && j.Market == market && !j.Status.Terminal() {
			return j, true
		}
	}
	return nil, false
}

// State exposes the underlying state for persistence. The caller must not
// mutate it; Save only reads.
func (m *Manager) State() *store.State {
	return m.state
}

// CleanupTerminal removes terminal jobs older than the retention window.
// archive, when non-nil, is invoked before removal; an archive failure keeps
// the job for the next pass. Returns how many jobs were removed.
func (m *Manager) CleanupTerminal(olderThan time.Duration, now time.Time, archive func(*models.Job) error) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.state.Jobs {
		if !job.Status.Terminal() {
			continue
		}
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if now.Sub(ref) < olderThan {
			continue
		}
		if archive != nil {
			if err := archive(job); err != nil {
				m.log.Warn("archive failed, keeping job",
					zap.String("job_id", id), zap.Error(err))
				continue
			}
		}
		delete(m.state.Jobs, id)
		m.state.Completed = removeID(m.state.Completed, id)
		m.state.Failed = removeID(m.state.Failed, id)
		removed++
	}
	return removed
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
