package models

import (
	"encoding/json"
	"time"
)

// Status enumerates job lifecycle states persisted in the state document.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle graph allows moving from s to next.
// PENDING only admits to RUNNING; RUNNING admits every terminal state.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// ProgressRecord is one poll observation kept for diagnostics.
type ProgressRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Estimated bool      `json:"estimated,omitempty"`
	PollCount int       `json:"poll_count"`
}

// MaxHistoryRecords caps per-job progress history growth.
const MaxHistoryRecords = 500

// Job is one unit of remote backtest work tracked by the orchestrator.
type Job struct {
	ID        string `json:"id"`
	Server    string `json:"server"`
	ScriptID  string `json:"script_id"`
	Market    string `json:"market"`
	AccountID string `json:"account_id"`

	// Remote execution linkage, assigned once the run starts.
	LabID      string `json:"lab_id,omitempty"`
	BacktestID string `json:"backtest_id,omitempty"`

	Status Status `json:"status"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	PollCount     int        `json:"poll_count"`

	Progress float64 `json:"progress"`
	// ProgressEstimated marks Progress as carried over from the last
	// successful probe rather than reported by the remote.
	ProgressEstimated bool `json:"progress_estimated,omitempty"`

	Error  *string         `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// Backtest window, when the job was sized by cutoff discovery.
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	// MaxDuration overrides the configured monitoring timeout when nonzero.
	MaxDuration time.Duration `json:"max_duration,omitempty"`

	History []ProgressRecord `json:"history,omitempty"`

	// Validation is set only on live-bot validation jobs.
	Validation *ValidationData `json:"validation,omitempty"`
}

// Elapsed returns how long the job has been running as of now.
// Zero if the job never started.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return now.Sub(*j.StartedAt)
}

// TimeoutBudget returns the per-job duration budget, falling back to def.
func (j *Job) TimeoutBudget(def time.Duration) time.Duration {
	if j.MaxDuration > 0 {
		return j.MaxDuration
	}
	return def
}

// RecordProgress appends a history record, trimming to MaxHistoryRecords.
func (j *Job) RecordProgress(now time.Time) {
	j.History = append(j.History, ProgressRecord{
		Timestamp: now,
		Status:    j.Status,
		Progress:  j.Progress,
		Estimated: j.ProgressEstimated,
		PollCount: j.PollCount,
	})
	if len(j.History) > MaxHistoryRecords {
		j.History = j.History[len(j.History)-MaxHistoryRecords:]
	}
}
