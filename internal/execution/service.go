// Package execution defines the remote Execution Service collaborator used
// to start, poll, and cancel backtest runs, plus probe pacing.
package execution

import (
	"context"
	"encoding/json"
	"time"
)

// RunSpec describes one backtest run to start remotely.
type RunSpec struct {
	Server    string    `json:"server"`
	ScriptID  string    `json:"script_id"`
	Market    string    `json:"market"`
	AccountID string    `json:"account_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Handle identifies a started run on a server.
type Handle struct {
	Server     string `json:"server"`
	LabID      string `json:"lab_id"`
	BacktestID string `json:"backtest_id"`
}

// RunState is the remote-reported execution state.
type RunState string

const (
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// PollResult is one status probe observation.
type PollResult struct {
	State    RunState        `json:"state"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Service is the remote collaborator. All three calls may be slow and may
// fail transiently; transport failures are reported as *TransportError.
type Service interface {
	Start(ctx context.Context, spec RunSpec) (Handle, error)
	Poll(ctx context.Context, h Handle) (PollResult, error)
	Cancel(ctx context.Context, h Handle) error
}
