package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 4 * 1024 * 1024

var _ Service = (*Client)(nil)

// Client talks to the platform's backtest endpoints over a local tunnel.
type Client struct {
	baseURL    func(server string) string
	httpClient *http.Client
}

// NewClient builds a client. baseURL maps a server name to its tunnel URL.
func NewClient(baseURL func(server string) string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type startResponse struct {
	LabID      string `json:"lab_id"`
	BacktestID string `json:"backtest_id"`
	Error      string `json:"error"`
}

// Start submits a run. A 2xx with ids means the run is underway; a 4xx is a
// RunFailure; anything else is transport.
func (c *Client) Start(ctx context.Context, spec RunSpec) (Handle, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal run spec: %w", err)
	}
	url := fmt.Sprintf("%s/backtests", c.baseURL(spec.Server))
	raw, status, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return Handle{}, &TransportError{Op: "start", Server: spec.Server, Err: err}
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return Handle{}, &TransportError{Op: "start", Server: spec.Server, Err: fmt.Errorf("status %d", status)}
	}
	if status >= 400 {
		// The status alone decides the rejection; the body only refines the
		// message when it decodes.
		var resp startResponse
		_ = json.Unmarshal(raw, &resp)
		return Handle{}, &RunFailure{Server: spec.Server, Message: nonEmpty(resp.Error, fmt.Sprintf("status %d", status))}
	}

	var resp startResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Handle{}, &TransportError{Op: "start", Server: spec.Server, Err: fmt.Errorf("decode response: %w", err)}
	}
	return Handle{Server: spec.Server, LabID: resp.LabID, BacktestID: resp.BacktestID}, nil
}

type pollResponse struct {
	State    RunState        `json:"state"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

// Poll fetches the current execution status for a run.
func (c *Client) Poll(ctx context.Context, h Handle) (PollResult, error) {
	url := fmt.Sprintf("%s/backtests/%s", c.baseURL(h.Server), h.BacktestID)
	raw, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, &TransportError{Op: "poll", Server: h.Server, Err: err}
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return PollResult{}, &TransportError{Op: "poll", Server: h.Server, Err: fmt.Errorf("status %d", status)}
	}
	if status >= 400 {
		var resp pollResponse
		_ = json.Unmarshal(raw, &resp)
		return PollResult{}, &RunFailure{Server: h.Server, Message: nonEmpty(resp.Error, fmt.Sprintf("status %d", status))}
	}

	var resp pollResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PollResult{}, &TransportError{Op: "poll", Server: h.Server, Err: fmt.Errorf("decode response: %w", err)}
	}
	return PollResult{
		State:    resp.State,
		Progress: resp.Progress,
		Result:   resp.Result,
		Message:  resp.Error,
	}, nil
}

// Cancel asks the remote to abort a run.
func (c *Client) Cancel(ctx context.Context, h Handle) error {
	url := fmt.Sprintf("%s/backtests/%s", c.baseURL(h.Server), h.BacktestID)
	_, status, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return &TransportError{Op: "cancel", Server: h.Server, Err: err}
	}
	if status >= 400 {
		return &TransportError{Op: "cancel", Server: h.Server, Err: fmt.Errorf("status %d", status)}
	}
	return nil
}

// BotInfo is the platform's live-bot record with its current performance.
type BotInfo struct {
	BotID       string  `json:"bot_id"`
	ScriptID    string  `json:"script_id"`
	Market      string  `json:"market"`
	AccountID   string  `json:"account_id"`
	ROI         float64 `json:"roi"`
	WinRate     float64 `json:"win_rate"`
	TradeCount  int     `json:"trade_count"`
	DrawdownPct float64 `json:"drawdown_pct"`
}

// Bot fetches a live bot's snapshot from a server. A 404 is a plain error,
// not a TransportError, so callers can try the next server.
func (c *Client) Bot(ctx context.Context, server, botID string) (BotInfo, error) {
	url := fmt.Sprintf("%s/bots/%s", c.baseURL(server), botID)
	raw, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BotInfo{}, &TransportError{Op: "bot", Server: server, Err: err}
	}
	if status == http.StatusNotFound {
		return BotInfo{}, fmt.Errorf("bot %s not found on %s", botID, server)
	}
	if status >= 400 {
		return BotInfo{}, &TransportError{Op: "bot", Server: server, Err: fmt.Errorf("status %d", status)}
	}
	var info BotInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return BotInfo{}, &TransportError{Op: "bot", Server: server, Err: fmt.Errorf("decode response: %w", err)}
	}
	return info, nil
}

// Ping checks that a server's Execution Service answers at all.
func (c *Client) Ping(ctx context.Context, server string) error {
	url := fmt.Sprintf("%s/status", c.baseURL(server))
	_, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "ping", Server: server, Err: err}
	}
	if status >= 500 {
		return &TransportError{Op: "ping", Server: server, Err: fmt.Errorf("status %d", status)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
