// Package validate compares a live bot's real-world performance against a
// freshly computed backtest over the maximum usable data window.
package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/cutoff"
	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/queue"
)

// BotSnapshot is a live bot's identity and current performance, supplied by
// the metrics provider collaborator.
type BotSnapshot struct {
	BotID     string             `json:"bot_id"`
	Server    string             `json:"server"`
	ScriptID  string             `json:"script_id"`
	Market    string             `json:"market"`
	AccountID string             `json:"account_id"`
	Perf      models.Performance `json:"performance"`
}

// MetricsProvider retrieves live performance snapshots.
type MetricsProvider interface {
	LiveSnapshot(ctx context.Context, botID string) (BotSnapshot, error)
}

// BacktestResult is the payload a completed validation run reports.
type BacktestResult struct {
	ROI         float64   `json:"roi"`
	WinRate     float64   `json:"win_rate"`
	TradeCount  int       `json:"trade_count"`
	DrawdownPct float64   `json:"drawdown_pct"`
	Balances    []float64 `json:"balances"`
	TradePnL    []float64 `json:"trade_pnl"`
}

// ErrNotCompleted is returned when finalizing a job that has not finished.
var ErrNotCompleted = errors.New("validation job not completed")

// Engine creates validation jobs and scores their outcomes.
type Engine struct {
	mgr      *queue.Manager
	svc      execution.Service
	cache    *cutoff.Cache
	analyzer Analyzer

	probeBudget int
	windowDays  int
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time
}

// Options tune engine behavior; zero values fall back to defaults.
type Options struct {
	ProbeBudget int           // cutoff discovery attempts, default 10
	WindowDays  int           // discovery search window, default 730
	Timeout     time.Duration // per-job duration budget, default 1h
}

// NewEngine builds an engine. cache may be nil; analyzer defaults to the
// drawdown analyzer.
func NewEngine(mgr *queue.Manager, svc execution.Service, cache *cutoff.Cache, analyzer Analyzer, opts Options, log *zap.Logger) *Engine {
	if analyzer == nil {
		analyzer = DrawdownAnalyzer{}
	}
	if opts.ProbeBudget <= 0 {
		opts.ProbeBudget = cutoff.DefaultProbeBudget
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 730
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		mgr:         mgr,
		svc:         svc,
		cache:       cache,
		analyzer:    analyzer,
		probeBudget: opts.ProbeBudget,
		windowDays:  opts.WindowDays,
		timeout:     opts.Timeout,
		log:         log.Named("validate"),
		now:         time.Now,
	}
}

// CreateValidationJob sizes the backtest window for the bot's market and
// enqueues a validation job. An existing non-terminal job for the same
// script+market is reused instead of creating a duplicate.
func (e *Engine) CreateValidationJob(ctx context.Context, bot BotSnapshot) (*models.Job, error) {
	if existing, ok := e.mgr.FindActive(bot.ScriptID, bot.Market); ok {
		e.log.Info("reusing active job for script+market",
			zap.String("job_id", existing.ID),
			zap.String("bot_id", bot.BotID))
		return existing, nil
	}

	now := e.now()
	start, err := e.windowStart(ctx, bot, now)
	if err != nil {
		return nil, fmt.Errorf("size backtest window: %w", err)
	}
	windowDays := int(now.Sub(start).Hours() / 24)

	job := &models.Job{
		ID:          uuid.New().String(),
		Server:      bot.Server,
		ScriptID:    bot.ScriptID,
		Market:      bot.Market,
		AccountID:   bot.AccountID,
		CreatedAt:   now,
		WindowStart: &start,
		WindowEnd:   &now,
		MaxDuration: e.timeout,
		Validation: &models.ValidationData{
			BotID:      bot.BotID,
			Live:       bot.Perf,
			WindowDays: windowDays,
		},
	}
	e.mgr.Enqueue(job)
	return job, nil
}

// windowStart discovers the usable-data cutoff (cached per market) and adds
// the one-day safety margin.
func (e *Engine) windowStart(ctx context.Context, bot BotSnapshot, now time.Time) (time.Time, error) {
	if ts, ok := e.cache.Get(ctx, bot.Market); ok {
		return ts.Add(24 * time.Hour), nil
	}

	earliest := now.AddDate(0, 0, -e.windowDays)
	latest := now.AddDate(0, 0, -1)
	probe := cutoff.ExecutionProbe(e.svc, bot.Server, bot.ScriptID, bot.Market, bot.AccountID)
	disc := cutoff.New(probe, e.probeBudget, e.log)

	found, attempts, err := disc.Find(ctx, earliest, latest)
	if err != nil {
		return time.Time{}, err
	}
	e.log.Info("cutoff discovered",
		zap.String("market", bot.Market),
		zap.Time("cutoff", found),
		zap.Int("probes", attempts))
	e.cache.Put(ctx, bot.Market, found)
	return found.Add(24 * time.Hour), nil
}

// Finalize scores a COMPLETED validation job: deviation, robustness,
// confidence, and the recommendation, plus human-readable notes.
func (e *Engine) Finalize(jobID string) (*models.ValidationData, error) {
	job, ok := e.mgr.Job(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, jobID, job.Status)
	}
	if job.Validation == nil {
		return nil, fmt.Errorf("job %s is not a validation job", jobID)
	}

	var result BacktestResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("decode backtest result for %s: %w", jobID, err)
	}

	outcome := e.score(*job.Validation, result)
	e.mgr.WithJob(jobID, func(j *models.Job) {
		*j.Validation = outcome
	})
	return &outcome, nil
}

func (e *Engine) score(v models.ValidationData, result BacktestResult) models.ValidationData {
	v.Backtest = models.Performance{
		ROI:         result.ROI,
		WinRate:     result.WinRate,
		TradeCount:  result.TradeCount,
		DrawdownPct: result.DrawdownPct,
	}

	analysis := e.analyzer.Analyze(result.Balances, result.TradePnL)
	v.RobustnessScore = analysis.Score
	v.RiskLevel = analysis.RiskLevel

	v.Deviation = Deviation(v.Live.ROI, v.Backtest.ROI)
	v.Confidence = Confidence(v.Deviation, v.WindowDays, v.Backtest.TradeCount, v.Live.TradeCount)
	v.Recommendation = Recommend(v.RiskLevel, v.Deviation, v.Live.ROI, v.Backtest.ROI)
	v.Issues, v.Recommendations = notes(v, analysis)
	return v
}

// notes renders the human-readable issues and advice for the report.
func notes(v models.ValidationData, a Analysis) (issues, advice []string) {
	if v.Deviation > 50 {
		issues = append(issues, fmt.Sprintf("live ROI deviates %.1f%% from backtest", v.Deviation))
	}
	if v.WindowDays < 30 {
		issues = append(issues, fmt.Sprintf("backtest window is only %d days", v.WindowDays))
	}
	if v.Backtest.TradeCount < 10 {
		issues = append(issues, fmt.Sprintf("backtest sample is thin (%d trades)", v.Backtest.TradeCount))
	}
	if v.Live.TradeCount < 5 {
		issues = append(issues, fmt.Sprintf("live sample is thin (%d trades)", v.Live.TradeCount))
	}
	if a.MaxDrawdownPct >= 20 {
		issues = append(issues, fmt.Sprintf("backtest max drawdown %.1f%%", a.MaxDrawdownPct))
	}
	if a.LongestLossStreak >= 8 {
		issues = append(issues, fmt.Sprintf("%d consecutive losing trades in backtest", a.LongestLossStreak))
	}

	switch v.Recommendation {
	case models.RecStopImmediately:
		advice = append(advice, "stop the bot and review its configuration before restarting")
	case models.RecReducePosition:
		advice = append(advice, "reduce position size until drawdown risk subsides")
	case models.RecMonitorClosely:
		advice = append(advice, "re-validate after more live trades accumulate")
	case models.RecNeedsReview:
		advice = append(advice, "manual review required: live behavior does not match the backtest")
	case models.RecKeepRunning:
		advice = append(advice, "no action needed")
	}
	if v.Confidence < 50 {
		advice = append(advice, fmt.Sprintf("low confidence (%.0f); treat the recommendation as provisional", v.Confidence))
	}
	return issues, advice
}
