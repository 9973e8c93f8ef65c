package models

// RiskLevel grades drawdown risk as reported by the robustness analyzer.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "VERY_LOW"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the categorical outcome of validating a live bot.
type Recommendation string

const (
	RecKeepRunning     Recommendation = "KEEP_RUNNING"
	RecMonitorClosely  Recommendation = "MONITOR_CLOSELY"
	RecReducePosition  Recommendation = "REDUCE_POSITION"
	RecStopImmediately Recommendation = "STOP_IMMEDIATELY"
	RecNeedsReview     Recommendation = "NEEDS_REVIEW"
)

// Performance is one observed metric set, live or backtest.
type Performance struct {
	ROI         float64 `json:"roi"`
	WinRate     float64 `json:"win_rate"`
	TradeCount  int     `json:"trade_count"`
	DrawdownPct float64 `json:"drawdown_pct"`
}

// ValidationData carries the paired metrics and derived fields of a
// live-bot validation job.
type ValidationData struct {
	BotID string `json:"bot_id"`

	Live     Performance `json:"live"`
	Backtest Performance `json:"backtest"`

	WindowDays int `json:"window_days"`

	Deviation       float64        `json:"deviation"`
	RobustnessScore float64        `json:"robustness_score"`
	RiskLevel       RiskLevel      `json:"risk_level"`
	Recommendation  Recommendation `json:"recommendation"`
	Confidence      float64        `json:"confidence"`

	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
