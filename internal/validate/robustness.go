package validate

import (
	"github.com/iamcos/labrunner/internal/models"
)

// Analysis is the robustness verdict over a backtest's trade/balance series.
type Analysis struct {
	Score             float64
	RiskLevel         models.RiskLevel
	MaxDrawdownPct    float64
	LongestLossStreak int
}

// Analyzer scores drawdown risk from a backtest's balance curve and per-trade
// profit series.
type Analyzer interface {
	Analyze(balances []float64, tradePnL []float64) Analysis
}

// DrawdownAnalyzer is the default Analyzer: worst peak-to-trough decline of
// the balance curve plus the longest consecutive-loss streak.
type DrawdownAnalyzer struct{}

// Analyze computes the 0-100 robustness score and grades the risk level.
// An empty balance series scores a neutral 50 at MEDIUM risk.
func (DrawdownAnalyzer) Analyze(balances []float64, tradePnL []float64) Analysis {
	if len(balances) < 2 {
		return Analysis{Score: 50, RiskLevel: models.RiskMedium}
	}

	// Track the running peak; the worst percentage drop from it is the max
	// drawdown.
	peak := balances[0]
	maxDD := 0.0
	for _, b := range balances[1:] {
		if b > peak {
			peak = b
			continue
		}
		if peak > 0 {
			if dd := (peak - b) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
	}

	streak, longest := 0, 0
	for _, pnl := range tradePnL {
		if pnl < 0 {
			streak++
			if streak > longest {
				longest = streak
			}
		} else {
			streak = 0
		}
	}

	score := 100.0
	score -= min(maxDD*2, 70)
	if longest > 3 {
		score -= min(float64(longest-3)*5, 30)
	}
	if score < 0 {
		score = 0
	}

	level := gradeDrawdown(maxDD)
	if longest >= 8 {
		level = bumpRisk(level)
	}

	return Analysis{
		Score:             score,
		RiskLevel:         level,
		MaxDrawdownPct:    maxDD,
		LongestLossStreak: longest,
	}
}

func gradeDrawdown(ddPct float64) models.RiskLevel {
	switch {
	case ddPct < 5:
		return models.RiskVeryLow
	case ddPct < 10:
		return models.RiskLow
	case ddPct < 20:
		return models.RiskMedium
	case ddPct < 35:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func bumpRisk(l models.RiskLevel) models.RiskLevel {
	switch l {
	case models.RiskVeryLow:
		return models.RiskLow
	case models.RiskLow:
		return models.RiskMedium
	case models.RiskMedium:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}
