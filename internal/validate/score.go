package validate

import (
	"github.com/iamcos/labrunner/internal/models"
)

// Deviation measures how far live ROI strays from backtest ROI, in percent
// of the backtest's magnitude. A zero backtest ROI with nonzero live ROI is
// a full deviation.
func Deviation(liveROI, backtestROI float64) float64 {
	if backtestROI == 0 {
		if liveROI != 0 {
			return 100
		}
		return 0
	}
	return abs(liveROI-backtestROI) / abs(backtestROI) * 100
}

// Confidence scores how much weight the comparison deserves, starting from
// 100 and deducting for high deviation, short windows, and thin samples.
// Always within [0, 100].
func Confidence(deviation float64, windowDays, backtestTrades, liveTrades int) float64 {
	score := 100.0

	switch {
	case deviation > 50:
		score -= 30
	case deviation > 25:
		score -= 15
	case deviation > 10:
		score -= 5
	}

	switch {
	case windowDays < 30:
		score -= 20
	case windowDays < 90:
		score -= 10
	case windowDays < 180:
		score -= 5
	}

	switch {
	case backtestTrades < 10:
		score -= 15
	case backtestTrades < 30:
		score -= 10
	case backtestTrades < 50:
		score -= 5
	}

	switch {
	case liveTrades < 5:
		score -= 20
	case liveTrades < 10:
		score -= 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Recommend decides the categorical outcome. Pure: identical inputs always
// yield the identical recommendation. Rules apply in fixed priority order.
func Recommend(risk models.RiskLevel, deviation, liveROI, backtestROI float64) models.Recommendation {
	switch {
	case risk == models.RiskCritical:
		return models.RecStopImmediately
	case deviation > 100:
		return models.RecNeedsReview
	case liveROI < 0.5*backtestROI && liveROI < 0:
		return models.RecStopImmediately
	case risk == models.RiskHigh && liveROI < 0:
		return models.RecStopImmediately
	case risk == models.RiskHigh:
		return models.RecReducePosition
	case risk == models.RiskMedium && liveROI < 0.7*backtestROI:
		return models.RecMonitorClosely
	case (risk == models.RiskLow || risk == models.RiskVeryLow) && deviation < 30:
		return models.RecKeepRunning
	default:
		return models.RecMonitorClosely
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
