package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iamcos/labrunner/internal/models"
)

func TestAnalyzeEmptySeriesIsNeutral(t *testing.T) {
	var a DrawdownAnalyzer
	got := a.Analyze(nil, nil)
	assert.Equal(t, 50.0, got.Score)
	assert.Equal(t, models.RiskMedium, got.RiskLevel)

	got = a.Analyze([]float64{1000}, []float64{5})
	assert.Equal(t, 50.0, got.Score)
}

func TestAnalyzeDrawdownGrading(t *testing.T) {
	var a DrawdownAnalyzer
	tests := []struct {
		name     string
		balances []float64
		wantDD   float64
		wantRisk models.RiskLevel
	}{
		{"steady climb", []float64{1000, 1010, 1025, 1040}, 0, models.RiskVeryLow},
		{"shallow dip", []float64{1000, 1100, 1023, 1150}, 7, models.RiskLow},
		{"moderate drop", []float64{1000, 850, 1100}, 15, models.RiskMedium},
		{"deep drop", []float64{1000, 750, 900}, 25, models.RiskHigh},
		{"collapse", []float64{1000, 550, 800}, 45, models.RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Analyze(tt.balances, nil)
			assert.InDelta(t, tt.wantDD, got.MaxDrawdownPct, 0.01)
			assert.Equal(t, tt.wantRisk, got.RiskLevel)
		})
	}
}

func TestAnalyzeDrawdownTracksRunningPeak(t *testing.T) {
	var a DrawdownAnalyzer
	// Second peak is higher; the worst drop is measured from it.
	got := a.Analyze([]float64{1000, 900, 1200, 960}, nil)
	assert.InDelta(t, 20.0, got.MaxDrawdownPct, 0.01)
}

func TestAnalyzeLossStreakBumpsRisk(t *testing.T) {
	var a DrawdownAnalyzer
	balances := []float64{1000, 1100, 1023, 1150} // 7% drawdown, LOW on its own
	losses := []float64{-1, -1, -1, -1, -1, -1, -1, -1, 2}

	got := a.Analyze(balances, losses)
	assert.Equal(t, 8, got.LongestLossStreak)
	assert.Equal(t, models.RiskMedium, got.RiskLevel, "streak of 8 bumps LOW to MEDIUM")

	// A break in the streak resets the count.
	got = a.Analyze(balances, []float64{-1, -1, -1, 2, -1, -1})
	assert.Equal(t, 3, got.LongestLossStreak)
	assert.Equal(t, models.RiskLow, got.RiskLevel)
}

func TestAnalyzeScore(t *testing.T) {
	var a DrawdownAnalyzer

	// 10% drawdown, no streak penalty: 100 - 20.
	got := a.Analyze([]float64{1000, 900, 950}, []float64{-1, 2, -1})
	assert.InDelta(t, 80.0, got.Score, 0.01)

	// Streak of 5 adds (5-3)*5 on top of the drawdown deduction.
	got = a.Analyze([]float64{1000, 900, 950}, []float64{-1, -1, -1, -1, -1})
	assert.InDelta(t, 70.0, got.Score, 0.01)

	// Catastrophic series still floors at zero.
	got = a.Analyze([]float64{1000, 10}, []float64{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1})
	assert.GreaterOrEqual(t, got.Score, 0.0)
	assert.Equal(t, models.RiskCritical, got.RiskLevel)
}
