package report

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamcos/labrunner/internal/models"
)

func scoredJob(id string, rec models.Recommendation, deviation, robustness float64) *models.Job {
	return &models.Job{
		ID:     id,
		Server: "srv1",
		Market: "BTC_USDT",
		Status: models.StatusCompleted,
		Validation: &models.ValidationData{
			BotID:           "bot-" + id,
			Recommendation:  rec,
			Deviation:       deviation,
			RobustnessScore: robustness,
		},
	}
}

func TestAggregateCountsAndMeans(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	jobs := []*models.Job{
		scoredJob("a", models.RecKeepRunning, 10, 90),
		scoredJob("b", models.RecKeepRunning, 20, 80),
		scoredJob("c", models.RecStopImmediately, 120, 10),
	}

	r := Aggregate(jobs, now)
	assert.Equal(t, 3, r.TotalBots)
	assert.Equal(t, 2, r.Counts[models.RecKeepRunning])
	assert.Equal(t, 1, r.Counts[models.RecStopImmediately])
	assert.InDelta(t, 50.0, r.MeanDeviation, 1e-9)
	assert.InDelta(t, 60.0, r.MeanRobustness, 1e-9)
	assert.Equal(t, now, r.GeneratedAt)
	assert.Len(t, r.Entries, 3)
}

func TestAggregateSkipsUnscoredAndNonCompleted(t *testing.T) {
	running := scoredJob("running", models.RecKeepRunning, 10, 90)
	running.Status = models.StatusRunning

	unscored := scoredJob("unscored", "", 0, 0)

	plain := &models.Job{ID: "plain", Status: models.StatusCompleted}

	r := Aggregate([]*models.Job{running, unscored, plain, scoredJob("ok", models.RecMonitorClosely, 40, 70)}, time.Now())
	require.Equal(t, 1, r.TotalBots)
	assert.Equal(t, "ok", r.Entries[0].JobID)
}

func TestAggregateEmptyInput(t *testing.T) {
	r := Aggregate(nil, time.Now())
	assert.Zero(t, r.TotalBots)
	assert.Zero(t, r.MeanDeviation)
	assert.Zero(t, r.MeanRobustness)
	assert.Empty(t, r.Entries)
	assert.NotNil(t, r.Counts)
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	job := scoredJob("a", models.RecKeepRunning, 10, 90)
	r := Aggregate([]*models.Job{job}, time.Now())

	// Editing the report entry must not reach back into the job.
	r.Entries[0].Validation.Deviation = 999
	assert.Equal(t, 10.0, job.Validation.Deviation)
}

func TestExportWritesLocalFile(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	r := Aggregate([]*models.Job{scoredJob("a", models.RecKeepRunning, 10, 90)}, now)

	up := &LocalUploader{BaseDir: t.TempDir()}
	dest, err := Export(context.Background(), up, r)
	require.NoError(t, err)
	assert.Contains(t, dest, "validation_report_20260828T120000Z.json")

	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 1, got.TotalBots)
	assert.Equal(t, 1, got.Counts[models.RecKeepRunning])
}
