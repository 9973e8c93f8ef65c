// Package report summarizes validation outcomes and exports them.
package report

import (
	"time"

	"github.com/iamcos/labrunner/internal/models"
)

// Entry is one bot's validation outcome in the aggregate report.
type Entry struct {
	JobID      string                `json:"job_id"`
	Server     string                `json:"server"`
	Market     string                `json:"market"`
	Validation models.ValidationData `json:"validation"`
}

// Report is the aggregate over a set of scored validation jobs. Always
// regenerated from the job set, never mutated in place.
type Report struct {
	GeneratedAt    time.Time                     `json:"generated_at"`
	TotalBots      int                           `json:"total_bots"`
	Counts         map[models.Recommendation]int `json:"counts"`
	MeanDeviation  float64                       `json:"mean_deviation"`
	MeanRobustness float64                       `json:"mean_robustness"`
	Entries        []Entry                       `json:"entries"`
}

// Aggregate builds the report from completed, scored validation jobs. The
// input is not mutated; jobs without a recommendation are skipped.
func Aggregate(jobs []*models.Job, now time.Time) Report {
	r := Report{
		GeneratedAt: now,
		Counts:      make(map[models.Recommendation]int),
	}
	var devSum, robSum float64
	for _, job := range jobs {
		if job.Status != models.StatusCompleted || job.Validation == nil || job.Validation.Recommendation == "" {
			continue
		}
		v := *job.Validation
		r.Entries = append(r.Entries, Entry{
			JobID:      job.ID,
			Server:     job.Server,
			Market:     job.Market,
			Validation: v,
		})
		r.Counts[v.Recommendation]++
		devSum += v.Deviation
		robSum += v.RobustnessScore
	}
	r.TotalBots = len(r.Entries)
	if r.TotalBots > 0 {
		r.MeanDeviation = devSum / float64(r.TotalBots)
		r.MeanRobustness = robSum / float64(r.TotalBots)
	}
	return r
}
