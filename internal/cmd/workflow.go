package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/cutoff"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/orchestrator"
	"github.com/iamcos/labrunner/internal/report"
	"github.com/iamcos/labrunner/internal/validate"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Validate live bots end to end and report",
	Long: `For each bot: discover the usable data window for its market,
enqueue a validation backtest over that window, monitor until every
job is terminal, score the outcomes, and emit the aggregate report.

Example:
  labrunner workflow --servers srv1,srv2 --bots bot-a,bot-b --export ./reports
  labrunner workflow --servers srv1 --bots bot-a --export s3://reports/validation`,
	RunE: runWorkflow,
}

var (
	workflowBots   []string
	workflowExport string
)

func init() {
	rootCmd.AddCommand(workflowCmd)

	workflowCmd.Flags().StringSliceVar(&workflowBots, "bots", nil, "Bot ids to validate (required)")
	workflowCmd.Flags().StringVar(&workflowExport, "export", "",
		"Report destination: directory or s3://bucket/prefix (default from config)")

	_ = workflowCmd.MarkFlagRequired("bots")
}

func runWorkflow(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	servers := rt.cfg.Servers
	if len(servers) == 0 {
		return &orchestrator.SetupError{Err: fmt.Errorf("workflow requires --servers")}
	}
	if err := orchestrator.Preflight(ctx, rt.client, servers, rt.log); err != nil {
		return err
	}

	engine := validate.NewEngine(
		rt.mgr,
		rt.client,
		cutoff.NewCache(rt.redis, rt.cfg.CutoffCacheTTL),
		nil,
		validate.Options{
			ProbeBudget: rt.cfg.CutoffProbeBudget,
			WindowDays:  rt.cfg.CutoffWindowDays,
			Timeout:     rt.cfg.ValidationTimeout,
		},
		rt.log,
	)

	var jobIDs []string
	for _, botID := range workflowBots {
		bot, err := locateBot(ctx, rt, servers, botID)
		if err != nil {
			rt.log.Warn("skipping bot", zap.String("bot_id", botID), zap.Error(err))
			continue
		}
		job, err := engine.CreateValidationJob(ctx, bot)
		if err != nil {
			rt.log.Warn("validation job not created", zap.String("bot_id", botID), zap.Error(err))
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}
	if len(jobIDs) == 0 {
		return fmt.Errorf("no validation jobs created for %d bots", len(workflowBots))
	}

	orch := orchestrator.New(rt.mgr, rt.client, rt.newPoller(), rt.fs, rt.newArchive(ctx), orchestrator.Options{
		Servers:            servers,
		Interval:           rt.cfg.CycleInterval,
		RetentionAge:       rt.cfg.RetentionAge,
		CleanupEveryCycles: rt.cfg.CleanupEveryCycles,
	}, rt.log)

	if err := runUntilDone(ctx, orch, rt.cfg.CycleInterval); err != nil {
		return err
	}

	for _, id := range jobIDs {
		if _, err := engine.Finalize(id); err != nil {
			rt.log.Warn("validation not scored", zap.String("job_id", id), zap.Error(err))
		}
	}
	if err := rt.fs.Save(rt.mgr.State()); err != nil {
		rt.log.Error("state save failed", zap.Error(err))
	}

	rep := report.Aggregate(rt.mgr.Jobs(), time.Now())
	printReport(cmd, rep)

	target := workflowExport
	if target == "" {
		if rt.cfg.ReportS3Bucket != "" {
			target = "s3://" + rt.cfg.ReportS3Bucket
		} else {
			target = rt.cfg.ReportExportDir
		}
	}
	dest, err := exportReport(ctx, rt, target, rep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", dest)
	return nil
}

// locateBot tries each server until one knows the bot.
func locateBot(ctx context.Context, rt *runtime, servers []string, botID string) (validate.BotSnapshot, error) {
	var lastErr error
	for _, server := range servers {
		info, err := rt.client.Bot(ctx, server, botID)
		if err != nil {
			lastErr = err
			continue
		}
		return validate.BotSnapshot{
			BotID:     info.BotID,
			Server:    server,
			ScriptID:  info.ScriptID,
			Market:    info.Market,
			AccountID: info.AccountID,
			Perf: models.Performance{
				ROI:         info.ROI,
				WinRate:     info.WinRate,
				TradeCount:  info.TradeCount,
				DrawdownPct: info.DrawdownPct,
			},
		}, nil
	}
	return validate.BotSnapshot{}, fmt.Errorf("bot %s: %w", botID, lastErr)
}

// runUntilDone cycles until no job is PENDING or RUNNING.
func runUntilDone(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration) error {
	for {
		orch.RunCycle(ctx)
		if !orch.ActiveJobs() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printReport(cmd *cobra.Command, rep report.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "validated %d bots (mean deviation %.1f%%, mean robustness %.1f)\n",
		rep.TotalBots, rep.MeanDeviation, rep.MeanRobustness)
	for _, r := range []models.Recommendation{
		models.RecKeepRunning, models.RecMonitorClosely, models.RecReducePosition,
		models.RecStopImmediately, models.RecNeedsReview,
	} {
		if n := rep.Counts[r]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", r, n)
		}
	}
	for _, e := range rep.Entries {
		v := e.Validation
		fmt.Fprintf(w, "  %s: %s (deviation %.1f%%, confidence %.0f)\n",
			v.BotID, v.Recommendation, v.Deviation, v.Confidence)
		for _, issue := range v.Issues {
			fmt.Fprintf(w, "    issue: %s\n", issue)
		}
		for _, advice := range v.Recommendations {
			fmt.Fprintf(w, "    advice: %s\n", advice)
		}
	}
}

func exportReport(ctx context.Context, rt *runtime, target string, rep report.Report) (string, error) {
	var up report.Uploader
	if strings.HasPrefix(target, "s3://") {
		trimmed := strings.TrimPrefix(target, "s3://")
		bucket, prefix, _ := strings.Cut(trimmed, "/")
		if bucket == "" {
			return "", fmt.Errorf("invalid s3 destination %q", target)
		}
		s3up, err := report.NewS3Uploader(ctx, report.S3Options{
			Bucket:    bucket,
			Prefix:    prefix,
			Region:    rt.cfg.ReportS3Region,
			Endpoint:  rt.cfg.ReportS3Endpoint,
			PathStyle: rt.cfg.ReportS3PathStyle,
		})
		if err != nil {
			return "", err
		}
		up = s3up
	} else {
		up = &report.LocalUploader{BaseDir: target}
	}
	return report.Export(ctx, up, rep)
}
