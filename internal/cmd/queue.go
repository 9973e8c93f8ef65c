package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iamcos/labrunner/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Enqueue a backtest job on a server",
	Long: `Add a PENDING backtest job to a server's queue. The job starts
running once the monitoring loop admits it within the server's
concurrency limit.

Example:
  labrunner queue --server srv1 --script scalper-v2 --market BINANCE_BTC_USDT --account acc-1`,
	RunE: runQueue,
}

var (
	queueServer  string
	queueScript  string
	queueMarket  string
	queueAccount string
	queueStart   string
	queueEnd     string
	queueTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.Flags().StringVar(&queueServer, "server", "", "Target server name (required)")
	queueCmd.Flags().StringVar(&queueScript, "script", "", "Script id to backtest (required)")
	queueCmd.Flags().StringVar(&queueMarket, "market", "", "Market tag (required)")
	queueCmd.Flags().StringVar(&queueAccount, "account", "", "Account id")
	queueCmd.Flags().StringVar(&queueStart, "start", "", "Backtest window start (RFC3339)")
	queueCmd.Flags().StringVar(&queueEnd, "end", "", "Backtest window end (RFC3339)")
	queueCmd.Flags().DurationVar(&queueTimeout, "timeout", 0, "Per-job duration budget override")

	_ = queueCmd.MarkFlagRequired("server")
	_ = queueCmd.MarkFlagRequired("script")
	_ = queueCmd.MarkFlagRequired("market")
}

func runQueue(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	job := &models.Job{
		ID:          uuid.New().String(),
		Server:      queueServer,
		ScriptID:    queueScript,
		Market:      queueMarket,
		AccountID:   queueAccount,
		CreatedAt:   time.Now(),
		MaxDuration: queueTimeout,
	}
	if queueStart != "" {
		ts, err := time.Parse(time.RFC3339, queueStart)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
		job.WindowStart = &ts
	}
	if queueEnd != "" {
		ts, err := time.Parse(time.RFC3339, queueEnd)
		if err != nil {
			return fmt.Errorf("parse --end: %w", err)
		}
		job.WindowEnd = &ts
	}

	rt.mgr.Enqueue(job)
	if err := rt.fs.Save(rt.mgr.State()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s on %s (position %d)\n",
		job.ID, job.Server, rt.mgr.PendingCount(job.Server))
	return nil
}
