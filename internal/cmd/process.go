package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iamcos/labrunner/internal/orchestrator"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one admission and polling cycle, then exit",
	Long: `Run a single monitoring cycle over the configured servers: admit
queued jobs up to each server's concurrency limit, poll every running
job once, and persist the state document. Useful from cron or for
debugging a stuck queue.`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	servers := rt.cfg.Servers
	if len(servers) == 0 {
		servers = rt.mgr.Servers()
	}
	if err := orchestrator.Preflight(cmd.Context(), rt.client, servers, rt.log); err != nil {
		return err
	}

	orch := orchestrator.New(rt.mgr, rt.client, rt.newPoller(), rt.fs, rt.newArchive(cmd.Context()), orchestrator.Options{
		Servers:            servers,
		Interval:           rt.cfg.CycleInterval,
		RetentionAge:       rt.cfg.RetentionAge,
		CleanupEveryCycles: rt.cfg.CleanupEveryCycles,
	}, rt.log)

	sum := orch.RunCycle(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "completed=%d failed=%d timeout=%d running=%d skipped=%d\n",
		sum.Completed, sum.Failed, sum.TimedOut, sum.Running, sum.Skipped)
	return nil
}
