package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/iamcos/labrunner/internal/orchestrator"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitoring loop until interrupted",
	Long: `Run admission and polling cycles at the configured interval until
the process receives SIGINT/SIGTERM. Running jobs survive restarts:
they stay RUNNING in the state document and are re-polled on the next
start.

Example:
  labrunner monitor --servers srv1,srv2 --interval 2m --max-concurrent 2`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
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

	archive := rt.newArchive(cmd.Context())
	if archive != nil {
		defer archive.Close()
	}

	orch := orchestrator.New(rt.mgr, rt.client, rt.newPoller(), rt.fs, archive, orchestrator.Options{
		Servers:            servers,
		Interval:           rt.cfg.CycleInterval,
		RetentionAge:       rt.cfg.RetentionAge,
		CleanupEveryCycles: rt.cfg.CleanupEveryCycles,
	}, rt.log)

	if err := orch.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
