package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and job status from the state document",
	RunE:  runStatus,
}

var (
	statusServer string
	statusJSON   bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusServer, "server", "", "Limit output to one server")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit JSON instead of a table")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	servers := rt.mgr.Servers()
	if statusServer != "" {
		servers = []string{statusServer}
	}

	// Archived counts come from Postgres when it is configured; without a
	// DSN the column is simply absent.
	archived := map[string]int64{}
	if archive := rt.newArchive(cmd.Context()); archive != nil {
		defer archive.Close()
		for _, s := range servers {
			n, err := archive.CountArchived(cmd.Context(), s)
			if err != nil {
				rt.log.Warn("archive count failed", zap.String("server", s), zap.Error(err))
				continue
			}
			archived[s] = n
		}
	}

	if statusJSON {
		type entry struct {
			Server   string `json:"server"`
			Pending  int    `json:"pending"`
			Running  int    `json:"running"`
			Archived int64  `json:"archived,omitempty"`
		}
		out := struct {
			Servers []entry        `json:"servers"`
			Jobs    []*models.Job  `json:"jobs"`
			Totals  map[string]int `json:"totals"`
		}{Totals: map[string]int{}}
		for _, s := range servers {
			out.Servers = append(out.Servers, entry{s, rt.mgr.PendingCount(s), rt.mgr.RunningCount(s), archived[s]})
		}
		for _, j := range rt.mgr.Jobs() {
			if statusServer != "" && j.Server != statusServer {
				continue
			}
			out.Jobs = append(out.Jobs, j)
			out.Totals[string(j.Status)]++
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	if len(archived) > 0 {
		fmt.Fprintf(w, "%-16s %8s %8s %9s\n", "SERVER", "PENDING", "RUNNING", "ARCHIVED")
		for _, s := range servers {
			fmt.Fprintf(w, "%-16s %8d %8d %9d\n", s, rt.mgr.PendingCount(s), rt.mgr.RunningCount(s), archived[s])
		}
	} else {
		fmt.Fprintf(w, "%-16s %8s %8s\n", "SERVER", "PENDING", "RUNNING")
		for _, s := range servers {
			fmt.Fprintf(w, "%-16s %8d %8d\n", s, rt.mgr.PendingCount(s), rt.mgr.RunningCount(s))
		}
	}

	totals := map[models.Status]int{}
	for _, j := range rt.mgr.Jobs() {
		if statusServer != "" && j.Server != statusServer {
			continue
		}
		totals[j.Status]++
	}
	fmt.Fprintln(w)
	for _, s := range []models.Status{
		models.StatusPending, models.StatusRunning, models.StatusCompleted,
		models.StatusFailed, models.StatusCancelled, models.StatusTimeout,
	} {
		if totals[s] > 0 {
			fmt.Fprintf(w, "%-12s %d\n", s, totals[s])
		}
	}
	return nil
}
