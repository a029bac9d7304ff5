package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and source health",
	Long:  "Displays job counts by status and the per-source health table.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Scheduler.Stats(ctx, "")
		if err != nil {
			return err
		}

		fmt.Printf("queue: %d pending, %d processing, %d completed, %d failed, %d cancelled (%d total)\n\n",
			stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Cancelled, stats.Total())

		formatSourceHealth(os.Stdout, env.Health.All())
		return nil
	},
}

// formatSourceHealth writes a tabular representation of source health to w.
func formatSourceHealth(out io.Writer, sources []model.SourceHealth) {
	if len(sources) == 0 {
		_, _ = fmt.Fprintln(out, "no source activity recorded yet")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tCIRCUIT\tSUCCESS\tAVG LATENCY\tREQUESTS\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "------\t------\t-------\t-------\t-----------\t--------\t----------")

	for _, s := range sources {
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.0fms\t%d\t%s\n",
			s.SourceID, s.Status, s.CircuitState,
			s.SuccessRate*100, s.AvgLatencyMs, s.TotalRequests, lastErr)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
