package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

var (
	enqueueSources  []string
	enqueuePriority int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <product-key>...",
	Short: "Queue collection jobs for products",
	Long:  "Creates one collection job per product per source. Jobs are picked up by a running worker.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		sources := env.Sources.Sources()
		if len(enqueueSources) > 0 {
			sources = sources[:0]
			for _, s := range enqueueSources {
				sources = append(sources, model.SourceID(strings.TrimSpace(s)))
			}
		}

		for _, productKey := range args {
			for _, src := range sources {
				job, err := env.Scheduler.Enqueue(ctx, src, productKey, enqueuePriority)
				if err != nil {
					return err
				}
				fmt.Printf("queued %s  source=%s  job=%s\n", job.ProductKey, job.SourceID, job.ID)
			}
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringSliceVar(&enqueueSources, "sources", nil, "source IDs to collect from (default: all registered)")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 5, "job priority (higher runs first)")
	rootCmd.AddCommand(enqueueCmd)
}
