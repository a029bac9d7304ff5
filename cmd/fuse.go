package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/aydarnuman/procheff-v3-sub000/internal/cache"
	"github.com/aydarnuman/procheff-v3-sub000/internal/fusion"
	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
)

var fuseForce bool

var fuseCmd = &cobra.Command{
	Use:   "fuse <product-key>",
	Short: "Fuse stored quotes into a single price",
	Long:  "Combines the recent validated quotes for a product into one trust-weighted price with a confidence breakdown, printed as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		var result model.FusionResult
		if fuseForce {
			result, err = env.Refresher.Refresh(ctx, args[0])
		} else {
			// One-shot process: a background revalidation would die
			// at exit, so recompute stale entries in the foreground.
			result, err = env.Refresher.FusedPrice(ctx, args[0], cache.SyncOnStale())
		}
		if eris.Is(err, fusion.ErrNoReliableData) {
			return fmt.Errorf("no reliable quotes for %q; enqueue a collection first", args[0])
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	fuseCmd.Flags().BoolVar(&fuseForce, "force", false, "recompute even when a fresh cached result exists")
	rootCmd.AddCommand(fuseCmd)
}
