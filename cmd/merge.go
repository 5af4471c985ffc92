package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/merge"
)

var (
	mergeWindowDays float64
	mergeFull       bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Compact raw landings into the review fact table",
	Long: `Compact raw landings into the review fact table.

Selects recommendation IDs with activity inside the trailing window behind
the current watermark (plus any ID not yet in the fact table), picks one
winner per ID across all of its landings, and replaces the affected fact
rows in a single batch. Re-running is safe: the same ledger state converges
to the same fact table. Use --full to rescan the entire ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "merge"))

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "merge: migrate")
		}

		opts := merge.Options{}
		switch {
		case mergeFull:
			opts.TrailingWindow = merge.Window(-1)
		case cmd.Flags().Changed("window-days"):
			opts.TrailingWindow = merge.Window(time.Duration(mergeWindowDays * 24 * float64(time.Hour)))
		default:
			opts.TrailingWindow = merge.Window(time.Duration(cfg.Merge.TrailingWindowDays * 24 * float64(time.Hour)))
		}

		res, err := merge.New(st, ledger.NewRunLog(st), opts).Run(ctx)
		if err != nil {
			return eris.Wrap(err, "merge")
		}

		log.Info("merge finished",
			zap.Int64("inserted", res.Inserted),
			zap.Int64("updated", res.Updated),
			zap.Int("malformed", len(res.Malformed)),
		)
		fmt.Printf("Merged %d new and %d updated reviews (watermark %s)\n",
			res.Inserted, res.Updated, res.Watermark.UTC().Format(time.RFC3339))
		if len(res.Malformed) > 0 {
			fmt.Printf("Skipped %d malformed landings; see the run log for keys\n", len(res.Malformed))
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().Float64Var(&mergeWindowDays, "window-days", 0,
		"trailing window in days behind the watermark (overrides config)")
	mergeCmd.Flags().BoolVar(&mergeFull, "full", false,
		"rescan the entire raw ledger instead of the trailing window")
	rootCmd.AddCommand(mergeCmd)
}
