package cli

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"ledger-sync/internal/reconciliation"
)

var reconcileOpts struct {
	lookback time.Duration
	trader   string
	dryRun   bool
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print the report",
	Long: `Matches CLOSED trades of the lookback window against the venue's position
history and corrects stored realized pnl that differs materially.

Example:
  ledger-sync reconcile --lookback 48h --dry-run`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().DurationVar(&reconcileOpts.lookback, "lookback", 0, "how far back to examine closed trades (default from config)")
	reconcileCmd.Flags().StringVar(&reconcileOpts.trader, "trader", "", "restrict the run to one trader")
	reconcileCmd.Flags().BoolVar(&reconcileOpts.dryRun, "dry-run", false, "report corrections without writing them")
}

func runReconcile(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.close()) }()

	lookback := reconcileOpts.lookback
	if lookback <= 0 {
		lookback = cfg.Tuning.Reconciliation.Lookback
	}
	rep, err := a.reconciler.Run(cmd.Context(), reconciliation.Options{
		Lookback: lookback,
		DryRun:   reconcileOpts.dryRun,
		TraderID: reconcileOpts.trader,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
