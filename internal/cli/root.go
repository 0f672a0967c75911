package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "ledger-sync",
	Short: "Keeps a trade ledger consistent with a Binance futures account",
	Long: `ledger-sync streams the account's user data into a local trade ledger,
aggregates live trades into positions, guards new trades against conflicting
positions and reconciles realized pnl of closed trades against venue history.`,
	SilenceUsage: true,
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logx.MustSetup(logx.LogConf{
		ServiceName: "ledger-sync",
		Mode:        cfg.LogMode,
		Level:       cfg.LogLevel,
		Encoding:    "plain",
	})
	logx.DisableStat()
	return cfg, nil
}
