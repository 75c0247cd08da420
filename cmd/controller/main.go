package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/logging"
)

// Exit codes.
const (
	exitError     = 1
	exitIntegrity = 3
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

// #region root
var rootCmd = &cobra.Command{
	Use:   "tidewatch",
	Short: "Tick-based emergency response decision loop",
	Long: `tidewatch reads sensor observations, fuses them into a per-zone world
summary, screens them for tampering, ranks response plans, executes the
approved one and records it in a hash-chained audit ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.NewLogger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tidewatch.yaml", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, verifyCmd)
}

// #endregion root

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, ledger.ErrIntegrity) {
			fmt.Fprintf(os.Stderr, "LEDGER TAMPERED: %v\n", err)
			os.Exit(exitIntegrity)
		}
		os.Exit(exitError)
	}
}

// #endregion main
