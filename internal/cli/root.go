package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"arbiter-escrow/internal/app"
	"arbiter-escrow/internal/config"
	"arbiter-escrow/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	network   string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "arbiterd",
	Short: "Escrow and arbitration protocol service",
	Long: `arbiterd runs the stake, escrow and compensation ledgers behind an HTTP API and
projects every state change into a Postgres read model.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if network != "" {
			cfg.Chain.Network = network
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("--network: %w", err)
			}
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&network, "network", "", "Secondary-chain network: mainnet, testnet3, regtest or signet (overrides chain.network)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
