package cli

import (
	"github.com/spf13/cobra"
)

var (
	runListen      string
	runZKBaseURL   string
	runNoZKPolling bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the protocol engine, fact dispatcher, ZK poller and HTTP API",
	Long: `Run serves the arbitration protocol over HTTP. Facts are projected into Postgres when
database.dsn is set and logged otherwise. Only one instance may run against a database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runListen != "" {
			a.Config.API.Listen = runListen
		}
		if runZKBaseURL != "" {
			a.Config.Attestation.BaseURL = runZKBaseURL
		}
		if runNoZKPolling {
			a.Config.Attestation.BaseURL = ""
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "HTTP listen address (overrides api.listen)")
	runCmd.Flags().StringVar(&runZKBaseURL, "zk-url", "", "ZK verification service base URL (overrides attestation.base_url)")
	runCmd.Flags().BoolVar(&runNoZKPolling, "no-zk", false, "Do not poll the ZK service; fraud evidence must be supplied in-process")
	runCmd.MarkFlagsMutuallyExclusive("zk-url", "no-zk")
}
