package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"arbiter-escrow/internal/app"
)

var simulateNotify bool

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存中模拟一次仲裁超时并结算赔偿",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{Notify: simulateNotify})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "arbiter:     %s\n", report.Arbiter.Hex())
		fmt.Fprintf(out, "transaction: %s\n", report.TransactionID.Hex())
		fmt.Fprintf(out, "claim:       %s\n", report.ClaimID.Hex())
		fmt.Fprintf(out, "deposit:     %s\n", report.Deposit)
		fmt.Fprintf(out, "slashed:     %s\n", report.Slashed)
		fmt.Fprintf(out, "paid:        %s\n", report.Paid)
		fmt.Fprintf(out, "system fee:  %s\n", report.SystemFee)
		fmt.Fprintf(out, "dapp refund: %s\n", report.DappRefund)
		fmt.Fprintf(out, "facts:       %d\n", report.Facts)
		return nil
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送仲裁请求通知")
}
