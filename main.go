package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/adagate/adagate/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "adagate",
		Short: "Metered gateway and deposit settler for Cardano-style full nodes",
		Long: `adagate fronts a pool of chain-node endpoints with a multiplexing,
caching, metered gateway, and settles on-chain deposits against a prepaid
credit ledger.

Components:

- gateway: accepts client sessions over WebSocket/HTTP, classifies each
  message as cacheable, stateless or stateful, enforces per-tier rate
  limits, serves cacheable queries from a shared Redis cache and reports
  usage to the billing collector.
- settler: watches receiving addresses for incoming deposits, advances
  each payment through its confirmation state machine and credits the
  owning user's balance exactly once per payment.`,
	}

	rootCmd.AddCommand(cmd.GatewayCmd())
	rootCmd.AddCommand(cmd.SettlerCmd())
	rootCmd.AddCommand(cmd.VersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
