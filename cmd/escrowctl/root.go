package main

import (
	"io"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree writing results to out.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "escrowctl",
		Short: "Manage robot-rental escrows",
		Long: `escrowctl creates and settles robot-rental escrows on a Solana cluster.

Every state change is read back from the chain before and after it is
submitted. The local mirror (hosted table, Postgres or memory) is refreshed
from the chain as a side effect.

Configuration comes from the environment (.env is read when present):
  SOLANA_NETWORK, SOLANA_RPC_URL, ESCROW_PROGRAM_ID, SOL_PRICE_USD,
  PLATFORM_FEE_WALLET, ESCROW_AUTO_CLOSE, MIRROR_REST_URL, DATABASE_URL,
  WALLET_AUTH_URL`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.keypair, "keypair", "k", "", "solana-keygen keypair file (default $SOLANA_KEYPAIR or ~/.config/solana/id.json)")
	pf.StringVarP(&opts.network, "network", "n", "devnet", "cluster name or alias (mainnet-beta, testnet, devnet, localnet)")
	pf.StringVar(&opts.rpcURL, "rpc", "", "explicit RPC endpoint")
	pf.StringVar(&opts.programID, "program", "", "escrow program id (default $ESCROW_PROGRAM_ID)")
	pf.StringVar(&opts.origin, "origin", "https://roborio.xyz", "origin claimed when signing in")
	pf.BoolVar(&opts.jsonOut, "json", false, "print results as JSON")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		newCreateCmd(opts),
		newActionCmd(opts, actionComplete),
		newActionCmd(opts, actionCancel),
		newActionCmd(opts, actionDispute),
		newActionCmd(opts, actionClaim),
		newActionCmd(opts, actionClose),
		newRefreshCmd(opts),
		newWatchCmd(opts),
		newListCmd(opts),
		newAddressCmd(opts),
		newLoginCmd(opts),
	)
	return root
}
