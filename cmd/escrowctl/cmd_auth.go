package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLoginCmd(opts *options) *cobra.Command {
	var showToken bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the keypair and obtain a session token",
		Long: `Sign a one-time challenge with the keypair and exchange it at
WALLET_AUTH_URL for a session token. The token authorizes reads and writes
against the hosted escrow mirror.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.WalletAuthURL == "" {
				return errors.New("WALLET_AUTH_URL is not set")
			}
			resp, err := a.tokens.Login(cmd.Context())
			if err != nil {
				return err
			}

			expires := time.Duration(resp.ExpiresIn) * time.Second
			if opts.jsonOut {
				out := map[string]any{"wallet": resp.Wallet, "expiresIn": resp.ExpiresIn}
				if showToken {
					out["token"] = resp.Token
				}
				return a.printJSON(out)
			}
			fmt.Fprintf(a.out, "signed in as %s (session valid for %s)\n", resp.Wallet, expires)
			if showToken {
				fmt.Fprintln(a.out, resp.Token)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the session token")
	return cmd
}
