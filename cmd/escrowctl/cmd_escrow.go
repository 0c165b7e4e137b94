package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"github.com/roborio/roborio/internal/escrow"
)

// action is a lifecycle call taking an existing escrow.
type action struct {
	use   string
	short string
	long  string
	run   func(s *escrow.Service, ctx context.Context, e *escrow.Escrow) (*escrow.ActionResult, error)
}

var (
	actionComplete = action{
		use:   "complete <escrow>",
		short: "Release the rental payment to the operator (renter only)",
		long: `Release the escrowed amount to the operator, minus the platform fee.

Only the renter can complete. With ESCROW_AUTO_CLOSE set, the emptied
account is closed in a follow-up transaction; a failed close does not
undo the completion.`,
		run: (*escrow.Service).Complete,
	}
	actionCancel = action{
		use:   "cancel <escrow>",
		short: "Request or approve cancellation",
		long: `Negotiate cancellation of an active rental.

The renter's first call records a cancellation request and submits nothing.
The operator's call approves a pending request and refunds the renter on-chain.
When renter and operator are the same wallet the refund happens at once.`,
		run: (*escrow.Service).Cancel,
	}
	actionDispute = action{
		use:   "dispute <escrow>",
		short: "Reject a pending cancellation request (operator only)",
		run:   (*escrow.Service).Dispute,
	}
	actionClaim = action{
		use:   "claim <escrow>",
		short: "Claim an expired rental's funds (operator only)",
		run:   (*escrow.Service).Claim,
	}
	actionClose = action{
		use:   "close <escrow>",
		short: "Close a finished escrow and reclaim its rent (renter only)",
		run:   (*escrow.Service).Close,
	}
)

func newActionCmd(opts *options, act action) *cobra.Command {
	return &cobra.Command{
		Use:   act.use,
		Short: act.short,
		Long:  act.long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			e, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := act.run(a.service, ctx, e)
			if err != nil {
				return err
			}
			return a.printAction(res)
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	var (
		operator string
		robot    string
		usd      float64
		hours    uint64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Rent a robot by funding a new escrow",
		Long: `Create an escrow holding the rental amount until the renter completes,
the parties cancel, or the operator claims it after expiry.

If an active escrow already exists for this renter, operator and robot it is
reused and nothing is submitted.`,
		Example: `  escrowctl create --operator 9xQe...Vk --robot "Unitree Go2 #7" --usd 25 --hours 4`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := parseKey("operator", operator)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.Create(cmd.Context(), escrow.CreateRequest{
				Operator:      op,
				RobotSeed:     robot,
				AmountUSD:     usd,
				DurationHours: hours,
			})
			if err != nil {
				return err
			}
			return a.printCreate(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&operator, "operator", "", "operator wallet address")
	f.StringVar(&robot, "robot", "", "robot identifier")
	f.Float64Var(&usd, "usd", 0, "rental price in USD")
	f.Uint64Var(&hours, "hours", escrow.DefaultRentalHours, "rental duration in hours")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("robot")
	_ = cmd.MarkFlagRequired("usd")
	return cmd
}

func newRefreshCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <escrow>",
		Short: "Re-read an escrow from the chain and update the mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			e, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			fresh, err := a.service.Refresh(ctx, e)
			if err != nil {
				return err
			}
			if fresh == nil {
				fmt.Fprintln(a.out, "account no longer exists on-chain; mirror left as it was")
				return a.printEscrow(e)
			}
			return a.printEscrow(fresh)
		},
	}
}

// notifierFunc adapts a function to escrow.Notifier.
type notifierFunc func(e *escrow.Escrow)

func (f notifierFunc) EscrowUpdated(e *escrow.Escrow) { f(e) }

func newWatchCmd(opts *options) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <escrow>",
		Short: "Follow an escrow until it is closed",
		Long: `Refresh an escrow on an interval and print every change. Stops when the
account is closed, disappears, or on Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			e, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.printEscrow(e); err != nil {
				return err
			}

			last := e.UpdatedAt
			a.service.WithNotifier(notifierFunc(func(u *escrow.Escrow) {
				if !u.UpdatedAt.After(last) {
					return
				}
				last = u.UpdatedAt
				_ = a.printEscrow(u)
			}))
			if interval > 0 {
				a.service.WithRefreshInterval(interval)
			}

			go a.service.FollowSession(ctx)
			stop := a.service.Watch(ctx, e)
			defer stop()

			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if a.service.Watching() == 0 {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "refresh interval (default $AUTO_REFRESH_INTERVAL)")
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	var (
		of    string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrored escrows where a wallet is renter or operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, of == "")
			if err != nil {
				return err
			}
			defer a.Close()

			w := solana.PublicKey{}
			if of != "" {
				if w, err = parseKey("wallet", of); err != nil {
					return err
				}
			} else {
				w = a.provider.PublicKey()
			}
			list, err := a.service.List(cmd.Context(), w, limit)
			if err != nil {
				return err
			}
			return a.printList(list)
		},
	}
	cmd.Flags().StringVar(&of, "wallet", "", "wallet to list for (default: the keypair's)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newAddressCmd(opts *options) *cobra.Command {
	var renter, operator, robot string
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the escrow address for a renter, operator and robot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, renter == "")
			if err != nil {
				return err
			}
			defer a.Close()

			r := solana.PublicKey{}
			if renter != "" {
				if r, err = parseKey("renter", renter); err != nil {
					return err
				}
			} else {
				r = a.provider.PublicKey()
			}
			op, err := parseKey("operator", operator)
			if err != nil {
				return err
			}
			addr, err := a.service.DeriveAddress(r, op, robot)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return a.printJSON(map[string]string{"escrowAddress": addr.String()})
			}
			fmt.Fprintln(a.out, addr.String())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&renter, "renter", "", "renter wallet (default: the keypair's)")
	f.StringVar(&operator, "operator", "", "operator wallet address")
	f.StringVar(&robot, "robot", "", "robot identifier")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("robot")
	return cmd
}
