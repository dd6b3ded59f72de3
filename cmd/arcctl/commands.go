package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/arcinvoice/internal/fees"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/server"
	"github.com/mbd888/arcinvoice/internal/usdc"
)

func feesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fees [amount]",
		Short: "Quote the escrow fee split for a USDC amount",
		Long: `Quote what the payer deposits and the creator receives for an invoice
amount. By default the FeeCollector contract is asked; --local uses the
built-in formula without touching the chain.`,
		Example: "  arcctl fees 250.00\n  arcctl fees 0.99 --local",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := usdc.Parse(args[0])
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[0], err)
			}

			if local, _ := cmd.Flags().GetBool("local"); local {
				b, err := fees.Checked(amount)
				if err != nil {
					return err
				}
				return emit(cmd, b, func(w io.Writer) { printBreakdown(w, b, "local") })
			}

			return withServer(cmd, func(ctx context.Context, s *server.Server) error {
				q, err := s.Quoter().Quote(ctx, s.Network(), amount)
				if err != nil {
					return err
				}
				return emit(cmd, q, func(w io.Writer) { printBreakdown(w, q.Breakdown, q.Source) })
			})
		},
	}
	cmd.Flags().Bool("local", false, "Use the local fee formula instead of the FeeCollector contract")
	return cmd
}

func printBreakdown(w io.Writer, b fees.Breakdown, source string) {
	fmt.Fprintf(w, "Invoice amount:   %s USDC\n", usdc.Format(b.InvoiceAmount))
	fmt.Fprintf(w, "Payer deposits:   %s USDC (fee %s)\n", usdc.Format(b.PayerAmount), usdc.Format(b.PayerFee))
	fmt.Fprintf(w, "Creator receives: %s USDC (fee %s)\n", usdc.Format(b.CreatorAmount), usdc.Format(b.CreatorFee))
	fmt.Fprintf(w, "Total fee:        %s USDC\n", usdc.Format(b.TotalFee))
	fmt.Fprintf(w, "Source:           %s\n", source)
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [invoice-id]",
		Short: "Compare one invoice with its escrow and repair the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, s *server.Server) error {
				res, err := s.Reconciler().Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "Invoice %s: %s\n", res.Invoice.ID, res.Invoice.Status)
					if res.Escrow != nil {
						fmt.Fprintf(w, "Escrow:  %s (v%d)\n", res.Invoice.EscrowAddress, int(res.Invoice.ContractVersion))
					}
					for _, m := range res.Milestones {
						fmt.Fprintf(w, "  milestone %d: %s USDC [%s]\n", m.Index, usdc.Format(m.Amount), m.Status)
					}
					if res.Changed {
						fmt.Fprintln(w, "Ledger updated.")
					} else {
						fmt.Fprintln(w, "Ledger already matched the chain.")
					}
				})
			})
		},
	}
}

type sweepSummary struct {
	Checked      int   `json:"checked"`
	Updated      int   `json:"updated"`
	AutoReleased int   `json:"autoReleased"`
	Failed       int   `json:"failed"`
	Expired      int   `json:"disputesExpired"`
	Finalized    int   `json:"acceptancesFinalized"`
	Executed     int   `json:"rulingsExecuted"`
	DurationMs   int64 `json:"durationMs"`
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep plus dispute and ruling maintenance",
		Long: `Run the work the server's timers do, once:
- reconcile every unsettled invoice (and auto-release if enabled)
- expire disputes past their window and finish claimed acceptances
- execute resolved arbitration rulings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			skipDisputes, _ := cmd.Flags().GetBool("skip-disputes")
			skipRulings, _ := cmd.Flags().GetBool("skip-rulings")

			return withServer(cmd, func(ctx context.Context, s *server.Server) error {
				report, err := s.Reconciler().Sweep(ctx)
				if err != nil {
					return err
				}
				sum := sweepSummary{
					Checked:      report.Checked,
					Updated:      report.Updated,
					AutoReleased: report.AutoReleased,
					Failed:       report.Failed,
					DurationMs:   report.Duration.Milliseconds(),
				}

				if !skipDisputes {
					if sum.Expired, err = s.Negotiator().ExpireStale(ctx); err != nil {
						return fmt.Errorf("expire disputes: %w", err)
					}
					if sum.Finalized, err = s.Negotiator().FinalizeAccepted(ctx); err != nil {
						return fmt.Errorf("finalize acceptances: %w", err)
					}
				}
				if !skipRulings {
					if sum.Executed, err = s.Bridge().ExecutePending(ctx); err != nil {
						return fmt.Errorf("execute rulings: %w", err)
					}
				}

				return emit(cmd, sum, func(w io.Writer) {
					fmt.Fprintf(w, "Invoices checked:      %d\n", sum.Checked)
					fmt.Fprintf(w, "Ledger updates:        %d\n", sum.Updated)
					fmt.Fprintf(w, "Auto-released:         %d\n", sum.AutoReleased)
					fmt.Fprintf(w, "Failed:                %d\n", sum.Failed)
					fmt.Fprintf(w, "Disputes expired:      %d\n", sum.Expired)
					fmt.Fprintf(w, "Acceptances finalized: %d\n", sum.Finalized)
					fmt.Fprintf(w, "Rulings executed:      %d\n", sum.Executed)
					fmt.Fprintf(w, "Took %dms\n", sum.DurationMs)
				})
			})
		},
	}
	cmd.Flags().Bool("skip-disputes", false, "Do not expire or finalize disputes")
	cmd.Flags().Bool("skip-rulings", false, "Do not execute arbitration rulings")
	return cmd
}

func executeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute [case-id]",
		Short: "Execute a resolved arbitration ruling on-chain",
		Long: `Move escrowed funds according to a case's ruling. Running it on a case
that was already executed is a no-op.

When the escrow cannot carry out the ruling itself (a split on a V1
escrow), settle it by hand and pass the settling transaction with
--settled-by. The escrow is re-read and must already be empty; the case is
then recorded as executed and auto-release stays off until it is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settledBy, _ := cmd.Flags().GetString("settled-by")
			return withServer(cmd, func(ctx context.Context, s *server.Server) error {
				var (
					c   *ledger.KlerosCase
					err error
				)
				if settledBy != "" {
					c, err = s.Bridge().RecordExecution(ctx, args[0], settledBy)
				} else {
					c, err = s.Bridge().Execute(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return emit(cmd, c, func(w io.Writer) {
					fmt.Fprintf(w, "Case %s: ruling %s, executed=%t\n", c.ID, c.Ruling, c.Executed)
					if c.ExecutionTxRef != "" {
						fmt.Fprintf(w, "Transaction: %s\n", c.ExecutionTxRef)
					}
				})
			})
		},
	}
	cmd.Flags().String("settled-by", "", "Record a settlement made outside the escrow (tx hash)")
	return cmd
}
