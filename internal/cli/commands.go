package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/punchamoorthee/vpnledger/internal/app"
	"github.com/punchamoorthee/vpnledger/internal/config"
	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/inventory"
	"github.com/spf13/cobra"
)

func newMigrateCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening a postgres store migrates it.
			return withApp(cmd, open, func(a *app.App) error {
				if a.Config.StoreDriver == config.DriverMemory {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "memory store: nothing to migrate")
					return nil
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}

func newBalanceCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print the current balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(a *app.App) error {
				balance, err := a.Ledger.CurrentBalance(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", balance)
				return nil
			})
		},
	}
}

func newHistoryCmd(open Opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "List ledger operations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(a *app.App) error {
				ops, err := a.Ledger.History(cmd.Context(), accountID, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tAMOUNT\tKIND\tREFERENCE\tCREATED")
				for _, op := range ops {
					_, _ = fmt.Fprintf(w, "%d\t%+d\t%s\t%s\t%s\n", op.ID, op.Amount, op.Kind, op.Reference, op.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of operations")
	return cmd
}

func newCreditCmd(open Opener) *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "credit <account-id> <amount>",
		Short: "Record a manual adjustment (negative amounts debit)",
		Long:  "credit records a manual_adjustment operation, used to settle payments the reconciler could not match or to refund a failed provisioning. Pass negative amounts after \"--\".",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount == 0 {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			return withApp(cmd, open, func(a *app.App) error {
				op, err := a.Ledger.RecordOperation(cmd.Context(), accountID, amount, domain.KindManualAdjustment, reference)
				if err != nil {
					return err
				}
				balance, err := a.Ledger.CurrentBalance(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "operation %d recorded, balance %d\n", op.ID, balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "Free-form reference stored with the operation")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func newJobsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run a scheduled pass once",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "billing",
			Short: "Discard stale bills and reconcile pending ones",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, open, func(a *app.App) error {
					return a.Scheduler.RunBillingPass(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "fees",
			Short: "Charge the monthly fee for due keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, open, func(a *app.App) error {
					return a.Scheduler.RunFeePass(cmd.Context())
				})
			},
		},
	)
	return cmd
}

func newServersCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the server inventory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List active servers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, open, func(a *app.App) error {
					servers, err := a.Servers.ListAvailable(cmd.Context())
					if err != nil {
						return err
					}
					for _, s := range servers {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", s.ID, s.RegionCode, s.Address)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "import <file.yaml>",
			Short: "Register the servers of a YAML inventory that are not known yet",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				servers, err := inventory.ReadFile(args[0])
				if err != nil {
					return err
				}
				return withApp(cmd, open, func(a *app.App) error {
					added, err := a.Servers.Import(cmd.Context(), servers)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "registered %d servers, skipped %d already known\n", added, len(servers)-added)
					return nil
				})
			},
		},
	)
	return cmd
}
