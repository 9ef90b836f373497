// Package cli is the operator command line for the ledger.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/punchamoorthee/vpnledger/internal/app"
	"github.com/punchamoorthee/vpnledger/internal/config"
	"github.com/punchamoorthee/vpnledger/internal/logging"
	"github.com/spf13/cobra"
)

// Opener builds the application for one command run.
type Opener func(ctx context.Context) (*app.App, error)

func Execute() error {
	return NewRootCmd(openFromEnv).Execute()
}

func openFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

func NewRootCmd(open Opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the VPN billing ledger",
		Long:          "ledgerctl inspects balances, applies manual adjustments, runs the billing and fee passes once, and manages the server inventory.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newMigrateCmd(open),
		newBalanceCmd(open),
		newHistoryCmd(open),
		newCreditCmd(open),
		newJobsCmd(open),
		newServersCmd(open),
	)
	return rootCmd
}

// withApp opens the application, runs fn and closes it.
func withApp(cmd *cobra.Command, open Opener, fn func(a *app.App) error) error {
	a, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}
