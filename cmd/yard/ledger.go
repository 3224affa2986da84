package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/models"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Token ledger commands",
	}

	cmd.AddCommand(newLedgerBalanceCmd())
	cmd.AddCommand(newLedgerGrantCmd())
	cmd.AddCommand(newLedgerEntriesCmd())
	return cmd
}

func openLedger(configPath string) (*ledger.Ledger, error) {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return ledger.New(gormDB, ledger.Options{}), nil
}

func newLedgerBalanceCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Print an account's token balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(configPath)
			if err != nil {
				return err
			}
			balance, err := l.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s tokens\n", args[0], formatTokenCount(balance))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	return cmd
}

func newLedgerGrantCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		memo       string
	)

	cmd := &cobra.Command{
		Use:   "grant <account> <amount>",
		Short: "Credit an account",
		Long:  "Appends a welcome_grant or purchase entry. An account receives at most one welcome grant.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q is not an integer", args[1])
			}
			return runLedgerGrant(cmd, configPath, args[0], amount, kind, memo)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	cmd.Flags().StringVar(&kind, "kind", models.EntryPurchase, "entry kind: welcome_grant or purchase")
	cmd.Flags().StringVar(&memo, "memo", "", "free-form note stored on the entry")
	return cmd
}

func runLedgerGrant(cmd *cobra.Command, configPath, account string, amount int64, kind, memo string) error {
	l, err := openLedger(configPath)
	if err != nil {
		return err
	}
	entry, err := l.Grant(cmd.Context(), account, amount, kind, memo)
	if err != nil {
		return err
	}
	balance, err := l.Balance(cmd.Context(), account)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Granted %s tokens to %s (%s, entry %s), balance %s\n",
		formatTokenCount(entry.Amount), account, entry.Kind, entry.ID, formatTokenCount(balance))
	return nil
}

func newLedgerEntriesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "entries <account>",
		Short: "List an account's ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerEntries(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	return cmd
}

func runLedgerEntries(cmd *cobra.Command, configPath, account string) error {
	l, err := openLedger(configPath)
	if err != nil {
		return err
	}
	entries, err := l.Entries(cmd.Context(), account)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tKIND\tAMOUNT\tJOB\tMEMO")
	var total int64
	for _, e := range entries {
		job := "-"
		if e.RelatedJobID != nil {
			job = *e.RelatedJobID
		}
		total += e.Amount
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(timeLayout), e.Kind, formatTokenCount(e.Amount), job, truncate(e.Memo, 40))
	}
	fmt.Fprintf(w, "\t\t%s\t\tbalance\n", formatTokenCount(total))
	w.Flush()
	return nil
}
