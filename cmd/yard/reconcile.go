package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one recovery sweep",
		Long: "Refunds reservations whose job was never recorded, republishes queued jobs the " +
			"broker never accepted, re-dispatches retrying jobs whose backoff has elapsed, " +
			"and alerts on processing jobs that stopped reporting progress.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	return cmd
}

func runReconcile(cmd *cobra.Command, configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.reconciler.Sweep(cmd.Context())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Orphaned reservations refunded: %d\n", rep.OrphansRefunded)
	fmt.Fprintf(out, "Queued jobs republished:        %d\n", rep.Republished)
	fmt.Fprintf(out, "Retrying jobs resumed:          %d\n", rep.Resumed)
	fmt.Fprintf(out, "Stalled jobs:                   %d\n", rep.Stalled)
	if rep.Failures > 0 {
		fmt.Fprintf(out, "Failures:                       %d\n", rep.Failures)
	}
	return err
}
