package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stylelicense/jobyard/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		ephemeral  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, retry supervisor and reconciler",
		Long: "Serves the job and worker callback API, re-dispatches retrying jobs and " +
			"runs the recovery sweep on the configured schedule until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, ephemeral)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides webhook.port)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "use a throwaway in-memory database")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, ephemeral bool) error {
	open := newApp
	if ephemeral {
		open = newEphemeralApp
	}
	a, err := open(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if port == 0 {
		port = a.cfg.Webhook.Port
	}
	if a.cfg.Webhook.Token == "" {
		a.log.Warn("no webhook token configured, authenticated routes will refuse every request",
			zap.String("env", a.cfg.Webhook.TokenEnv))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.queue.Ping(ctx); err != nil {
		// Publishes are retried and swept, so a broker outage is not fatal.
		a.log.Warn("broker unreachable at startup", zap.Error(err))
	}

	// Recover whatever a previous process left behind before taking traffic.
	if rep, err := a.reconciler.Sweep(ctx); err != nil {
		a.log.Error("startup sweep failed", zap.Error(err))
	} else {
		a.log.Info("startup sweep finished",
			zap.Int("orphans_refunded", rep.OrphansRefunded),
			zap.Int("republished", rep.Republished),
			zap.Int("resumed", rep.Resumed))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.reconciler.Run(gctx, a.cfg.Reconcile.Schedule)
	})
	g.Go(func() error {
		return webhook.Start(gctx, webhook.StartOpts{
			Options: webhook.Options{
				Token:          a.cfg.Webhook.Token,
				AllowedSources: a.cfg.Webhook.AllowedSources,
				Dispatcher:     a.dispatcher,
				Ingest:         a.ingest,
				Store:          a.store,
				Ledger:         a.ledger,
				TrainingCost:   a.cfg.Costs.Training,
				Logger:         a.log,
			},
			Port: port,
		})
	})
	return g.Wait()
}
