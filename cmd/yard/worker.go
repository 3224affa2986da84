package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stylelicense/jobyard/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	var (
		configPath string
		queues     []string
		maxTasks   int
		complete   bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a reference consumer that logs and acks tasks",
		Long: "Consumes the job queues in the configured consumer group, logs every task and acks it. " +
			"With --complete each task's job is also reported started and completed, which " +
			"exercises a deployment end to end without a GPU.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath, queues, maxTasks, complete)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queues to consume (default: every configured queue)")
	cmd.Flags().IntVar(&maxTasks, "max", 0, "exit after this many tasks (0 = run until interrupted)")
	cmd.Flags().BoolVar(&complete, "complete", false, "report each job started and completed")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, queues []string, maxTasks int, complete bool) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if len(queues) == 0 {
		queues = []string{a.cfg.Queues.Training, a.cfg.Queues.Generation}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
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

	var handled atomic.Int64
	handler := func(ctx context.Context, d queue.Delivery) queue.Decision {
		log := a.log.With(
			zap.String("queue", d.Queue),
			zap.String("entry", d.ID),
			zap.String("job_id", d.Message.JobID),
			zap.String("idempotency_key", d.Message.IdempotencyKey))
		log.Info("task received", zap.String("kind", d.Message.Kind))

		if complete {
			reportDone(ctx, a, log, d.Message)
		}
		if n := handled.Add(1); maxTasks > 0 && n >= int64(maxTasks) {
			cancel()
		}
		return queue.Ack()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			return a.queue.Consume(gctx, q, handler)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Handled %d tasks\n", handled.Load())
	return nil
}

// reportDone drives a job through started and complete the way a GPU
// worker would.
func reportDone(ctx context.Context, a *app, log *zap.Logger, msg queue.TaskMessage) {
	ctx = context.WithoutCancel(ctx)
	if res, err := a.ingest.ApplyStarted(ctx, msg.JobID, msg.IdempotencyKey); err != nil {
		log.Warn("report started failed", zap.Error(err))
		return
	} else if !res.Applied {
		log.Info("started report dropped", zap.String("reason", string(res.Reason)))
	}
	res, err := a.ingest.ApplySuccess(ctx, msg.JobID, msg.IdempotencyKey, "smoke://"+msg.JobID)
	if err != nil {
		log.Warn("report complete failed", zap.Error(err))
		return
	}
	if !res.Applied {
		log.Info("complete report dropped", zap.String("reason", string(res.Reason)))
		return
	}
	log.Info("job completed")
}
