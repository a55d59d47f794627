package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/metrics"
	"github.com/c360studio/agentmesh/router"
	"github.com/c360studio/agentmesh/storage"
	"github.com/c360studio/agentmesh/worker"
)

func resultHandlerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resulthandler",
		Short: "Run a standalone result handler",
		Long: `Settles worker results separately from the router process. Retriable
failures go back to the router over the resubmission subject instead of
a local queue.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runResultHandler(opts)
		},
	}
}

func runResultHandler(opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, client, logger, err := opts.bootstrap(ctx, "resulthandler")
	if err != nil {
		return err
	}
	defer client.Close()

	js := client.JetStream()
	tasks, err := storage.NewTaskStore(ctx, js)
	if err != nil {
		return err
	}
	instances, err := storage.NewInstanceStore(ctx, js)
	if err != nil {
		return err
	}
	events, err := event.NewKVStore(ctx, js)
	if err != nil {
		return err
	}
	emitter := event.NewEmitter(events, client, logger)

	handler := worker.NewResultHandler(tasks,
		worker.WithResultInstanceStore(instances),
		worker.WithResubmitter(router.NewFabricResubmitter(client)),
		worker.WithResultPublisher(client),
		worker.WithResultEventSink(emitter),
		worker.WithResultMetrics(metrics.Default()),
		worker.WithResultLogger(logger))

	stopMetrics := serveMetrics(cfg.Metrics.Addr, logger)
	defer stopMetrics()

	return handler.Run(ctx, client)
}
