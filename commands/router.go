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
	"github.com/c360studio/agentmesh/task"
	"github.com/c360studio/agentmesh/worker"
)

func routerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run the task router, supervisor, and result handler",
		Long: `Runs the dispatch side of the mesh: the priority-queue router, the
heartbeat supervisor, and the result handler. The result handler is
colocated so retriable failures land straight back in this router's
queue.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runRouter(opts)
		},
	}
}

func runRouter(opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, client, logger, err := opts.bootstrap(ctx, "router")
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
	agents, err := storage.NewAgentStore(ctx, js)
	if err != nil {
		return err
	}
	events, err := event.NewKVStore(ctx, js)
	if err != nil {
		return err
	}
	emitter := event.NewEmitter(events, client, logger)
	m := metrics.Default()

	rtr := router.New(tasks, instances, agents, client,
		router.WithLogger(logger),
		router.WithEventSink(emitter),
		router.WithMetrics(m))

	sup := router.NewSupervisor(instances, tasks,
		func(t *task.Task) { _ = rtr.Resubmit(context.Background(), t) },
		router.WithSweepInterval(cfg.Router.SweepInterval),
		router.WithHeartbeatTimeout(cfg.Router.HeartbeatTimeout),
		router.WithSupervisorLogger(logger),
		router.WithSupervisorEventSink(emitter))

	handler := worker.NewResultHandler(tasks,
		worker.WithResultInstanceStore(instances),
		worker.WithResubmitter(rtr),
		worker.WithResultPublisher(client),
		worker.WithResultEventSink(emitter),
		worker.WithResultMetrics(m),
		worker.WithResultLogger(logger))

	ingress := router.NewIngress(rtr, router.WithIngressLogger(logger))

	stopMetrics := serveMetrics(cfg.Metrics.Addr, logger)
	defer stopMetrics()

	if err := rtr.Start(ctx); err != nil {
		return err
	}
	defer rtr.Stop()
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()
	if err := ingress.Run(ctx, client); err != nil {
		return err
	}
	defer ingress.Stop()

	return handler.Run(ctx, client)
}
