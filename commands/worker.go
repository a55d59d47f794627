package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/config"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/llm"
	"github.com/c360studio/agentmesh/llm/providers"
	"github.com/c360studio/agentmesh/memory"
	"github.com/c360studio/agentmesh/metrics"
	"github.com/c360studio/agentmesh/runtime"
	"github.com/c360studio/agentmesh/storage"
	"github.com/c360studio/agentmesh/tool"
	"github.com/c360studio/agentmesh/worker"
)

func workerCmd(opts *rootOptions) *cobra.Command {
	var agentIDs []string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker hosting agent instances",
		Long: `Joins the shared work queue group and executes assigned tasks through
agent runtimes. Each --agent flag registers one instance of that agent
definition on this worker; without any, tasks run on a generic default
agent.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runWorker(opts, agentIDs)
		},
	}
	cmd.Flags().StringArrayVar(&agentIDs, "agent", nil, "Agent definition id to host (repeatable)")
	return cmd
}

func runWorker(opts *rootOptions, agentIDs []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, client, logger, err := opts.bootstrap(ctx, "worker")
	if err != nil {
		return err
	}
	defer client.Close()

	js := client.JetStream()
	agents, err := storage.NewAgentStore(ctx, js)
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
	m := metrics.Default()

	provider := buildProvider(cfg)
	completer := llm.NewClient(provider,
		llm.WithLogger(logger),
		llm.WithEventSink(emitter))

	registry := tool.NewRegistry()
	if err := registry.Register(tool.NewCalculator()); err != nil {
		return err
	}
	if err := registry.Register(tool.NewHTTPTool(tool.HTTPToolConfig{})); err != nil {
		return err
	}
	executor := tool.NewExecutor(registry, tool.WithLogger(logger))

	longTerm, err := memory.NewLongTermStore(ctx, js)
	if err != nil {
		return err
	}

	factory := func(def *agent.Definition, instanceID string) worker.Runner {
		mem := memory.NewInMemoryStore(def.Memory.ShortTermMaxMessages)
		rtOpts := []runtime.Option{
			runtime.WithEventSink(emitter),
			runtime.WithLogger(logger),
		}
		if def.Memory.LongTermEnabled {
			rtOpts = append(rtOpts, runtime.WithLongTermMemory(longTerm))
		}
		return runtime.New(def, instanceID, completer, mem, registry, executor, rtOpts...)
	}

	registered, err := registerInstances(ctx, cfg, agents, instances, emitter, agentIDs)
	if err != nil {
		return err
	}

	w := worker.New(cfg.Worker.ID, factory,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithDefinitionStore(agents),
		worker.WithInstanceStore(instances),
		worker.WithPublisher(client),
		worker.WithWorkerEventSink(emitter),
		worker.WithWorkerLogger(logger),
		worker.WithWorkerMetrics(m),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.WithAnnouncedInstances(registered...))

	stopMetrics := serveMetrics(cfg.Metrics.Addr, logger)
	defer stopMetrics()

	runErr := w.Run(ctx, client)
	terminateInstances(instances, registered, logger)
	return runErr
}

// buildProvider maps the configured provider name to a concrete
// adapter. Unknown names go through the OpenAI-compatible adapter,
// which covers Ollama, OpenRouter, and vLLM endpoints.
func buildProvider(cfg *config.Config) llm.Provider {
	switch cfg.Model.Provider {
	case "anthropic":
		return providers.NewAnthropic(
			providers.WithAnthropicEndpoint(cfg.Model.Endpoint),
			providers.WithAnthropicTimeout(cfg.Model.Timeout))
	case "openai":
		return providers.NewOpenAI(
			providers.WithOpenAIEndpoint(cfg.Model.Endpoint),
			providers.WithOpenAITimeout(cfg.Model.Timeout))
	default:
		return providers.NewOpenAI(
			providers.WithOpenAIName(cfg.Model.Provider),
			providers.WithOpenAIEndpoint(cfg.Model.Endpoint),
			providers.WithOpenAITimeout(cfg.Model.Timeout))
	}
}

// registerInstances creates one idle instance per hosted definition and
// emits agent.registered for each.
func registerInstances(ctx context.Context, cfg *config.Config, agents *storage.AgentStore,
	instances *storage.InstanceStore, emitter *event.Emitter, agentIDs []string) ([]string, error) {
	var ids []string
	for _, defID := range agentIDs {
		def, err := agents.GetDefinition(ctx, defID)
		if err != nil {
			return nil, fmt.Errorf("resolve agent definition %s: %w", defID, err)
		}
		in := agent.NewInstance(def.ID, cfg.Worker.ID)
		if err := instances.Put(ctx, in); err != nil {
			return nil, fmt.Errorf("register instance for %s: %w", defID, err)
		}
		if err := emitter.Emit(ctx, event.AgentRegistered(in.ID, def.ID, def.Capabilities)); err != nil {
			return nil, err
		}
		ids = append(ids, in.ID)
	}
	return ids, nil
}

// terminateInstances marks this worker's instances TERMINATED on the
// way out so the router stops considering them.
func terminateInstances(instances *storage.InstanceStore, ids []string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		in, err := instances.Get(ctx, id)
		if err != nil {
			logger.Warn("Failed to load instance for termination", "instance_id", id, "error", err)
			continue
		}
		in.Status = agent.StatusTerminated
		in.CurrentTaskID = ""
		if err := instances.Put(ctx, in); err != nil {
			logger.Warn("Failed to terminate instance", "instance_id", id, "error", err)
		}
	}
}
