package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/storage"
	"github.com/c360studio/agentmesh/task"
	"github.com/c360studio/agentmesh/workflow"
)

func workflowCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflows",
	}
	cmd.AddCommand(workflowRunCmd(opts), workflowListCmd(opts), workflowApproveCmd(opts))
	return cmd
}

func workflowRunCmd(opts *rootOptions) *cobra.Command {
	var inputJSON string

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow definition",
		Long: `Loads a workflow definition from YAML, validates its step DAG, stores
it, and drives it to a terminal status. Steps submit tasks to the
running router and await their results.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input map[string]any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			return runWorkflow(cmd, opts, args[0], input)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "Workflow input as a JSON object")
	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *rootOptions, path string, input map[string]any) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, client, logger, err := opts.bootstrap(ctx, "workflow")
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	def := workflow.NewDefinition("")
	if err := yaml.Unmarshal(data, def); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	js := client.JetStream()
	workflows, err := storage.NewWorkflowStore(ctx, js)
	if err != nil {
		return err
	}
	if err := workflows.PutWorkflow(ctx, def); err != nil {
		return err
	}
	tasks, err := storage.NewTaskStore(ctx, js)
	if err != nil {
		return err
	}
	events, err := event.NewKVStore(ctx, js)
	if err != nil {
		return err
	}
	emitter := event.NewEmitter(events, client, logger)

	engine := workflow.NewEngine(&routedTaskExecutor{pub: client, tasks: tasks},
		workflow.WithExecutionStore(workflows),
		workflow.WithDefinitionStore(workflows),
		workflow.WithApprover(workflow.NewFabricApprover(client,
			workflow.WithApproverEventSink(emitter),
			workflow.WithApproverLogger(logger))),
		workflow.WithEngineEventSink(emitter),
		workflow.WithEngineLogger(logger))

	exec := workflow.NewExecution(def.ID, input)
	final, err := engine.Execute(ctx, def, exec)
	if err != nil {
		return err
	}

	out, merr := json.MarshalIndent(final, "", "  ")
	if merr != nil {
		return merr
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if final.Status != workflow.StatusCompleted {
		return fmt.Errorf("workflow execution %s ended %s: %s", final.ID, final.Status, final.Error)
	}
	return nil
}

func workflowListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, client, _, err := opts.bootstrap(ctx, "workflow")
			if err != nil {
				return err
			}
			defer client.Close()

			workflows, err := storage.NewWorkflowStore(ctx, client.JetStream())
			if err != nil {
				return err
			}
			defs, err := workflows.ListWorkflows(ctx)
			if err != nil {
				return err
			}
			for _, def := range defs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  v%s  steps=%d\n",
					def.ID, def.Name, def.Version, len(def.Steps))
			}
			return nil
		},
	}
}

func workflowApproveCmd(opts *rootOptions) *cobra.Command {
	var (
		stepID   string
		approver string
		reason   string
		reject   bool
	)

	cmd := &cobra.Command{
		Use:   "approve <execution-id>",
		Short: "Decide a pending HUMAN_APPROVAL gate",
		Long: `Publishes an approval decision on the execution's approval subject.
The waiting engine picks it up and resumes (or compensates, on a
rejection).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, client, _, err := opts.bootstrap(ctx, "workflow")
			if err != nil {
				return err
			}
			defer client.Close()

			decision := workflow.Decision{
				ExecutionID: args[0],
				StepID:      stepID,
				Approved:    !reject,
				Approver:    approver,
				Reason:      reason,
			}
			payload, err := json.Marshal(decision)
			if err != nil {
				return err
			}
			subject := fabric.WorkflowApprovalSubject(args[0])
			if err := client.Publish(ctx, subject, payload); err != nil {
				return err
			}
			verdict := "approved"
			if reject {
				verdict = "rejected"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s execution %s\n", verdict, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "Step id of the gate (empty matches any)")
	cmd.Flags().StringVar(&approver, "approver", "", "Who is deciding")
	cmd.Flags().StringVar(&reason, "reason", "", "Free-text rationale")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of approving")
	return cmd
}

// routedTaskExecutor submits AGENT_TASK steps to the router over the
// fabric and polls the task store for the terminal outcome.
type routedTaskExecutor struct {
	pub   *fabric.Client
	tasks *storage.TaskStore
}

func (e *routedTaskExecutor) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	if err := e.pub.Publish(ctx, fabric.SubjectTaskSubmit, payload); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(submitPollInterval)
	defer ticker.Stop()
	for {
		current, err := e.tasks.Get(ctx, t.ID)
		if err == nil && current.Status.IsTerminal() {
			if current.Status == task.StatusCompleted {
				return current.Result, nil
			}
			return nil, fmt.Errorf("task %s ended %s: %s", current.ID, current.Status, current.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
