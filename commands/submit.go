package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/storage"
	"github.com/c360studio/agentmesh/task"
)

// submitPollInterval paces task status polls while --wait is set.
const submitPollInterval = 500 * time.Millisecond

func submitCmd(opts *rootOptions) *cobra.Command {
	var (
		description    string
		priority       string
		capabilities   []string
		inputJSON      string
		idempotencyKey string
		maxRetries     int
		timeoutSeconds int
		wait           bool
	)

	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit a task to the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := task.New(args[0], description)
			p, err := task.ParsePriority(priority)
			if err != nil {
				return err
			}
			t.Priority = p
			t.RequiredCapabilities = capabilities
			t.IdempotencyKey = idempotencyKey
			if maxRetries >= 0 {
				t.MaxRetries = maxRetries
			}
			if timeoutSeconds > 0 {
				t.TimeoutSeconds = timeoutSeconds
			}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &t.InputData); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			return runSubmit(cmd, opts, t, wait)
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "What the agent should do")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "Priority (low, normal, high, critical)")
	cmd.Flags().StringArrayVar(&capabilities, "capability", nil, "Required capability (repeatable)")
	cmd.Flags().StringVar(&inputJSON, "input", "", "Task input as a JSON object")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Dedupe key; a replay returns the original task")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "Retry budget for retriable failures")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Execution timeout in seconds")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the task reaches a terminal status")
	return cmd
}

func runSubmit(cmd *cobra.Command, opts *rootOptions, t *task.Task, wait bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, client, _, err := opts.bootstrap(ctx, "submit")
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := client.Publish(ctx, fabric.SubjectTaskSubmit, payload); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted task %s\n", t.ID)

	if !wait {
		return nil
	}

	tasks, err := storage.NewTaskStore(ctx, client.JetStream())
	if err != nil {
		return err
	}
	final, err := awaitTask(ctx, tasks, t.ID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if final.Status != task.StatusCompleted {
		return fmt.Errorf("task %s ended %s: %s", final.ID, final.Status, final.Error)
	}
	return nil
}

// awaitTask polls the store until the task reaches a terminal status.
func awaitTask(ctx context.Context, tasks *storage.TaskStore, id string) (*task.Task, error) {
	ticker := time.NewTicker(submitPollInterval)
	defer ticker.Stop()
	for {
		t, err := tasks.Get(ctx, id)
		if err == nil && t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
