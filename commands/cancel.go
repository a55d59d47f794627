package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentmesh/fabric"
)

func cancelCmd(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Long: `Publishes a cancellation request for the task. The router drops it
from the queue or, if it is already running, marks it cancelled and
frees the agent instance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, client, _, err := opts.bootstrap(ctx, "cancel")
			if err != nil {
				return err
			}
			defer client.Close()

			payload, err := json.Marshal(map[string]string{
				"task_id": args[0],
				"reason":  reason,
			})
			if err != nil {
				return err
			}
			if err := client.Publish(ctx, fabric.SubjectTaskCancel, payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for task %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is being cancelled")
	return cmd
}
