package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/storage"
)

func agentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent definitions",
	}
	cmd.AddCommand(agentRegisterCmd(opts), agentListCmd(opts))
	return cmd
}

func agentRegisterCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <file>",
		Short: "Register an agent definition from a YAML file",
		Long: `Reads an agent definition (name, role, goal, capabilities, model,
tools, constraints) and stores it. Fields the file omits keep their
defaults; a missing agent_id gets a fresh one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Start from defaults so partial files stay valid.
			def := agent.NewDefinition("", "", "")
			if err := yaml.Unmarshal(data, def); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, client, _, err := opts.bootstrap(ctx, "agent")
			if err != nil {
				return err
			}
			defer client.Close()

			agents, err := storage.NewAgentStore(ctx, client.JetStream())
			if err != nil {
				return err
			}
			if err := agents.PutDefinition(ctx, def); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered agent %s (%s)\n", def.Name, def.ID)
			return nil
		},
	}
}

func agentListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agent definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, client, _, err := opts.bootstrap(ctx, "agent")
			if err != nil {
				return err
			}
			defer client.Close()

			agents, err := storage.NewAgentStore(ctx, client.JetStream())
			if err != nil {
				return err
			}
			defs, err := agents.ListDefinitions(ctx)
			if err != nil {
				return err
			}
			for _, def := range defs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  [%s]\n",
					def.ID, def.Name, strings.Join(def.Capabilities, ", "))
			}
			return nil
		},
	}
}
