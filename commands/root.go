// Package commands implements the agentmesh subcommands: the long
// running router and worker processes, and the one-shot submit, agent,
// and workflow operations.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/agentmesh/config"
	"github.com/c360studio/agentmesh/fabric"
)

const (
	Version = "0.1.0"
	appName = "agentmesh"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// Root builds the agentmesh command tree.
func Root() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Distributed LLM agent orchestrator",
		Long: `Agentmesh routes tasks to capability-matched LLM agents over NATS
JetStream, executes them through a budgeted observe-think-act loop with
validated tool calls, and composes them into workflows with saga
compensation.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		routerCmd(opts),
		workerCmd(opts),
		resultHandlerCmd(opts),
		submitCmd(opts),
		cancelCmd(opts),
		agentCmd(opts),
		workflowCmd(opts),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	}
}

// bootstrap loads the effective config, installs the default logger,
// connects to NATS, and ensures the core streams exist. name tags the
// NATS connection for monitoring.
func (o *rootOptions) bootstrap(ctx context.Context, name string) (*config.Config, *fabric.Client, *slog.Logger, error) {
	logger := newLogger(o.logLevel)
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = loader.LoadFile(o.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	client, err := fabric.Connect(cfg.NATS.URL,
		fabric.WithName(appName+"-"+name),
		fabric.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.EnsureStreams(ctx); err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	return cfg, client, logger, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// serveMetrics exposes the Prometheus registry when an address is
// configured. The returned func shuts the listener down.
func serveMetrics(addr string, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Metrics endpoint failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
