package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"command-relay/internal/agent"
	"command-relay/internal/config"
	"command-relay/internal/logger"
	"command-relay/internal/models"
)

func main() {
	var (
		configPath string
		serverURL  string
		name       string
	)

	root := &cobra.Command{
		Use:           "relay-agent",
		Short:         "Polling client that claims relay commands and reports results",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Agent.ServerURL = serverURL
			}
			if name != "" {
				cfg.Agent.Name = name
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (optional)")
	root.Flags().StringVar(&serverURL, "server", "", "relay base URL (overrides agent.server_url)")
	root.Flags().StringVar(&name, "name", "", "client name (overrides agent.name)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay-agent:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	client := agent.NewClient(cfg.Agent.ServerURL, cfg.Agent.Timeout)
	runner := agent.NewRunner(client, cfg.Agent.Name, cfg.Agent.PollInterval, cfg.Agent.PollLimit, log)
	runner.Handle("ping", ping)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("[INIT] Polling %s every %v", cfg.Agent.ServerURL, cfg.Agent.PollInterval)
	return runner.Start(ctx)
}

func ping(_ context.Context, _ *models.Command) (any, error) {
	host, _ := os.Hostname()
	return map[string]any{
		"pong":     true,
		"hostname": host,
		"time":     time.Now().UTC(),
	}, nil
}
