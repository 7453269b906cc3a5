package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"command-relay/internal/api"
	"command-relay/internal/config"
	"command-relay/internal/database"
	"command-relay/internal/logger"
	"command-relay/internal/notify"
	"command-relay/internal/queue"
	"command-relay/internal/ratelimit"
	"command-relay/internal/store"
	"command-relay/internal/sweeper"
	"command-relay/internal/websocket"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "relay-server",
		Short:         "Command relay server: queues producer commands for polling clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (optional)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay-server:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	commands, clients, closeStore, err := openStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Notification fan-out
	dispatcher := notify.NewDispatcher(log, cfg.Notify.Webhook.Timeout)
	if cfg.Notify.Webhook.Enabled {
		dispatcher.AddSink(notify.NewWebhook(clients, cfg.Notify.Webhook.Timeout))
	}
	if cfg.Notify.Kafka.Enabled {
		k := notify.NewKafka(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		defer k.Close()
		dispatcher.AddSink(k)
		log.Infof("[INIT] Publishing lifecycle events to kafka topic %s", cfg.Notify.Kafka.Topic)
	}

	svc := queue.New(commands, clients, dispatcher, queue.OptionsFromConfig(cfg.Queue, cfg.Retention), log)

	wsManager := websocket.New(log, func(ctx context.Context) (any, error) {
		cmds, cls, err := svc.Counts(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"event": "snapshot", "commands": cmds, "clients": cls}, nil
	})
	dispatcher.AddSink(wsManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := sweeper.New(svc, cfg.Retention.EvictionInterval, cfg.Retention.LivenessInterval, log)
	go sw.Start(ctx)

	apiOpts := api.Options{
		WebSocket:      wsManager,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.RateLimit.Enabled {
		apiOpts.RateLimiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	apiServer := api.NewServer(svc, apiOpts, log)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("[INIT] Server starting on http://%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("[SHUTDOWN] Received %v", sig)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("[SHUTDOWN] HTTP server did not stop cleanly")
	}
	dispatcher.Close()
	log.Info("[SHUTDOWN] Stopped")
	return nil
}

func openStore(cfg config.StorageConfig, log logrus.FieldLogger) (store.CommandRepository, store.ClientRepository, func(), error) {
	if cfg.Driver == "sqlite" {
		db, err := database.New(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.InitSchema(); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("initialize database: %w", err)
		}
		log.Infof("[INIT] SQLite store at %s", cfg.SQLite.Path)
		return db, db, func() { db.Close() }, nil
	}

	mem := store.NewMemory()
	log.Info("[INIT] In-memory store (volatile across restarts)")
	return mem, mem, func() {}, nil
}
