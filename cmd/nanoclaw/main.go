package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/agent"
	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/lifecycle"
	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logging.SetDefault(log)

	log.Info("starting NanoClaw")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize Docker client and verify the daemon is reachable
	dockerClient, err := agent.NewDockerClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize docker client", zap.Error(err))
	}
	defer func() { _ = dockerClient.Close() }()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("failed to connect to docker daemon", zap.Error(err))
	}
	log.Info("connected to docker daemon")

	// 5. Open the persistent store (applies schema/migrations)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("opened store", zap.String("path", cfg.Store.Path))

	// 6. Construct the messenger adapter for the configured platform
	msgr, err := newMessenger(cfg, log)
	if err != nil {
		log.Fatal("failed to construct messenger", zap.Error(err))
	}

	// 7. Wire the lifecycle manager: queue, batch builder, dispatcher,
	// status relay, IPC watcher, and scheduler all come up here.
	mgr, err := lifecycle.New(cfg, st, msgr, dockerClient, log)
	if err != nil {
		log.Fatal("failed to construct lifecycle manager", zap.Error(err))
	}

	// 8. Run the bootstrap: connect, register commands, start background
	// loops, recover, start listening.
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("failed to start lifecycle manager", zap.Error(err))
	}
	log.Info("nanoclaw is running")

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down nanoclaw")

	// 10. Graceful shutdown: cancel the root context, then drain the queue.
	cancel()
	mgr.Shutdown(context.Background())

	log.Info("nanoclaw stopped")
}

// newMessenger constructs the concrete Messenger adapter the configured
// platform selects.
func newMessenger(cfg *config.Config, log *logging.Logger) (messenger.Messenger, error) {
	switch cfg.Messenger.Platform {
	case "telegram":
		return messenger.NewTelegramMessenger(cfg.Messenger.BotToken, cfg.Messenger.PollIntervalMS, log), nil
	case "websocket":
		return messenger.NewWebsocketMessenger(cfg.Messenger.ListenAddr, log), nil
	default:
		return nil, fmt.Errorf("unknown messenger platform %q", cfg.Messenger.Platform)
	}
}
