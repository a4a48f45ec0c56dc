// Fleetbeat hub server. Terminates agent and operator WebSockets, serves
// the REST API, and runs the background reaper.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fleetbeat/fleetbeat/pkg/api"
	"github.com/fleetbeat/fleetbeat/pkg/auth"
	"github.com/fleetbeat/fleetbeat/pkg/backplane"
	"github.com/fleetbeat/fleetbeat/pkg/channels"
	"github.com/fleetbeat/fleetbeat/pkg/cleanup"
	"github.com/fleetbeat/fleetbeat/pkg/config"
	"github.com/fleetbeat/fleetbeat/pkg/hub"
	"github.com/fleetbeat/fleetbeat/pkg/services"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
	"github.com/fleetbeat/fleetbeat/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// newBackplane selects the fan-out substrate: redis when configured,
// otherwise the single-process in-memory implementation.
func newBackplane(ctx context.Context, cfg *config.BackplaneConfig) (backplane.Backplane, error) {
	if cfg.RedisURL == "" {
		slog.Info("Using in-memory backplane, cross-instance fan-out disabled")
		return backplane.NewMemory(cfg.MailboxSize), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	bp := backplane.NewRedis(ctx, redis.NewClient(opts), cfg.MailboxSize)
	if err := bp.Ping(ctx); err != nil {
		_ = bp.Close(ctx)
		return nil, err
	}
	return bp, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from the config directory.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting fleetbeat", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	secret, err := cfg.Auth.TicketSecret()
	if err != nil {
		slog.Error("Failed to resolve ticket secret", "error", err)
		os.Exit(1)
	}
	tickets, err := auth.NewTickets(secret)
	if err != nil {
		slog.Error("Failed to initialize ticket codec", "error", err)
		os.Exit(1)
	}

	// 2. Store
	client, err := store.NewClient(ctx, store.Config{
		URI:         cfg.Store.URI,
		Database:    cfg.Store.Database,
		OpTimeout:   cfg.Store.OpTimeout,
		LogCapBytes: cfg.Store.LogCapBytes,
	})
	if err != nil {
		slog.Error("Failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(ctx); err != nil {
			slog.Error("Error closing store client", "error", err)
		}
	}()
	slog.Info("Connected to MongoDB", "database", cfg.Store.Database)

	// 3. Backplane and channel layer
	bp, err := newBackplane(ctx, cfg.Backplane)
	if err != nil {
		slog.Error("Failed to initialize backplane", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := bp.Close(ctx); err != nil {
			slog.Error("Error closing backplane", "error", err)
		}
	}()

	layer, err := channels.New(ctx, bp, cfg.Backplane.MailboxSize)
	if err != nil {
		slog.Error("Failed to initialize channel layer", "error", err)
		os.Exit(1)
	}
	defer layer.Close()
	slog.Info("Channel layer initialized", "instance_id", layer.ID())

	// 4. Transit bus and services
	bus := transit.New()
	notifier := services.NewNotifier(layer)
	services.RegisterTransitHandlers(bus, client.Counters, notifier)

	appService := services.NewApplicationService(client.Applications, notifier)
	codeService := services.NewCodeService(client.Codes, appService)
	taskService := services.NewTaskService(client.Tasks, client.Applications, notifier)
	seqService := services.NewSequenceService(client.Sequences, client.Events, client.Connections, taskService, bus, notifier)
	eventService := services.NewEventService(client.Events, client.Sequences, seqService, bus, notifier)
	logService := services.NewLogService(client.Logs, bus)
	connService := services.NewConnectionService(client.Connections, client.Servers, seqService, notifier, cfg.Hub.DisconnectTTL)
	slog.Info("Services initialized")

	// 5. Background reaper (boot cleanup must finish before hubs accept)
	reaper := cleanup.NewService(cfg.Cleanup, seqService, connService)
	if err := reaper.Start(ctx); err != nil {
		slog.Error("Failed to start cleanup service", "error", err)
		os.Exit(1)
	}
	defer reaper.Stop()

	// 6. Hubs and HTTP server
	agentHub := hub.NewAgentHub(tickets, layer, appService, connService, seqService, taskService, logService)
	operatorHub := hub.NewOperatorHub(tickets, layer)

	httpServer := api.NewServer(api.Deps{
		Applications:  appService,
		Codes:         codeService,
		Tasks:         taskService,
		Sequences:     seqService,
		Events:        eventService,
		Logs:          logService,
		Connections:   connService,
		Tickets:       tickets,
		AgentHub:      agentHub,
		OperatorHub:   operatorHub,
		StorePing:     client,
		BackplanePing: bp,

		AllowedWSOrigins: cfg.HTTP.AllowedWSOrigins,
	})

	// HTTP_PORT overrides the configured port, for container deployments.
	addr := ":" + getEnv("HTTP_PORT", strconv.Itoa(cfg.HTTP.Port))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Fleetbeat started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown. Stop accepting new requests first, then drain
	// the transit bus so batched counters are flushed before the store
	// client closes.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	busShutdownCtx, busCancel := context.WithTimeout(ctx, 10*time.Second)
	defer busCancel()
	bus.Shutdown(busShutdownCtx)

	slog.Info("Shutdown complete")
}
