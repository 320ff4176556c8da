// Synapse node — event substrate with attention-weighted coordination.
// Boots the store, pipeline, and coordination components under a
// supervisor, then serves the HTTP API and WebSocket live feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/viablesystems/synapse/pkg/analytics"
	"github.com/viablesystems/synapse/pkg/api"
	"github.com/viablesystems/synapse/pkg/attention"
	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/coordinator"
	"github.com/viablesystems/synapse/pkg/database"
	"github.com/viablesystems/synapse/pkg/eventstore"
	"github.com/viablesystems/synapse/pkg/lifecycle"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
	"github.com/viablesystems/synapse/pkg/patterns"
	"github.com/viablesystems/synapse/pkg/processor"
	"github.com/viablesystems/synapse/pkg/producer"
)

const wsWriteTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting synapse", "node_id", cfg.NodeID, "broker", cfg.Broker.Kind)

	mets := metrics.New()
	store := eventstore.New(eventstore.WithMetrics(mets))

	// Broker selection. Postgres additionally gives the API a database
	// health check.
	var (
		bus      broker.Broker
		dbClient *database.Client
	)
	switch cfg.Broker.Kind {
	case config.BrokerPostgres:
		dbConfig, dbErr := database.LoadConfigFromEnv()
		if dbErr != nil {
			slog.Error("Failed to load database config", "error", dbErr)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := dbClient.Close(); closeErr != nil {
				slog.Error("Error closing database client", "error", closeErr)
			}
		}()
		pg := broker.NewPostgres(cfg.NodeID, dbClient.DB(), dbClient.ConnString())
		if err = pg.Start(ctx); err != nil {
			slog.Error("Failed to start Postgres broker", "error", err)
			os.Exit(1)
		}
		bus = pg
		slog.Info("Connected to PostgreSQL broker")
	case config.BrokerNATS:
		bus, err = broker.NewNATS(cfg.NodeID, cfg.Broker.NATSURL)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
	default:
		bus = broker.NewInProc(cfg.NodeID)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			slog.Error("Error closing broker", "error", err)
		}
	}()

	emit := func(topic string, payload any) {
		if err := bus.Publish(context.Background(), topic, payload); err != nil {
			slog.Warn("Broker publish failed", "topic", topic, "error", err)
		}
	}

	// Component graph. The producer polls the built-in synthetic source at
	// producer.poll_interval alongside its push paths.
	prod := producer.New(cfg.Producer, mets,
		producer.WithPollFn(producer.SyntheticSource(cfg.NodeID)))
	matcher := patterns.New(cfg.Patterns, mets, patterns.WithEmitter(emit))
	analyticsEngine := analytics.New(cfg.Analytics, emit)
	attentionEngine := attention.New(cfg.Attention, mets)
	coord := coordinator.New(cfg.Coordination, attentionEngine, mets, emit)
	proc := processor.New(cfg.Processor, prod, store, matcher, analyticsEngine, mets, emit)

	// Startup order: store first, broker adapter last. Components without
	// background work register as no-op children so restart reporting and
	// shutdown ordering cover the whole graph.
	noop := func(_ context.Context) error { return nil }
	supervisor := lifecycle.New(
		lifecycle.NewChild("event_store", noop, nil),
		lifecycle.NewChild("producer", func(ctx context.Context) error {
			prod.Start(ctx)
			return nil
		}, prod.Stop),
		lifecycle.NewChild("pattern_matcher", noop, nil),
		lifecycle.NewChild("analytics", analyticsEngine.Start, analyticsEngine.Stop),
		lifecycle.NewChild("processor", proc.Start, proc.Stop),
		lifecycle.NewChild("attention", attentionEngine.Start, attentionEngine.Stop),
		lifecycle.NewChild("coordinator", noop, nil),
		lifecycle.NewChild("broker_adapter", noop, nil),
	)
	if err := supervisor.Start(ctx); err != nil {
		slog.Error("Failed to start components", "error", err)
		os.Exit(1)
	}

	// Broadcast ingest: events published on events:all by other nodes enter
	// this node's pipeline through the producer. Own-origin envelopes are
	// skipped so a node never re-ingests what it published.
	if _, err := bus.Subscribe(ctx, broker.TopicEventsAll, func(_ context.Context, env broker.Envelope) error {
		if env.Causality.OriginNode == cfg.NodeID {
			return nil
		}
		var e models.Event
		if err := env.Decode(&e); err != nil {
			slog.Warn("Malformed broadcast event", "error", err)
			return nil
		}
		prod.Inject(e)
		return nil
	}); err != nil {
		slog.Error("Failed to subscribe to broadcast events", "error", err)
		os.Exit(1)
	}

	connManager := api.NewConnectionManager(bus, store, wsWriteTimeout)
	httpServer := api.NewServer(cfg.HTTP, api.Deps{
		Store:       store,
		Producer:    prod,
		Processor:   proc,
		Matcher:     matcher,
		Analytics:   analyticsEngine,
		Attention:   attentionEngine,
		Coordinator: coord,
		Supervisor:  supervisor,
		DBClient:    dbClient,
		ConnManager: connManager,
		Metrics:     mets,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Synapse started successfully", "node_id", cfg.NodeID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case <-supervisor.Terminated():
		slog.Error("Supervision group terminated, shutting down")
	}

	// Stop ingest and workers first so in-flight batches settle, then the
	// HTTP server with its own timeout budget.
	done := make(chan struct{})
	go func() {
		supervisor.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Components stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Component shutdown timeout exceeded")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
