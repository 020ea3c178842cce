package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/classifier"
	"github.com/Tyrowin/gochat-live/internal/indexer"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		memory     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, memory)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().BoolVar(&memory, "memory", false, "Use the in-memory store instead of PostgreSQL")
	return cmd
}

func newLogger(cfg server.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServe(ctx context.Context, cfg *server.Config, memory bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (JWT_SECRET)")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, idx, err := openStore(ctx, cfg, memory, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	var vision classifier.Classifier
	if cfg.Vision.APIKey != "" {
		v, err := classifier.New(classifier.Config{APIKey: cfg.Vision.APIKey, BaseURL: cfg.Vision.BaseURL, Model: cfg.Vision.Model})
		if err != nil {
			return fmt.Errorf("create classifier: %w", err)
		}
		vision = v
	} else {
		logger.Info("no vision API key; productivity captures will be ignored")
	}

	tracer, shutdownTracer, err := telemetry.NewTracer(ctx, telemetry.TraceConfig{
		ServiceName:    "gochat",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("shutdown tracer", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub, err := server.NewHub(*cfg, server.Dependencies{
		Store:      st,
		Verifier:   auth.NewJWTService(cfg.JWTSecret, 0),
		Indexer:    idx,
		Classifier: vision,
		Logger:     logger,
		Metrics:    telemetry.NewMetrics(reg),
		Tracer:     tracer,
	})
	if err != nil {
		return err
	}
	go hub.Run()

	mux := server.SetupRoutes(hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := server.CreateServer(cfg.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = hub.Shutdown(cfg.ShutdownTimeout)
			return fmt.Errorf("http server: %w", err)
		}
	}

	// The HTTP server does not track hijacked connections, so the hub
	// closes them itself.
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}
	return nil
}

// openStore selects the data store and the indexer that shares its pool.
func openStore(ctx context.Context, cfg *server.Config, memory bool, logger *slog.Logger) (store.Store, indexer.Indexer, error) {
	if memory || cfg.DatabaseURL == "" {
		seed := cfg.Seed
		if seed.Empty() {
			seed = demoSeed()
		}
		logger.Warn("using in-memory store; data is lost on exit",
			"users", len(seed.Users), "channels", len(seed.Channels))
		return newMemoryStore(seed), indexer.Noop{}, nil
	}

	pg, err := store.OpenPostgres(cfg.DatabaseURL, nil)
	if err != nil {
		return nil, nil, err
	}

	if cfg.OpenAI.APIKey == "" {
		logger.Info("no OpenAI API key; messages will not be indexed")
		return pg, indexer.Noop{}, nil
	}

	embedder, err := indexer.NewOpenAIEmbedder(indexer.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.EmbeddingModel,
	})
	if err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}
	vectors := indexer.NewVectorStore(pg.DB(), embedder, embedder.Dimension())
	sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := vectors.EnsureSchema(sctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("ensure vector schema: %w", err)
	}
	return pg, vectors, nil
}

// demoSeed is loaded into the in-memory store when the config seeds nothing,
// so tokens from `gochat token --user 1..3` can talk in channels 1 and 2.
func demoSeed() server.SeedConfig {
	return server.SeedConfig{
		Users: []server.SeedUser{
			{ID: 1, DisplayName: "Alice", Email: "alice@example.com"},
			{ID: 2, DisplayName: "Bob", Email: "bob@example.com"},
			{ID: 3, DisplayName: "Carol", Email: "carol@example.com"},
		},
		Channels: []server.SeedChannel{
			{ID: 1},
			{ID: 2, IsDM: true},
		},
	}
}

func newMemoryStore(seed server.SeedConfig) *store.Memory {
	m := store.NewMemory()
	for _, u := range seed.Users {
		m.AddUser(store.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email})
	}
	for _, ch := range seed.Channels {
		m.AddChannel(ch.ID, ch.IsDM)
	}
	return m
}
