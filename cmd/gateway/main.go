package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/provider/anthropic"
	"github.com/modelmux/modelmux/internal/provider/azure"
	"github.com/modelmux/modelmux/internal/provider/openai"
	"github.com/modelmux/modelmux/internal/server"
	"github.com/modelmux/modelmux/internal/storage"
	redisstore "github.com/modelmux/modelmux/internal/storage/redis"
	"github.com/modelmux/modelmux/internal/storage/sqldb"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/tools"
)

func main() {
	root := &cobra.Command{
		Use:           "modelmux",
		Short:         "Completion orchestration gateway for LLM backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer("modelmux", logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	openai.RegisterClientFactory()
	azure.RegisterClientFactory()
	anthropic.RegisterClientFactory()

	store, err := sqldb.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var history storage.HistoryRepository = store
	if cfg.Storage.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		history = redisstore.New(client)
		logger.Info("using redis message history", slog.String("addr", cfg.Storage.Redis.Addr))
	}

	factory := provider.NewFactory(cfg.Backends)
	resolver := profile.NewResolver(store)
	dispatcher := tools.NewDispatcher(store, factory, tools.WithLogger(logger))
	m := metrics.New(prometheus.DefaultRegisterer)

	engine := orchestrator.NewEngine(
		orchestrator.Config{
			HistoryLimit:   cfg.Engine.HistoryLimit,
			RecursionLimit: cfg.Engine.RecursionLimit,
			DefaultAuthor:  cfg.Engine.DefaultAuthor,
		},
		resolver, factory, dispatcher,
		orchestrator.WithLogger(logger),
		orchestrator.WithHistory(history),
		orchestrator.WithMetrics(m),
	)

	handler := server.NewCompletionHandler(engine, logger)
	srv := server.New(cfg.Server.Port, logger, handler)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
