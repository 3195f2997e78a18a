// CX Router - customer support conversation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ashureev/cx-router/internal/analytics"
	"github.com/ashureev/cx-router/internal/api"
	"github.com/ashureev/cx-router/internal/classifier"
	"github.com/ashureev/cx-router/internal/config"
	"github.com/ashureev/cx-router/internal/engine"
	"github.com/ashureev/cx-router/internal/identity"
	"github.com/ashureev/cx-router/internal/llm"
	"github.com/ashureev/cx-router/internal/memory"
	"github.com/ashureev/cx-router/internal/middleware"
	"github.com/ashureev/cx-router/internal/prompts"
	"github.com/ashureev/cx-router/internal/specialist"
	"github.com/ashureev/cx-router/internal/store"
	"github.com/ashureev/cx-router/internal/tools"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected")

	if cfg.SeedDemoData {
		seeded, err := repo.SeedDemoData(context.Background())
		if err != nil {
			return err
		}
		slog.Info("Demo data check complete", "seeded", seeded)
	}

	catalogue, err := prompts.Load(cfg.Prompts.File, cfg.Prompts.DefaultTone)
	if err != nil {
		return err
	}

	mainModel, err := llm.NewModel(cfg.LLM, cfg.LLM.Model)
	if err != nil {
		return err
	}
	miniModel, err := llm.NewModel(cfg.LLM, cfg.LLM.ModelMini)
	if err != nil {
		return err
	}
	mainLLM := llm.NewLangChain(mainModel)
	miniLLM := llm.NewLangChain(miniModel)

	localTools := tools.NewLocal(repo)
	var executor tools.Executor = localTools
	if cfg.Tools.ServiceAddr != "" {
		slog.Info("Connecting to tool service via gRPC", "address", cfg.Tools.ServiceAddr)
		remote, err := tools.NewRemote(tools.DefaultRemoteConfig(cfg.Tools.ServiceAddr), logger)
		if err != nil {
			return err
		}
		defer remote.Close()
		executor = remote
	}

	registry := memory.NewRegistry(repo)
	scorer := analytics.NewLLMScorer(miniLLM)
	eng := engine.New(engine.Deps{
		Store:      repo,
		Registry:   registry,
		Classifier: classifier.New(miniLLM),
		Dispatcher: specialist.NewDispatcher(mainLLM, executor),
		Prompts:    catalogue,
		Closer:     analytics.NewCloser(repo, scorer),
	})

	handler := api.NewHandler(eng, repo, analytics.NewAssistant(miniLLM, scorer), api.Options{
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		RateLimitRPS: cfg.RateLimit.RPS,
		RateBurst:    cfg.RateLimit.Burst,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware())
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // WebSocket sessions are long lived
		IdleTimeout:       120 * time.Second,
	}

	var grpcServer *grpc.Server
	var lis net.Listener
	if cfg.Tools.GRPCListen != "" {
		lis, err = net.Listen("tcp", cfg.Tools.GRPCListen)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer()
		tools.RegisterService(grpcServer, localTools)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	sweeper := memory.NewSweeper(registry, cfg.Session.IdleTTL, cfg.Session.SweepInterval,
		func(ctx context.Context, sessionID string) error {
			_, err := handler.EndSession(ctx, sessionID)
			return err
		})
	sweeper.Start(gctx)
	slog.Info("Session sweeper started", "idle_ttl", cfg.Session.IdleTTL, "interval", cfg.Session.SweepInterval)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			slog.Info("Tool service listening", "addr", lis.Addr().String())
			return grpcServer.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		handler.Shutdown()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	sweeper.Wait()
	return err
}
