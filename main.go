package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/adapter/agentclient"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/config"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/logging"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/metrics"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/repository"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/service"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
	handler "github.com/kllilizxc/GameMakerAgent-sub000/internal/transport/http"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting session server",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("workspace_root", cfg.WorkspaceRoot),
		zap.String("agent_url", cfg.AgentURL))

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	// Initialize watch policy
	ctx := context.Background()
	var filter *policy.Engine
	if cfg.WatchPolicyFile != "" {
		filter, err = policy.NewEngineFromFile(ctx, cfg.WatchPolicyFile)
	} else {
		filter, err = policy.NewEngine(ctx, policy.DefaultPolicy)
	}
	if err != nil {
		logger.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	catalog, err := config.LoadCatalog(cfg.EnginesFile)
	if err != nil {
		logger.Fatal("failed to load engine catalog", zap.Error(err))
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot, filter, db)
	if err != nil {
		logger.Fatal("failed to initialize workspace store", zap.Error(err))
	}

	m := metrics.New()
	registry := session.NewRegistry(workspaces, catalog, logger, m)
	agentClient := agentclient.NewClient(cfg.AgentURL, cfg.AgentTimeout)

	svc := service.New(registry, workspaces, db, agentClient, service.Options{
		PatchDebounce: cfg.PatchDebounce,
		AgentTimeout:  cfg.AgentTimeout,
	}, logger, m)

	connectionHub := hub.NewHub(logger, m)
	wsServer := ws.NewServer(cfg, connectionHub, svc, logger)
	server := handler.NewServer(svc, connectionHub, wsServer, m, cfg.SendBufferSize)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.Int("port", cfg.HTTPPort))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not stop in time", zap.Error(err))
	}
	connectionHub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server gracefully", zap.Error(err))
	}
	registry.Close()

	logger.Info("server stopped")
}
