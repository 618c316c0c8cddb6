package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/handlers"
	"muse-ai-pipeline/internal/pkg/logger"
	"muse-ai-pipeline/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize logger")
	}

	log.Info("starting muse-ai-pipeline",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port,
		"invoker", cfg.Agents.Invoker,
	)

	invoker, closeInvoker, err := buildInvoker(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize agent client", "error", err)
	}

	// Stage updates and news enrichment are optional: the pipeline runs
	// without them, so startup failures here only degrade the service.
	var publisher services.UpdatePublisher
	var redisService *services.RedisService
	if cfg.Redis.Enabled {
		redisService, err = services.NewRedisService(cfg.Redis, log)
		if err != nil {
			log.Warn("stage updates disabled, Redis unavailable", "error", err)
		} else {
			publisher = redisService
		}
	}

	var enricher services.NewsEnricher
	if cfg.Scraper.Enabled {
		scraper, err := services.NewScraperService(cfg.Scraper, log)
		if err != nil {
			log.Warn("news enrichment disabled", "error", err)
		} else {
			enricher = scraper
		}
	}

	orchestrator := services.NewOrchestrator(invoker, publisher, enricher, cfg.Agents, log)
	exporter := services.NewExportService(cfg.Export, log)

	router := buildRouter(cfg, orchestrator, exporter, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	if err := orchestrator.Close(); err != nil {
		log.Error("orchestrator close failed", "error", err)
	}
	if closeInvoker != nil {
		if err := closeInvoker(); err != nil {
			log.Error("agent client close failed", "error", err)
		}
	}
	if redisService != nil {
		if err := redisService.Close(); err != nil {
			log.Error("redis close failed", "error", err)
		}
	}

	log.Info("shutdown complete")
}

func buildInvoker(cfg *config.Config, log *logger.Logger) (services.AgentInvoker, func() error, error) {
	switch cfg.Agents.Invoker {
	case "gemini":
		client, err := services.NewGeminiAgentClient(cfg.Gemini, cfg.Agents, log)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return services.NewHTTPAgentClient(cfg.Agents, log), nil, nil
	}
}

func buildRouter(cfg *config.Config, orchestrator *services.Orchestrator, exporter *services.ExportService, log *logger.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.RequestLogger(log))

	handler := handlers.NewWorkflowHandler(orchestrator, exporter, cfg.Environment, log)
	handler.RegisterRoutes(router)

	return router
}
