package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/config"
	"github.com/oakline/carecall/internal/emergency"
	"github.com/oakline/carecall/internal/httpapi"
	"github.com/oakline/carecall/internal/observability"
	"github.com/oakline/carecall/internal/orchestrator"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/store"
	"github.com/oakline/carecall/internal/telephony"
)

func main() {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	conversations, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("conversation store init failed", zap.Error(err))
	}
	defer conversations.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("no DATABASE_URL set, conversations are kept in memory")
	}

	detector := emergency.NewDetector(cfg.EmergencyDetectorURL)

	sink := telephony.NewChanSink(1024)
	engine := orchestrator.New(
		cfg,
		session.NewRegistry(),
		conversations,
		detector,
		sink,
		metrics,
		logger.Named("engine"),
	)

	// The telephony integration consumes engine events from the sink;
	// until one is attached, drain so slow starts never stall calls.
	drainCtx, drainCancel := context.WithCancel(ctx)
	defer drainCancel()
	go func() {
		for {
			select {
			case <-drainCtx.Done():
				return
			case e := <-sink.Events():
				if e.Type != telephony.EventAudioChunk {
					logger.Debug("engine event",
						zap.String("type", string(e.Type)),
						zap.String("call_id", e.CallID))
				}
			}
		}
	}()

	api := httpapi.New(cfg, engine, conversations, logger.Named("httpapi"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	engine.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
