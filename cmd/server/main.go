package main

import (
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/roomrelay/roomrelay/internal/config"
	"github.com/roomrelay/roomrelay/internal/observability"
	"github.com/roomrelay/roomrelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional; defaults plus ROOMRELAY_* env otherwise)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	hub := server.NewHub(cfg.Limits, logger)
	go hub.Run()

	handlers := server.NewHandlers(hub, cfg.Server.AllowedOrigins, logger)
	mux := server.SetupRoutes(handlers)
	httpServer := server.CreateServer(cfg.Server.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
			logger.Warn("HTTP shutdown did not complete cleanly", zap.Error(err))
		}
		if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("hub shutdown did not complete cleanly", zap.Error(err))
		}
	}
}
