package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"marketchat/internal/adapter/api"
	"marketchat/internal/infrastructure/productapi"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Configure(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productClient := productapi.NewClient(cfg.APIBaseURL, cfg.ProductAPITimeout.Duration)
	server := api.NewServer(ctx, cfg, productClient)

	go func() {
		logger.Info("Starting chat server on port %s (product API %s)", cfg.ServerPort, cfg.APIBaseURL)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down chat server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
	}
}
