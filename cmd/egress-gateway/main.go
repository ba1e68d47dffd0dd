package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
	"github.com/tjfontaine/egress-gateway/internal/telemetry"
	"github.com/tjfontaine/egress-gateway/pkg/gateway"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Storage and tracing are chosen once at startup
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithFileConfig(*configPath),
		gateway.WithStorageConfig(cfg.Storage),
		gateway.WithBasicPolicy(),
	}
	if cfg.RequiresAuth() {
		opts = append(opts, gateway.WithAPIKeyAuth())
	}

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stdout, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer telemetry.Shutdown(context.Background(), tp, logger)
		opts = append(opts, gateway.WithTracerProvider(tp))
	}

	gw, err := gateway.New(opts...)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	logger.Info("Gateway started successfully",
		slog.String("config", *configPath),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("auth", cfg.RequiresAuth()),
		slog.Bool("tracing", cfg.Telemetry.Tracing))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping gateway...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Gateway shutdown complete")
}
