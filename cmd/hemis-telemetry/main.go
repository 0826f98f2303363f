package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hemis-telemetry/common/logger"
	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// 1. .env is optional; real environment variables win
	envErr := godotenv.Load()

	// 2. load config
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 3. init logger
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "hemis-telemetry")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if envErr != nil && !os.IsNotExist(envErr) {
		log.Warn("Failed to read .env", zap.Error(envErr))
	}

	// 4. create service
	telemetryService, err := service.NewTelemetryService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create telemetry service",
			zap.Error(err),
		)
	}
	defer telemetryService.Stop()

	// 5. cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. start service
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := telemetryService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 7. wait for a signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Error("Service error",
			zap.Error(err),
		)
		cancel()
	}

	log.Info("Telemetry service stopped")
}
