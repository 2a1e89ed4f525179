package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/config"
	"github.com/torigood/PulseCall/internal/logger"
	"github.com/torigood/PulseCall/internal/service"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. Init logger
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "pulsecall")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. Build the service
	checkIn, err := service.NewCheckInService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create check-in service", zap.Error(err))
	}
	defer checkIn.Stop()

	// 4. Cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Run HTTP server and scheduler
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- checkIn.Start(ctx)
	}()

	// 6. Wait for a signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		if err := <-serviceErrChan; err != nil {
			log.Error("Service stopped with error", zap.Error(err))
		}
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
		}
	}

	log.Info("PulseCall stopped")
}
