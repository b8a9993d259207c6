package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/countwatch/countwatch/internal/config"
	"github.com/countwatch/countwatch/internal/logging"
	"github.com/countwatch/countwatch/internal/services"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 0. Parse Command Line Flags
	configDir := flag.String("config", config.DefaultDir, "Configuration directory")
	host := flag.String("host", "", "Override server.host")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			log.Printf("Failed to flush logs: %v", err)
		}
	}()
	slog.Info("Starting countwatch", "source", cfg.Source.Type, "port", cfg.Server.HTTPPort)

	// 2. Initialize Service Manager
	mgr := services.NewManager(cfg, services.Options{ListenHost: *host, Logger: slog.Default()})

	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer initCancel()
	if err := mgr.Init(initCtx); err != nil {
		slog.Error("Failed to initialize services", "error", err)
		return 1
	}

	// 3. Start Services
	bgCtx, bgCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer bgCancel()
	mgr.Start(bgCtx)

	// 4. Wait for Shutdown
	exitCode := 0
	select {
	case <-bgCtx.Done():
		slog.Info("Shutting down...")
	case err := <-mgr.Err():
		slog.Error("Server failed", "error", err)
		exitCode = 1
	}
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	slog.Info("All services stopped")
	return exitCode
}
