package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caravel-gw/caravel/internal/app"
	"github.com/caravel-gw/caravel/internal/config"
	"github.com/caravel-gw/caravel/internal/logger"
	"github.com/caravel-gw/caravel/internal/version"
)

func main() {
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, cleanup, err := logger.New(&logger.Config{
		Level:      settings.LogLevel,
		LogDir:     settings.LogDir,
		FileOutput: settings.LogToFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	logInstance.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	gateway, err := app.New(settings, logInstance)
	if err != nil {
		logInstance.Error("Failed to create gateway", "error", err)
		cleanup()
		os.Exit(1)
	}

	if err := gateway.Start(ctx); err != nil {
		logInstance.Error("Failed to start gateway", "error", err)
		cleanup()
		os.Exit(1)
	}

	select {
	case sig := <-sigCh:
		logInstance.Info("Shutdown signal received", "signal", sig.String())
	case err := <-gateway.Err():
		logInstance.Error("Server failed", "error", err)
	}
	cancel()

	if err := gateway.Stop(context.Background()); err != nil {
		logInstance.Error("Error during shutdown", "error", err)
	}

	logInstance.Info("Caravel has shutdown")
}
