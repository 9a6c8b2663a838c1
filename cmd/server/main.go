package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"flowdeck-auth/internal/app"
	"flowdeck-auth/internal/config"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a JSON config file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	bootLog := logrus.New()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		bootLog.WithError(err).Fatal("Failed to load env file")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.WithError(err).Fatal("Failed to load config")
	}
	logOut := app.LogOutput(cfg.LogFile, cfg.LogMaxSizeMB)
	defer logOut.Close()
	logger := app.NewLogger(cfg.LogLevel, logOut)

	// Create a new application instance
	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		logger.WithError(err).Fatal("Application failed to start")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, initiating graceful shutdown...")
	if err := application.Stop(context.Background()); err != nil {
		logger.WithError(err).Error("Error during graceful shutdown")
		_ = logOut.Close()
		os.Exit(1)
	}
	logger.Info("Application has stopped.")
}
