package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/daemon"
	"github.com/metal0/mailpilot-sub003/internal/store"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailpilot version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("accounts", cfg.AccountNames()).Info("Starting mailpilot daemon")

	// Initialize persistence
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	// Resolve account bindings; an unknown classifier provider is
	// fatal here rather than surfacing later mid-pipeline.
	d, err := daemon.New(cfg, st, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize daemon")
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Daemon error")
		}
		cancel()
	}

	logger.Info("mailpilot daemon stopped")
}
