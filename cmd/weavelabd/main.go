// Command weavelabd serves weavelab documents over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"weavelab/api"
	"weavelab/config"
	"weavelab/docs"
	"weavelab/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weavelabd:", err)
		os.Exit(1)
	}
}

func run() error {
	listen := flag.String("listen", "", "Address to listen on (default: :7448)")
	dataDir := flag.String("data", "", "Data directory (default: ./data)")
	configFile := flag.String("config", "", "Optional yaml config file")
	flag.Parse()

	// Env first, then the yaml file, then flags
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	cfg.Override(*listen, *dataDir)

	logger, closer, err := logs.New(logs.Options{Debug: cfg.Debug, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info("weavelabd starting",
		"listen", cfg.Listen,
		"data", cfg.DataDir,
		"site", cfg.Site,
		"max_open", cfg.MaxOpenDocs,
		"idle_ttl", cfg.IdleTTL,
		"max_diff_mb", cfg.MaxDiffSize/(1024*1024),
		"version", cfg.Version,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	registry := docs.NewRegistry(docs.RegistryConfig{
		DataDir: cfg.DataDir,
		MaxOpen: cfg.MaxOpenDocs,
		IdleTTL: cfg.IdleTTL,
		Site:    cfg.Site,
		Logger:  logger,
	})
	defer registry.Close()

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      api.NewRouter(registry, cfg, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down")

		// Give connections 30s to finish
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("weavelabd listening", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("weavelabd stopped")
	return nil
}
