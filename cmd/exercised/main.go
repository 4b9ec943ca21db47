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

	"github.com/superpaes/exercise-gateway/internal/config"
	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/version"
)

func main() {
	root := flag.String("root", ".", "directory containing config/")
	flag.Parse()

	if err := run(*root); err != nil {
		fmt.Fprintf(os.Stderr, "exercised: %v\n", err)
		os.Exit(1)
	}
}

func run(root string) error {
	cfg, err := config.LoadConfig(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		JSON:       cfg.LogJSON,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	log := logging.Component(logger, "exercised")
	log.WithField("version", version.FullInfo()).WithField("environment", cfg.Environment).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.HTTPAddress).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	return nil
}

// writeTimeout leaves room to encode the response after the generation
// deadline has cut the attempt loop short.
func writeTimeout(cfg config.Config) time.Duration {
	return cfg.GenerationDeadline + 15*time.Second
}
