// Command mockserver runs a local stand-in for the SafeNest API. Point the SDK at it with
// SAFENEST_BASE_URL=http://localhost:8787 and SAFENEST_STREAM_URL=ws://localhost:8787/api/v1/safety/voice/stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/safenest/gosdk/internal/config"
	"github.com/safenest/gosdk/internal/fakeserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.RFC3339,
	}))

	fake := fakeserver.New(cfg.MockAPIKey, logger)
	srv := &http.Server{
		Addr:              cfg.MockListen,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock server starting", "addr", cfg.MockListen, "api_key", cfg.MockAPIKey)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("mock server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mock server stopped")
}
