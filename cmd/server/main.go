package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/internal/app"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/router"
)

func main() {
	if err := config.LoadConfig(os.Getenv("CHATS_CONFIG_PATH")); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(config.App.LogLevel, nil)
	if logging.ParseLevel(config.App.LogLevel) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithLogger(ctx, logger)

	a, err := app.New(ctx, config.App, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if a.Bridge != nil {
		go a.Bridge.Run(ctx, a.Hub)
	}
	a.Statuses.Start(ctx, config.App.MessageStatusFlushInterval)

	r, err := router.NewGinRouter(a)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + config.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(logging.ContextWithLogger(context.Background(), logger), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	// receipts still queued are applied before exit
	a.Statuses.Stop(shutdownCtx)
	a.Drain()
	logger.Info("api stopped")
}
