package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phonginreallife/chats/internal/app"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/workers"
)

const (
	archiveAt      = "03:00"
	holidaySeedAt  = "04:00"
	reconcileEvery = 10 * time.Minute
)

func main() {
	log.Println("Starting workers...")

	if err := config.LoadConfig(os.Getenv("CHATS_CONFIG_PATH")); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(config.App.LogLevel, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithLogger(ctx, logger)

	a, err := app.New(ctx, config.App, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	archive, err := workers.NewDailyWorker("archive", archiveAt, workers.ArchiveTask(a.Archive), a.Clock)
	if err != nil {
		log.Fatalf("Failed to schedule archive worker: %v", err)
	}
	holidays, err := workers.NewDailyWorker("holiday_seed", holidaySeedAt, workers.HolidayTask(a.Holidays, a.Clock), a.Clock)
	if err != nil {
		log.Fatalf("Failed to schedule holiday worker: %v", err)
	}
	reconcile := workers.NewPeriodicWorker("reconcile", reconcileEvery, workers.ReconcileTask(a.Reconciler), a.Clock)

	starters := []func(context.Context){archive.Start, holidays.Start, reconcile.Start}
	if a.RoutingQueue != nil {
		routing := workers.NewQueueRoutingWorker(a.RoutingQueue, a.Rooms, a.Clock)
		starters = append(starters, routing.Start)
	} else {
		logger.Warn("queue routing worker disabled, the API routes queues inline without redis")
	}

	var wg sync.WaitGroup
	for _, start := range starters {
		wg.Add(1)
		go func(start func(context.Context)) {
			defer wg.Done()
			start(ctx)
		}(start)
	}

	logger.Info("workers started")
	<-ctx.Done()

	logger.Info("shutting down workers")
	wg.Wait()
	a.Drain()
}
