package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/services"
)

// Task is one run of a background job. Errors are logged and the worker
// keeps its schedule.
type Task func(ctx context.Context) error

// PeriodicWorker runs its task every Interval.
type PeriodicWorker struct {
	Name     string
	Interval time.Duration
	Task     Task
	Clock    clock.Clock
}

func NewPeriodicWorker(name string, interval time.Duration, task Task, clk clock.Clock) *PeriodicWorker {
	if clk == nil {
		clk = clock.Real()
	}
	return &PeriodicWorker{Name: name, Interval: interval, Task: task, Clock: clk}
}

// Start blocks until ctx is cancelled.
func (w *PeriodicWorker) Start(ctx context.Context) {
	logger := logging.FromContext(ctx).With("worker", w.Name)
	logger.Info("worker started", "interval", w.Interval.String())

	ticker := w.Clock.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-ticker.C:
			run(ctx, logger, w.Clock, w.Task)
		}
	}
}

// DailyWorker runs its task once a day at At ("HH:MM", UTC).
type DailyWorker struct {
	Name  string
	At    string
	Task  Task
	Clock clock.Clock
}

func NewDailyWorker(name, at string, task Task, clk clock.Clock) (*DailyWorker, error) {
	if _, err := NextRun(time.Time{}, at); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &DailyWorker{Name: name, At: at, Task: task, Clock: clk}, nil
}

// NextRun is the first at (UTC) strictly after now.
func NextRun(now time.Time, at string) (time.Time, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid daily schedule %q, expected HH:MM", at)
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// Start blocks until ctx is cancelled.
func (w *DailyWorker) Start(ctx context.Context) {
	logger := logging.FromContext(ctx).With("worker", w.Name)

	for {
		now := w.Clock.Now()
		next, _ := NextRun(now, w.At)
		logger.Info("next run scheduled", "at", next)

		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-w.Clock.After(next.Sub(now)):
			run(ctx, logger, w.Clock, w.Task)
		}
	}
}

func run(ctx context.Context, logger *slog.Logger, clk clock.Clock, task Task) {
	start := clk.Now()
	if err := task(logging.ContextWithLogger(ctx, logger)); err != nil {
		logger.Error("worker run failed", "error", err)
		return
	}
	logger.Debug("worker run finished", "duration_ms", clk.Now().Sub(start).Milliseconds())
}

// ArchiveTask moves old closed rooms to the object store.
func ArchiveTask(svc *services.ArchiveService) Task {
	return func(ctx context.Context) error {
		job, err := svc.Run(ctx)
		if err != nil {
			return err
		}
		logging.FromContext(ctx).Info("archive job finished", "job", job.ID, "expires_at", job.ExpiresAt)
		return nil
	}
}

// HolidayTask seeds the national holidays of the current year. From
// December on the next year is seeded as well.
func HolidayTask(svc *services.HolidayService, clk clock.Clock) Task {
	return func(ctx context.Context) error {
		now := clk.Now().UTC()
		years := []int{now.Year()}
		if now.Month() == time.December {
			years = append(years, now.Year()+1)
		}
		for _, year := range years {
			if _, err := svc.Seed(ctx, year); err != nil {
				return fmt.Errorf("failed to seed holidays for %d: %w", year, err)
			}
		}
		return nil
	}
}

// ReconcileTask repairs drifted room summaries.
func ReconcileTask(r *services.Reconciler) Task {
	return func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}
}
