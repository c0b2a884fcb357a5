package workers

import (
	"context"
	"time"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/services"
)

// RoutingJobs hands out queue ids whose waiting rooms need routing.
type RoutingJobs interface {
	Next(ctx context.Context, timeout time.Duration) (string, error)
}

// QueueRoutingWorker consumes routing jobs scheduled by the API process and
// assigns waiting rooms to available agents, oldest first.
type QueueRoutingWorker struct {
	Jobs        RoutingJobs
	Router      services.QueueRouter
	PollTimeout time.Duration
	RetryDelay  time.Duration
	Clock       clock.Clock
}

func NewQueueRoutingWorker(jobs RoutingJobs, router services.QueueRouter, clk clock.Clock) *QueueRoutingWorker {
	if clk == nil {
		clk = clock.Real()
	}
	return &QueueRoutingWorker{
		Jobs:        jobs,
		Router:      router,
		PollTimeout: 5 * time.Second,
		RetryDelay:  time.Second,
		Clock:       clk,
	}
}

// Start blocks until ctx is cancelled.
func (w *QueueRoutingWorker) Start(ctx context.Context) {
	logger := logging.FromContext(ctx).With("worker", "queue_routing")
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return
		}

		queueID, err := w.Jobs.Next(ctx, w.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("failed to read routing job", "error", err)
			select {
			case <-ctx.Done():
			case <-w.Clock.After(w.RetryDelay):
			}
			continue
		}
		if queueID == "" {
			continue
		}

		assigned, err := w.Router.RouteQueue(logging.ContextWithLogger(ctx, logger), queueID)
		if err != nil {
			logger.Error("queue routing failed", "queue", queueID, "error", err)
			continue
		}
		if assigned > 0 {
			logger.Info("queue routed", "queue", queueID, "assigned", assigned)
		}
	}
}
