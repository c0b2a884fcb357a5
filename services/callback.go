package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/logging"
)

// ErrCallbackGone means the receiver answered 404 and the hook is gone.
var ErrCallbackGone = errors.New("callback endpoint not found")

// CallbackEvent is one POST to a room's callback URL.
type CallbackEvent struct {
	URL       string
	Type      string
	Content   interface{}
	RoomID    string
	MessageID string
}

type callbackBody struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// CallbackDispatcher posts events in the background with bounded
// concurrency, retrying on the configured status codes.
type CallbackDispatcher struct {
	Client        *http.Client
	Clock         clock.Clock
	RetryCount    int
	BackoffFactor float64
	Retryable     map[int]bool

	sem chan struct{}
	wg  sync.WaitGroup
}

var _ CallbackSender = (*CallbackDispatcher)(nil)

const defaultCallbackConcurrency = 32

func NewCallbackDispatcher(cfg config.CallbackConfig, clk clock.Clock) *CallbackDispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryable := make(map[int]bool, len(cfg.RetryableStatusCodes))
	for _, code := range cfg.RetryableStatusCodes {
		retryable[code] = true
	}
	return &CallbackDispatcher{
		Client:        &http.Client{Timeout: timeout},
		Clock:         clk,
		RetryCount:    cfg.RetryCount,
		BackoffFactor: cfg.RetryBackoffFactor,
		Retryable:     retryable,
		sem:           make(chan struct{}, defaultCallbackConcurrency),
	}
}

// Dispatch queues ev and returns a job id for log correlation. The caller
// never waits for, or fails because of, the delivery.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, ev CallbackEvent) string {
	jobID := uuid.New().String()
	logger := logging.FromContext(ctx).With("callback_job", jobID, "room", ev.RoomID, "message", ev.MessageID, "type", ev.Type)
	jobCtx := logging.ContextWithLogger(context.WithoutCancel(ctx), logger)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		if err := d.Deliver(jobCtx, ev); err != nil {
			if errors.Is(err, ErrCallbackGone) {
				logger.Warn("callback endpoint gone", "url", ev.URL)
				return
			}
			logger.Error("callback delivery failed", "url", ev.URL, "error", err)
		}
	}()
	return jobID
}

// Wait blocks until every dispatched callback has finished.
func (d *CallbackDispatcher) Wait() {
	d.wg.Wait()
}

// Backoff is the pause before retry n (1-based): factor * 2^(n-1) seconds.
func (d *CallbackDispatcher) Backoff(n int) time.Duration {
	if n < 1 || d.BackoffFactor <= 0 {
		return 0
	}
	secs := d.BackoffFactor * math.Pow(2, float64(n-1))
	return time.Duration(secs * float64(time.Second))
}

// Deliver posts ev synchronously, retrying up to RetryCount times.
func (d *CallbackDispatcher) Deliver(ctx context.Context, ev CallbackEvent) error {
	body, err := json.Marshal(callbackBody{Type: ev.Type, Content: ev.Content})
	if err != nil {
		return fmt.Errorf("failed to encode callback body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.Clock.After(d.Backoff(attempt)):
			}
		}

		status, err := d.post(ctx, ev.URL, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusNotFound:
			return ErrCallbackGone
		case d.Retryable[status]:
			lastErr = fmt.Errorf("callback returned status %d", status)
		default:
			return fmt.Errorf("callback returned status %d", status)
		}
		logging.FromContext(ctx).Debug("callback attempt failed", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("callback failed after %d attempts: %w", d.RetryCount+1, lastErr)
}

func (d *CallbackDispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
