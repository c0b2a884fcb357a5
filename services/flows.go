package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/logging"
)

// ErrTicketNotFound means the flows service never confirmed the ticket.
var ErrTicketNotFound = errors.New("ticket not found in flows")

// TicketChecker confirms that an upstream ticket exists.
type TicketChecker interface {
	WaitForTicket(ctx context.Context, ticketUUID string) error
}

// FlowsClient talks to the upstream flows service.
type FlowsClient struct {
	baseURL    string
	token      string
	retries    int
	clock      clock.Clock
	httpClient *http.Client
}

func NewFlowsClient(cfg config.FlowsConfig, retries int, clk clock.Clock) *FlowsClient {
	if clk == nil {
		clk = clock.Real()
	}
	if retries <= 0 {
		retries = 1
	}
	return &FlowsClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		retries: retries,
		clock:   clk,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsConfigured returns true if a flows URL is set
func (c *FlowsClient) IsConfigured() bool {
	return c.baseURL != ""
}

// TicketBackoff is the wait before attempt n (n >= 2): 1s, 2s, 4s, ...
func TicketBackoff(n int) time.Duration {
	if n < 2 {
		return 0
	}
	return time.Duration(1<<uint(n-2)) * time.Second
}

// WaitForTicket polls the ticket until it resolves or retries run out.
func (c *FlowsClient) WaitForTicket(ctx context.Context, ticketUUID string) error {
	logger := logging.FromContext(ctx).With("ticket", ticketUUID)
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if wait := TicketBackoff(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(wait):
			}
		}

		found, err := c.getTicket(ctx, ticketUUID)
		if found {
			return nil
		}
		lastErr = err
		logger.Debug("ticket not ready", "attempt", attempt, "error", err)
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrTicketNotFound, c.retries, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrTicketNotFound, c.retries)
}

func (c *FlowsClient) getTicket(ctx context.Context, ticketUUID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/internals/ticket_assignee/?uuid="+ticketUUID, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("flows returned %s - %s", resp.Status, string(body))
	}

	var result struct {
		Results []json.RawMessage `json:"results"`
		UUID    string            `json:"uuid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.UUID != "" || len(result.Results) > 0, nil
}
