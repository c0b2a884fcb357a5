package services

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

// InServiceTracker counts the active rooms each agent is serving.
type InServiceTracker interface {
	Delta(ctx context.Context, userID, projectID string, delta int64)
}

// InServiceCounter keeps per (user, project) counters in the shared cache.
// Only room transitions move them.
type InServiceCounter struct {
	Cache Cache
	PG    *sql.DB
	Clock clock.Clock
}

var _ InServiceTracker = (*InServiceCounter)(nil)

func NewInServiceCounter(cache Cache, pg *sql.DB, clk clock.Clock) *InServiceCounter {
	if clk == nil {
		clk = clock.Real()
	}
	return &InServiceCounter{Cache: cache, PG: pg, Clock: clk}
}

func inServiceKey(userID, projectID string) string {
	return "chats:in_service:" + projectID + ":" + userID
}

// Delta moves the counter and clamps it at zero. Cache failures are logged
// and never reach the room transition that caused them.
func (c *InServiceCounter) Delta(ctx context.Context, userID, projectID string, delta int64) {
	if userID == "" || delta == 0 {
		return
	}
	key := inServiceKey(userID, projectID)
	n, err := c.Cache.IncrBy(ctx, key, delta)
	if err != nil {
		logging.FromContext(ctx).Error("failed to update in-service counter", "user", userID, "project", projectID, "error", err)
		return
	}
	if n < 0 {
		if _, err := c.Cache.IncrBy(ctx, key, -n); err != nil {
			logging.FromContext(ctx).Error("failed to clamp in-service counter", "user", userID, "project", projectID, "error", err)
		}
	}
}

// Count reads the current counter.
func (c *InServiceCounter) Count(ctx context.Context, userID, projectID string) (int64, error) {
	n, err := c.Cache.IncrBy(ctx, inServiceKey(userID, projectID), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read in-service counter: %w", err)
	}
	return n, nil
}

// Flush records the agent's status with their in-service count, used when a
// connection drops and the agent goes offline.
func (c *InServiceCounter) Flush(ctx context.Context, userID, projectID string, status db.PermissionStatus) error {
	n, err := c.Count(ctx, userID, projectID)
	if err != nil {
		return err
	}
	_, err = c.PG.ExecContext(ctx, `
		INSERT INTO agent_status_logs (user_id, project_id, status, in_service_rooms, created_on)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, projectID, string(status), n, c.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to write agent status log: %w", err)
	}
	logging.FromContext(ctx).Info("agent status flushed", "user", userID, "project", projectID, "status", status, "in_service", strconv.FormatInt(n, 10))
	return nil
}

// Reset sets the counter from the database, for repairs after a cache loss.
func (c *InServiceCounter) Reset(ctx context.Context, userID, projectID string) (int64, error) {
	var active int64
	err := c.PG.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rooms WHERE user_id = $1 AND project_id = $2 AND is_active = true
	`, userID, projectID).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("failed to count active rooms: %w", err)
	}
	key := inServiceKey(userID, projectID)
	if err := c.Cache.Set(ctx, key, []byte(strconv.FormatInt(active, 10)), 0); err != nil {
		return 0, fmt.Errorf("failed to reset in-service counter: %w", err)
	}
	return active, nil
}
