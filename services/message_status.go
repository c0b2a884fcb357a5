package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

// pendingStatus is a receipt waiting to be applied.
type pendingStatus struct {
	ExternalID string
	Status     db.MessageStatus
	attempts   int
	notBefore  time.Time
}

type resolvedMessage struct {
	ExternalID string
	MessageID  string
	UserID     string
	ProjectID  string
}

// MessageStatusBatcher collects delivery and read receipts and applies
// them in batches. Receipts for messages we have not stored yet are
// retried a few times before being dropped.
type MessageStatusBatcher struct {
	PG         *sql.DB
	Clock      clock.Clock
	Authz      authz.Authorizer
	Notifier   *RoomNotifier
	BulkSize   int
	MaxRetries int
	RetryDelay time.Duration
	// MaxPending bounds the deque; the oldest receipts go first when full.
	MaxPending int

	mu      sync.Mutex
	pending []pendingStatus
	retry   []pendingStatus
	flushMu sync.Mutex

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func NewMessageStatusBatcher(pg *sql.DB, clk clock.Clock, az authz.Authorizer, notifier *RoomNotifier, bulkSize, maxRetries int, retryDelay time.Duration) *MessageStatusBatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if bulkSize <= 0 {
		bulkSize = 100
	}
	return &MessageStatusBatcher{
		PG:         pg,
		Clock:      clk,
		Authz:      az,
		Notifier:   notifier,
		BulkSize:   bulkSize,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		MaxPending: bulkSize * 10,
		trigger:    make(chan struct{}, 1),
	}
}

// Enqueue records a receipt. Reaching BulkSize wakes the flush loop.
func (b *MessageStatusBatcher) Enqueue(ctx context.Context, externalID string, status db.MessageStatus) error {
	if externalID == "" {
		return apperr.New(apperr.InvalidInput, "message id is required")
	}
	switch status {
	case db.MessageDelivered, db.MessageRead, db.MessageSent:
	default:
		return apperr.New(apperr.InvalidInput, "unknown message status "+string(status))
	}

	b.mu.Lock()
	if len(b.pending) >= b.MaxPending {
		dropped := b.pending[0]
		b.pending = b.pending[1:]
		logging.FromContext(ctx).Warn("status queue full, dropping oldest receipt", "external_id", dropped.ExternalID)
	}
	b.pending = append(b.pending, pendingStatus{ExternalID: externalID, Status: status})
	full := len(b.pending) >= b.BulkSize
	b.mu.Unlock()

	if full {
		select {
		case b.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending reports queued receipts and receipts waiting for a retry.
func (b *MessageStatusBatcher) Pending() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), len(b.retry)
}

// Start runs the flush loop until Stop. Flushes happen every interval
// and whenever the deque fills up.
func (b *MessageStatusBatcher) Start(ctx context.Context, interval time.Duration) {
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	ticker := b.Clock.NewTicker(interval)

	go func() {
		defer close(b.done)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-b.trigger:
			}
			if _, err := b.Flush(ctx); err != nil {
				logging.FromContext(ctx).Error("message status flush failed", "error", err)
			}
		}
	}()
}

// Stop ends the loop and applies whatever is still queued.
func (b *MessageStatusBatcher) Stop(ctx context.Context) {
	if b.stop != nil {
		close(b.stop)
		<-b.done
		b.stop = nil
	}
	if _, err := b.Flush(ctx); err != nil {
		logging.FromContext(ctx).Error("final message status flush failed", "error", err)
	}
}

// take drains pending receipts plus retries that are due.
func (b *MessageStatusBatcher) take(now time.Time) []pendingStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.pending
	b.pending = nil
	waiting := b.retry[:0]
	for _, r := range b.retry {
		if r.notBefore.After(now) {
			waiting = append(waiting, r)
			continue
		}
		batch = append(batch, r)
	}
	b.retry = waiting
	return batch
}

func (b *MessageStatusBatcher) requeue(items []pendingStatus) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retry = append(b.retry, items...)
}

// collapse keeps the highest status per external id; SENT is dropped
// since it never changes a stored message.
func collapse(batch []pendingStatus) map[string]pendingStatus {
	best := make(map[string]pendingStatus, len(batch))
	for _, item := range batch {
		if item.Status.Level() == 0 {
			continue
		}
		cur, ok := best[item.ExternalID]
		if !ok || item.Status.Level() > cur.Status.Level() {
			if ok && cur.attempts > item.attempts {
				item.attempts = cur.attempts
			}
			best[item.ExternalID] = item
		}
	}
	return best
}

// Flush applies every due receipt and returns how many messages changed.
func (b *MessageStatusBatcher) Flush(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	logger := logging.FromContext(ctx)
	now := b.Clock.Now()
	items := collapse(b.take(now))
	if len(items) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resolved, err := b.resolve(ctx, ids)
	if err != nil {
		// nothing was applied, so everything goes back for another try
		var back []pendingStatus
		for _, id := range ids {
			back = append(back, items[id])
		}
		b.requeue(back)
		return 0, err
	}

	var unknown []pendingStatus
	byStatus := map[db.MessageStatus][]resolvedMessage{}
	for _, id := range ids {
		item := items[id]
		msg, ok := resolved[id]
		if !ok {
			item.attempts++
			if item.attempts > b.MaxRetries {
				logger.Warn("dropping receipt for unknown message", "external_id", id, "status", item.Status)
				continue
			}
			item.notBefore = now.Add(b.RetryDelay)
			unknown = append(unknown, item)
			continue
		}
		byStatus[item.Status] = append(byStatus[item.Status], msg)
	}
	b.requeue(unknown)

	updated := 0
	for _, status := range []db.MessageStatus{db.MessageDelivered, db.MessageRead} {
		msgs := byStatus[status]
		if len(msgs) == 0 {
			continue
		}
		changed := b.apply(ctx, status, msgs)
		for _, msg := range msgs {
			if !changed[msg.MessageID] {
				continue
			}
			updated++
			b.notify(ctx, msg, status)
		}
	}
	logger.Debug("message statuses flushed", "receipts", len(ids), "updated", updated, "retrying", len(unknown))
	return updated, nil
}

func (b *MessageStatusBatcher) resolve(ctx context.Context, externalIDs []string) (map[string]resolvedMessage, error) {
	rows, err := b.PG.QueryContext(ctx, `
		SELECT i.external_id, m.id, COALESCE(r.user_id, ''), r.project_id
		FROM chat_message_reply_index i
		JOIN messages m ON m.id = i.message_id
		JOIN rooms r ON r.id = m.room_id
		WHERE i.external_id = ANY($1)
	`, pq.Array(externalIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]resolvedMessage, len(externalIDs))
	for rows.Next() {
		var m resolvedMessage
		if err := rows.Scan(&m.ExternalID, &m.MessageID, &m.UserID, &m.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan resolved message: %w", err)
		}
		out[m.ExternalID] = m
	}
	return out, rows.Err()
}

// statusUpdateSQL only touches rows still below the target status, which
// keeps updates idempotent and never moves READ back to DELIVERED.
func statusUpdateSQL(status db.MessageStatus) string {
	if status == db.MessageRead {
		return `UPDATE messages SET is_read = true, is_delivered = true WHERE id = ANY($1) AND is_read = false RETURNING id`
	}
	return `UPDATE messages SET is_delivered = true WHERE id = ANY($1) AND is_delivered = false RETURNING id`
}

// apply runs one batched UPDATE for status, falling back to one UPDATE per
// message when the batch fails so a bad row does not sink the rest.
func (b *MessageStatusBatcher) apply(ctx context.Context, status db.MessageStatus, msgs []resolvedMessage) map[string]bool {
	logger := logging.FromContext(ctx)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}

	changed, err := b.update(ctx, status, ids)
	if err == nil {
		return changed
	}
	logger.Warn("batched status update failed, retrying one by one", "status", status, "messages", len(ids), "error", err)

	changed = map[string]bool{}
	for _, id := range ids {
		one, err := b.update(ctx, status, []string{id})
		if err != nil {
			logger.Error("status update failed", "message", id, "status", status, "error", err)
			continue
		}
		for k := range one {
			changed[k] = true
		}
	}
	return changed
}

func (b *MessageStatusBatcher) update(ctx context.Context, status db.MessageStatus, ids []string) (map[string]bool, error) {
	rows, err := b.PG.QueryContext(ctx, statusUpdateSQL(status), pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changed := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		changed[id] = true
	}
	return changed, rows.Err()
}

func (b *MessageStatusBatcher) notify(ctx context.Context, msg resolvedMessage, status db.MessageStatus) {
	if b.Notifier == nil || b.Authz == nil || msg.UserID == "" {
		return
	}
	perm := b.Authz.PermissionOf(ctx, msg.UserID, msg.ProjectID)
	if perm == nil {
		return
	}
	b.Notifier.MessageStatus(ctx, perm.ID, msg.MessageID, status)
}
