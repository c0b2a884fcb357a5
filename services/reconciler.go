package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

// Reconciler repairs the denormalized last message fields of recently
// touched rooms from the messages table.
type Reconciler struct {
	PG     *sql.DB
	Clock  clock.Clock
	Window time.Duration
}

func NewReconciler(pg *sql.DB, clk clock.Clock, window time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Reconciler{PG: pg, Clock: clk, Window: window}
}

const reconcileSQL = `
	WITH latest AS (
		SELECT DISTINCT ON (m.room_id) m.room_id, m.id, m.text, COALESCE(m.user_id, '') AS user_id
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		WHERE r.modified_on >= $1
		ORDER BY m.room_id, m.created_on DESC, m.id DESC
	), agent AS (
		SELECT DISTINCT m.room_id
		FROM messages m
		WHERE m.user_id IS NOT NULL AND m.room_id IN (SELECT room_id FROM latest)
	), derived AS (
		SELECT l.room_id, l.id, l.text, l.user_id,
			(a.room_id IS NOT NULL) AS has_agent,
			COALESCE((
				SELECT jsonb_agg(jsonb_build_object('content_type', mm.content_type, 'url', mm.media_url) ORDER BY mm.created_on, mm.id)
				FROM message_media mm WHERE mm.message_id = l.id
			), '[]'::jsonb) AS media
		FROM latest l
		LEFT JOIN agent a ON a.room_id = l.room_id
	)
	UPDATE rooms r
	SET last_message_id = d.id, last_message_text = d.text, last_message_user = d.user_id,
		last_message_media = d.media, has_agent_messages = d.has_agent
	FROM derived d
	WHERE r.id = d.room_id
		AND (r.last_message_id IS DISTINCT FROM d.id
			OR r.last_message_text <> d.text
			OR r.has_agent_messages <> d.has_agent
			OR r.last_message_media <> d.media)
`

// Run fixes rooms modified within the window and returns how many changed.
func (r *Reconciler) Run(ctx context.Context) (int64, error) {
	since := r.Clock.Now().Add(-r.Window)
	res, err := r.PG.ExecContext(ctx, reconcileSQL, since)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile rooms: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.FromContext(ctx).Warn("room denormalization drift repaired", "rooms", n, "since", since)
	}
	return n, nil
}
