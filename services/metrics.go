package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
)

const maxMetricsPageSize = 100

// RoomMetricsFilter narrows a rooms_metrics listing. Zero values mean no filter.
type RoomMetricsFilter struct {
	ProjectID          string
	URN                string
	IsActive           *bool
	CreatedOnAfter     *time.Time
	CreatedOnBefore    *time.Time
	EndedAtAfter       *time.Time
	EndedAtBefore      *time.Time
	ContactExternalIDs []string
	SectorID           string
	QueueID            string
	Cursor             string
	Limit              int
}

type RoomMetric struct {
	ID                     string     `json:"uuid"`
	ContactExternalID      string     `json:"contact_external_id"`
	URN                    string     `json:"urn"`
	QueueID                string     `json:"queue"`
	SectorID               string     `json:"sector"`
	UserID                 string     `json:"user,omitempty"`
	IsActive               bool       `json:"is_active"`
	CreatedOn              time.Time  `json:"created_on"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`
	FirstUserAssignedAt    *time.Time `json:"first_user_assigned_at,omitempty"`
	FirstResponseTime      *float64   `json:"first_response_time"`
	WaitingTime            *float64   `json:"waiting_time"`
	AutomaticMessageSentAt *time.Time `json:"automatic_message_sent_at"`
}

type RoomMetricsPage struct {
	Results []RoomMetric `json:"results"`
	Next    string       `json:"next,omitempty"`
}

type MetricsService struct {
	PG *sql.DB
}

func NewMetricsService(pg *sql.DB) *MetricsService {
	return &MetricsService{PG: pg}
}

func EncodeMetricsCursor(createdOn time.Time, id string) string {
	return base64.URLEncoding.EncodeToString([]byte(createdOn.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func DecodeMetricsCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", apperr.New(apperr.InvalidInput, "invalid cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", apperr.New(apperr.InvalidInput, "invalid cursor")
	}
	createdOn, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", apperr.New(apperr.InvalidInput, "invalid cursor")
	}
	return createdOn, id, nil
}

// RoomMetrics pages through a project's rooms oldest first. The automatic
// message timestamp prefers the room column and falls back to the marker's
// message.
func (s *MetricsService) RoomMetrics(ctx context.Context, f RoomMetricsFilter) (*RoomMetricsPage, error) {
	if f.Limit <= 0 || f.Limit > maxMetricsPageSize {
		f.Limit = maxMetricsPageSize
	}

	query := `
		SELECT r.id, c.external_id, r.urn, r.queue_id, q.sector_id, r.user_id, r.is_active,
			r.created_on, r.ended_at, r.first_user_assigned_at,
			(SELECT MIN(m.created_on) FROM messages m
				WHERE m.room_id = r.id AND m.user_id IS NOT NULL
				AND NOT EXISTS (SELECT 1 FROM automatic_messages am WHERE am.message_id = m.id)) AS first_agent_message_at,
			COALESCE(r.automatic_message_sent_at,
				(SELECT m.created_on FROM automatic_messages am JOIN messages m ON m.id = am.message_id
					WHERE am.room_id = r.id)) AS automatic_message_sent_at
		FROM rooms r
		JOIN contacts c ON c.id = r.contact_id
		JOIN queues q ON q.id = r.queue_id
		WHERE r.project_id = $1
	`
	args := []interface{}{f.ProjectID}

	if f.URN != "" {
		args = append(args, f.URN)
		query += fmt.Sprintf(" AND r.urn = $%d", len(args))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		query += fmt.Sprintf(" AND r.is_active = $%d", len(args))
	}
	if f.CreatedOnAfter != nil {
		args = append(args, *f.CreatedOnAfter)
		query += fmt.Sprintf(" AND r.created_on >= $%d", len(args))
	}
	if f.CreatedOnBefore != nil {
		args = append(args, *f.CreatedOnBefore)
		query += fmt.Sprintf(" AND r.created_on <= $%d", len(args))
	}
	if f.EndedAtAfter != nil {
		args = append(args, *f.EndedAtAfter)
		query += fmt.Sprintf(" AND r.ended_at >= $%d", len(args))
	}
	if f.EndedAtBefore != nil {
		args = append(args, *f.EndedAtBefore)
		query += fmt.Sprintf(" AND r.ended_at <= $%d", len(args))
	}
	if len(f.ContactExternalIDs) > 0 {
		args = append(args, pq.Array(f.ContactExternalIDs))
		query += fmt.Sprintf(" AND c.external_id = ANY($%d)", len(args))
	}
	if f.SectorID != "" {
		args = append(args, f.SectorID)
		query += fmt.Sprintf(" AND q.sector_id = $%d", len(args))
	}
	if f.QueueID != "" {
		args = append(args, f.QueueID)
		query += fmt.Sprintf(" AND r.queue_id = $%d", len(args))
	}
	if f.Cursor != "" {
		createdOn, id, err := DecodeMetricsCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, createdOn, id)
		query += fmt.Sprintf(" AND (r.created_on, r.id) > ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, f.Limit+1)
	query += fmt.Sprintf(" ORDER BY r.created_on ASC, r.id ASC LIMIT $%d", len(args))

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query room metrics: %w", err)
	}
	defer rows.Close()

	page := &RoomMetricsPage{Results: []RoomMetric{}}
	for rows.Next() {
		var m RoomMetric
		var userID sql.NullString
		var endedAt, firstAssigned, firstAgentMessage, automaticSent sql.NullTime
		err := rows.Scan(&m.ID, &m.ContactExternalID, &m.URN, &m.QueueID, &m.SectorID, &userID, &m.IsActive,
			&m.CreatedOn, &endedAt, &firstAssigned, &firstAgentMessage, &automaticSent)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room metric: %w", err)
		}
		m.UserID = userID.String
		m.EndedAt = db.TimePtr(endedAt)
		m.FirstUserAssignedAt = db.TimePtr(firstAssigned)
		m.AutomaticMessageSentAt = db.TimePtr(automaticSent)
		if firstAssigned.Valid {
			m.WaitingTime = seconds(firstAssigned.Time.Sub(m.CreatedOn))
			if firstAgentMessage.Valid {
				m.FirstResponseTime = seconds(firstAgentMessage.Time.Sub(firstAssigned.Time))
			}
		}
		page.Results = append(page.Results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Results) > f.Limit {
		page.Results = page.Results[:f.Limit]
		last := page.Results[len(page.Results)-1]
		page.Next = EncodeMetricsCursor(last.CreatedOn, last.ID)
	}
	return page, nil
}

func seconds(d time.Duration) *float64 {
	if d < 0 {
		d = 0
	}
	v := d.Seconds()
	return &v
}
