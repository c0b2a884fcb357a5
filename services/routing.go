package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/logging"
)

// AgentQuery carries what SelectAgent needs to pick an owner for a room.
type AgentQuery struct {
	ProjectID string
	Queue     *db.Queue
	Sector    *db.Sector
	Contact   *db.Contact
	// PreferredUser is the email the integration asked for.
	PreferredUser string
	// Groups are extra external ids the contact is known by.
	Groups []string
	// IsNew is true when the contact did not exist before this request.
	IsNew  bool
	FlowID string
}

// RoutingService decides which agent a room goes to.
type RoutingService struct {
	Authz authz.Authorizer
}

func NewRoutingService(az authz.Authorizer) *RoutingService {
	return &RoutingService{Authz: az}
}

// SelectAgent walks the routing steps in order and returns the chosen
// user's email, or "" when the room should wait in its queue.
func (s *RoutingService) SelectAgent(ctx context.Context, q querier, in AgentQuery) (string, error) {
	logger := logging.FromContext(ctx)

	user, err := s.flowStartAgent(ctx, q, in)
	if err != nil {
		return "", err
	}
	if user != "" {
		logger.Debug("routed by flow start", "user", user)
		return user, nil
	}

	if !in.IsNew && in.Contact != nil && in.Contact.ID != "" {
		user, err = s.linkedAgent(ctx, q, in.Contact.ID, in.ProjectID)
		if err != nil {
			return "", err
		}
		if user != "" {
			logger.Debug("routed to linked agent", "user", user)
			return user, nil
		}
	}

	if in.PreferredUser != "" {
		perm := s.Authz.PermissionOf(ctx, in.PreferredUser, in.ProjectID)
		if perm != nil && perm.Status == db.StatusOnline {
			logger.Debug("routed to preferred user", "user", in.PreferredUser)
			return in.PreferredUser, nil
		}
	}

	return AvailableAgent(ctx, q, in.Queue, in.Sector)
}

func (s *RoutingService) flowStartAgent(ctx context.Context, q querier, in AgentQuery) (string, error) {
	externalIDs := append([]string{}, in.Groups...)
	if in.Contact != nil && in.Contact.ExternalID != "" {
		externalIDs = append(externalIDs, in.Contact.ExternalID)
	}
	if len(externalIDs) == 0 {
		return "", nil
	}

	query := `
		SELECT fs.created_on, pp.user_id, pp.status
		FROM flow_starts fs
		JOIN project_permissions pp ON pp.id = fs.permission_id
		WHERE fs.project_id = $1 AND fs.is_deleted = false AND fs.external_ids && $2`
	args := []interface{}{in.ProjectID, pq.Array(externalIDs)}
	if in.FlowID != "" {
		args = append(args, in.FlowID)
		query += fmt.Sprintf(" AND fs.flow = $%d", len(args))
	}
	query += ` ORDER BY fs.created_on DESC LIMIT 1`

	var startedAt time.Time
	var userID, status string
	err := q.QueryRowContext(ctx, query, args...).Scan(&startedAt, &userID, &status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find flow start: %w", err)
	}
	if db.PermissionStatus(status) != db.StatusOnline {
		return "", nil
	}

	if !in.IsNew && in.Contact != nil && in.Contact.ID != "" {
		var roomAfter bool
		err := q.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM rooms WHERE contact_id = $1 AND project_id = $2 AND created_on > $3
			)
		`, in.Contact.ID, in.ProjectID, startedAt).Scan(&roomAfter)
		if err != nil {
			return "", fmt.Errorf("failed to check rooms after flow start: %w", err)
		}
		if roomAfter {
			return "", nil
		}
	}
	return userID, nil
}

func (s *RoutingService) linkedAgent(ctx context.Context, q querier, contactID, projectID string) (string, error) {
	var userID string
	err := q.QueryRowContext(ctx, `
		SELECT l.user_id
		FROM contact_agent_links l
		JOIN project_permissions pp ON pp.user_id = l.user_id AND pp.project_id = l.project_id
		WHERE l.contact_id = $1 AND l.project_id = $2 AND pp.status = 'ONLINE'
	`, contactID, projectID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find linked agent: %w", err)
	}
	return userID, nil
}

// AvailableAgent returns the online queue agent with the fewest active
// rooms in the sector, provided they are under rooms_limit.
func AvailableAgent(ctx context.Context, q querier, queue *db.Queue, sector *db.Sector) (string, error) {
	if queue == nil || sector == nil {
		return "", nil
	}
	var userID string
	var active int
	err := q.QueryRowContext(ctx, `
		SELECT pp.user_id, COUNT(r.id) AS active_rooms
		FROM queue_authorizations qa
		JOIN project_permissions pp ON pp.id = qa.permission_id
		LEFT JOIN rooms r ON r.user_id = pp.user_id AND r.project_id = pp.project_id AND r.is_active = true
			AND r.queue_id IN (SELECT id FROM queues WHERE sector_id = $2)
		WHERE qa.queue_id = $1 AND pp.status = 'ONLINE'
		GROUP BY pp.user_id
		HAVING COUNT(r.id) < $3
		ORDER BY active_rooms ASC, pp.user_id ASC
		LIMIT 1
	`, queue.ID, sector.ID, sector.RoomsLimit).Scan(&userID, &active)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find available agent: %w", err)
	}
	return userID, nil
}

// RoutingScheduler defers queue-priority routing of a queue.
type RoutingScheduler interface {
	Schedule(ctx context.Context, queueID string)
}

// QueueRoutingKey is the redis list consumed by the queue routing worker.
const QueueRoutingKey = "chats:queue_routing"

// RedisRoutingQueue pushes routing jobs for the worker process.
type RedisRoutingQueue struct {
	Redis *redis.Client
}

func NewRedisRoutingQueue(client *redis.Client) *RedisRoutingQueue {
	return &RedisRoutingQueue{Redis: client}
}

func (q *RedisRoutingQueue) Schedule(ctx context.Context, queueID string) {
	if err := q.Redis.LPush(ctx, QueueRoutingKey, queueID).Err(); err != nil {
		logging.FromContext(ctx).Error("failed to schedule queue routing", "queue", queueID, "error", err)
	}
}

// Next blocks up to timeout for the next queue id; "" means none arrived.
func (q *RedisRoutingQueue) Next(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.Redis.BRPop(ctx, timeout, QueueRoutingKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value]
	return res[1], nil
}

// QueueRouter is what routes a queue once a job is picked up.
type QueueRouter interface {
	RouteQueue(ctx context.Context, queueID string) (int, error)
}

// InlineRoutingScheduler routes in a background goroutine of the same
// process, used when redis is not configured.
type InlineRoutingScheduler struct {
	Router QueueRouter
}

func (s *InlineRoutingScheduler) Schedule(ctx context.Context, queueID string) {
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.Router.RouteQueue(jobCtx, queueID); err != nil {
			logging.FromContext(jobCtx).Error("queue routing failed", "queue", queueID, "error", err)
		}
	}()
}
