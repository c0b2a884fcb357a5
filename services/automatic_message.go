package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

// AutomaticMessageService sends a sector's first-touch message when a room
// gets its first agent and nobody has spoken on the agent side yet.
type AutomaticMessageService struct {
	PG       *sql.DB
	Clock    clock.Clock
	Notifier *RoomNotifier
	Tickets  TicketChecker
	// UseDenormalized reads rooms.has_agent_messages instead of scanning
	// the room's messages for the agent-side gate.
	UseDenormalized bool

	wg sync.WaitGroup
}

func NewAutomaticMessageService(pg *sql.DB, clk clock.Clock, notifier *RoomNotifier, tickets TicketChecker, useDenormalized bool) *AutomaticMessageService {
	if clk == nil {
		clk = clock.Real()
	}
	return &AutomaticMessageService{PG: pg, Clock: clk, Notifier: notifier, Tickets: tickets, UseDenormalized: useDenormalized}
}

// AutomaticMessageEnabled reports whether sector has a first-touch message configured.
func AutomaticMessageEnabled(sector *db.Sector) bool {
	return sector != nil && sector.IsAutomaticMessageActive && strings.TrimSpace(sector.AutomaticMessageText) != ""
}

// Schedule sends the message in the background. The caller's request does
// not wait for it.
func (s *AutomaticMessageService) Schedule(ctx context.Context, room *db.Room, sector *db.Sector, userID string) {
	if !AutomaticMessageEnabled(sector) || room.HasAgentMessages || room.AutomaticMessageSentAt != nil {
		return
	}
	jobCtx := context.WithoutCancel(ctx)
	snapshot := *room
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Send(jobCtx, &snapshot, sector.AutomaticMessageText, userID, true); err != nil {
			logging.FromContext(jobCtx).Error("automatic message failed", "room", snapshot.ID, "error", err)
		}
	}()
}

// Wait blocks until scheduled sends finish.
func (s *AutomaticMessageService) Wait() { s.wg.Wait() }

// Send creates the automatic message if every gate still holds. A nil
// message with a nil error means a gate closed in the meantime.
func (s *AutomaticMessageService) Send(ctx context.Context, room *db.Room, text, userID string, checkTicket bool) (*db.Message, error) {
	logger := logging.FromContext(ctx).With("room", room.ID)

	if checkTicket && room.TicketUUID != "" && s.Tickets != nil {
		if err := s.Tickets.WaitForTicket(ctx, room.TicketUUID); err != nil {
			return nil, fmt.Errorf("refusing automatic message without a confirmed ticket: %w", err)
		}
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := lockActiveRoom(ctx, tx, room.ID)
	if err != nil {
		return nil, err
	}
	if locked.UserID != userID {
		logger.Info("skipping automatic message, room changed hands", "user", locked.UserID)
		return nil, nil
	}

	var sent bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM automatic_messages WHERE room_id = $1)`, locked.ID).Scan(&sent)
	if err != nil {
		return nil, fmt.Errorf("failed to check automatic message: %w", err)
	}
	if sent {
		return nil, nil
	}
	spoken, err := s.agentHasSpoken(ctx, tx, locked)
	if err != nil {
		return nil, err
	}
	if spoken {
		return nil, nil
	}

	now := s.Clock.Now()
	msg := &db.Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		Text:      strings.TrimSpace(text),
		Metadata:  map[string]interface{}{"automatic": true},
		CreatedOn: now,
		Media:     []db.MessageMedia{},
	}
	if err := insertMessage(ctx, tx, locked, msg); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO automatic_messages (id, room_id, message_id, created_on) VALUES ($1, $2, $3, $4)
	`, uuid.New().String(), locked.ID, msg.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark automatic message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE rooms SET automatic_message_sent_at = $2 WHERE id = $1`, locked.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update automatic_message_sent_at: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit automatic message: %w", err)
	}
	locked.AutomaticMessageSentAt = &now

	logger.Info("automatic message sent", "message", msg.ID)
	if s.Notifier != nil {
		s.Notifier.MessageEvent(ctx, locked, msg, EventMsgCreate)
	}
	return msg, nil
}

// agentHasSpoken evaluates the agent-side gate, from the denormalized
// flag or from the messages themselves.
func (s *AutomaticMessageService) agentHasSpoken(ctx context.Context, tx *sql.Tx, room *db.Room) (bool, error) {
	if s.UseDenormalized {
		return room.HasAgentMessages, nil
	}
	var spoken bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE room_id = $1 AND user_id IS NOT NULL)
	`, room.ID).Scan(&spoken)
	if err != nil {
		return false, fmt.Errorf("failed to check agent messages: %w", err)
	}
	return spoken, nil
}
