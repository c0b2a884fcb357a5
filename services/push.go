package services

import (
	"context"
	"database/sql"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/logging"
)

// MessageSender is the part of the firebase messaging client we use.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushService tells an agent's phone that a room was assigned to them.
type PushService struct {
	PG     *sql.DB
	client MessageSender
}

type RoomAssignedData struct {
	RoomID    string `json:"room_id"`
	ProjectID string `json:"project_id"`
	QueueID   string `json:"queue_id"`
	Type      string `json:"type"`
}

// NewPushService initializes Firebase from credentialsFile. Without
// credentials the service stays disabled and every push is skipped.
func NewPushService(ctx context.Context, pg *sql.DB, credentialsFile string) *PushService {
	logger := logging.FromContext(ctx)
	service := &PushService{PG: pg}
	if credentialsFile == "" {
		logger.Info("push notifications disabled, no firebase credentials configured")
		return service
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		logger.Warn("firebase app not initialized", "error", err)
		return service
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		logger.Warn("firebase messaging client not initialized", "error", err)
		return service
	}
	service.client = client
	logger.Info("push notifications enabled")
	return service
}

// NewPushServiceWithSender is used when the sender is built elsewhere.
func NewPushServiceWithSender(pg *sql.DB, sender MessageSender) *PushService {
	return &PushService{PG: pg, client: sender}
}

func (s *PushService) Enabled() bool { return s.client != nil }

// RoomAssigned implements Pusher. Failures are logged only.
func (s *PushService) RoomAssigned(ctx context.Context, userID string, room *db.Room) {
	if err := s.sendRoomAssigned(ctx, userID, room); err != nil {
		logging.FromContext(ctx).Warn("push notification failed", "user", userID, "room", room.ID, "error", err)
	}
}

func (s *PushService) sendRoomAssigned(ctx context.Context, userID string, room *db.Room) error {
	if s.client == nil {
		return nil
	}

	var fcmToken, firstName string
	err := s.PG.QueryRowContext(ctx,
		"SELECT fcm_token, first_name FROM users WHERE email = $1 AND fcm_token != ''",
		userID,
	).Scan(&fcmToken, &firstName)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error fetching user FCM token: %w", err)
	}

	data := RoomAssignedData{RoomID: room.ID, ProjectID: room.ProjectID, QueueID: room.QueueID, Type: "room_assigned"}
	title := "New conversation"
	body := "A conversation was assigned to you"
	if room.LastMessageText != "" {
		body = room.LastMessageText
	}

	message := &messaging.Message{
		Token: fcmToken,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"room_id":    data.RoomID,
			"project_id": data.ProjectID,
			"queue_id":   data.QueueID,
			"type":       data.Type,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:        "default",
				ChannelID:    "rooms_channel",
				Priority:     messaging.PriorityHigh,
				DefaultSound: true,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: title, Body: body},
					Sound: "default",
					CustomData: map[string]interface{}{
						"room_id": room.ID,
						"type":    data.Type,
					},
				},
			},
		},
	}

	response, err := s.client.Send(ctx, message)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Debug("push sent", "user", userID, "name", firstName, "response", response)
	return nil
}
