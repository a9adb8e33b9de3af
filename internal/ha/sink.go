package ha

import (
	"context"
	"fmt"

	"alexamedia/internal/events"

	"go.uber.org/zap"
)

// reloginNotificationID is the persistent notification raised while an
// account needs to sign in again.
const reloginNotificationID = "alexa_media_relogin_required"

// Sink delivers host events to Home Assistant.
type Sink struct {
	client HAClient
	logger *zap.Logger
}

// NewSink creates a sink that fires events through client.
func NewSink(client HAClient, logger *zap.Logger) *Sink {
	return &Sink{
		client: client,
		logger: logger.Named("ha_sink"),
	}
}

// Fire sends event as a fire_event request. A relogin request also raises a
// persistent notification, and a relogin success dismisses it.
func (s *Sink) Fire(ctx context.Context, event events.HostEvent) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("failed to fire %s: not connected", event.Type)
	}

	if err := s.client.FireEvent(ctx, event.Type, event.Data); err != nil {
		return err
	}

	switch event.Type {
	case events.EventReloginRequired:
		err := s.client.CallService(ctx, "persistent_notification", "create", map[string]any{
			"notification_id": reloginNotificationID,
			"title":           "Alexa Media: sign-in required",
			"message":         fmt.Sprintf("Account %v must sign in again at %v.", event.Data["email"], event.Data["url"]),
		})
		if err != nil {
			s.logger.Warn("Failed to create relogin notification", zap.Error(err))
		}
	case events.EventReloginSuccess:
		err := s.client.CallService(ctx, "persistent_notification", "dismiss", map[string]any{
			"notification_id": reloginNotificationID,
		})
		if err != nil {
			s.logger.Warn("Failed to dismiss relogin notification", zap.Error(err))
		}
	}
	return nil
}
