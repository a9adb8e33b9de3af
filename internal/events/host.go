package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Host event types fired on the Home Assistant event bus.
const (
	EventReloginRequired = "alexa_media_relogin_required"
	EventReloginSuccess  = "alexa_media_relogin_success"
	EventAlarmDismissal  = "alexa_media_alarm_dismissal_event"
	EventLastCalled      = "alexa_media_last_called_event"
)

// HostEvent is a user-facing event.
type HostEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	TimeFired time.Time      `json:"time_fired"`
}

// NewHostEvent stamps a new event with an id and the given time.
func NewHostEvent(eventType string, data map[string]any, now time.Time) HostEvent {
	return HostEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		TimeFired: now,
	}
}

// Sink delivers host events.
type Sink interface {
	Fire(ctx context.Context, event HostEvent) error
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Fire(ctx context.Context, event HostEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Fire(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to fire %s: %w", event.Type, errors.Join(errs...))
	}
	return nil
}

// LogSink writes host events to the log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Fire(_ context.Context, event HostEvent) error {
	s.Logger.Info("Host event",
		zap.String("event_type", event.Type),
		zap.String("id", event.ID),
		zap.Any("data", event.Data))
	return nil
}
