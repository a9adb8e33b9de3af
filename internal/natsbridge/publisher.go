// Package natsbridge mirrors host events and change messages onto NATS.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/events"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "alexa_media"

// Publisher publishes to core NATS subjects under a prefix.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials url and returns a publisher.
func Connect(url, prefix string, logger *zap.Logger, opts ...nats.Option) (*Publisher, error) {
	logger = logger.Named("nats")
	opts = append([]nats.Option{
		nats.Name("alexamedia"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return New(nc, prefix, logger), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger,
	}
}

// EventSubject returns the subject of a host event type.
func (p *Publisher) EventSubject(eventType string) string {
	return p.prefix + "." + eventType
}

// ChangeSubject returns the subject of a change message kind.
func (p *Publisher) ChangeSubject(kind events.Kind) string {
	return p.prefix + ".change." + kind.String()
}

// Fire publishes event as JSON.
func (p *Publisher) Fire(ctx context.Context, event events.HostEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event.Type, err)
	}
	if err := p.nc.Publish(p.EventSubject(event.Type), body); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// ChangeEnvelope is the body published for a change message.
type ChangeEnvelope struct {
	Account string         `json:"account"`
	Kind    string         `json:"kind"`
	Message events.Message `json:"message"`
}

// Forward returns a bus handler that mirrors change messages of one account.
func (p *Publisher) Forward(email string) events.Handler {
	account := alexa.HideEmail(email)
	return func(msg events.Message) {
		body, err := json.Marshal(ChangeEnvelope{
			Account: account,
			Kind:    msg.Kind().String(),
			Message: msg,
		})
		if err != nil {
			p.logger.Warn("Failed to marshal change message", zap.Stringer("kind", msg.Kind()), zap.Error(err))
			return
		}
		if err := p.nc.Publish(p.ChangeSubject(msg.Kind()), body); err != nil {
			p.logger.Warn("Failed to publish change message", zap.Stringer("kind", msg.Kind()), zap.Error(err))
		}
	}
}

// Close flushes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
