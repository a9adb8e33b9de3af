// Package alexa is the thin account session used by the reconciliation core:
// authenticated JSON fetches against the Alexa web API and the push channel.
package alexa

import (
	"context"
	"errors"
)

var (
	// ErrLoginRequired means the stored credentials are no longer accepted.
	ErrLoginRequired = errors.New("alexa: login required")

	// ErrThrottled means the service answered with a rate limit.
	ErrThrottled = errors.New("alexa: throttled")
)

// Session is the per-account collaborator that talks to the Alexa service.
//
// GetNotifications returns (nil, nil) when the service produced no data, which
// callers treat as a retryable condition. An empty listing is a non-nil slice.
type Session interface {
	Email() string
	URL() string

	GetDevices(ctx context.Context) ([]Device, error)
	GetBluetooth(ctx context.Context) (*Bluetooth, error)
	GetPreferences(ctx context.Context) (*Preferences, error)
	GetDND(ctx context.Context) (*DNDState, error)
	GetNotifications(ctx context.Context) ([]Notification, error)
	GetLastCalled(ctx context.Context) (*LastCalled, error)
	GetAuthentication(ctx context.Context) (*AuthInfo, error)

	OpenPush(ctx context.Context, handlers PushHandlers) (PushConn, error)

	Login(ctx context.Context) error
	LoggedIn() bool
	// Close marks the session as deliberately closed. A closed session
	// never reconnects its push channel.
	Close() error
	CloseRequested() bool

	SaveCookies() error
	DeleteCookies() error
}

// PushHandlers receives push channel lifecycle callbacks.
type PushHandlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

// PushConn is an open push channel.
type PushConn interface {
	Close() error
}
