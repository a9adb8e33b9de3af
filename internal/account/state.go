// Package account owns the per-account reconciliation state and its
// lifecycle: setup, unload, removal and the user-triggered services.
package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"
	"alexamedia/internal/lastcalled"
	"alexamedia/internal/notifications"
	"alexamedia/internal/poller"
	"alexamedia/internal/push"
	"alexamedia/internal/reconnect"
	"alexamedia/internal/registry"

	"go.uber.org/zap"
)

// Config describes one account.
type Config struct {
	Email          string
	URL            string
	PushURL        string
	IncludeDevices []string
	ExcludeDevices []string
	ScanInterval   time.Duration
	CookieDir      string
	// Debug lets the account's components log at debug level. Without it
	// their loggers are capped at info.
	Debug bool
}

// State is everything the service keeps for one account. The components are
// created together by Setup and stopped together by Unload.
type State struct {
	Email string

	Session       alexa.Session
	Registry      *registry.Registry
	Bus           *events.Bus
	LastCalled    *lastcalled.Updater
	Notifications *notifications.Worker
	DND           *push.DNDRefresher
	Router        *push.Router
	Scheduler     *poller.Scheduler
	Supervisor    *reconnect.Supervisor

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	subs   []events.Subscription

	mu       sync.Mutex
	loggedIn bool
}

func newState(cfg Config, session alexa.Session, sink events.Sink, clk clock.Clock, logger *zap.Logger) *State {
	logger = logger.With(zap.String("account", alexa.HideEmail(cfg.Email)))
	if !cfg.Debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	ctx, cancel := context.WithCancel(context.Background())

	st := &State{
		Email:   cfg.Email,
		Session: session,
		Bus:     events.NewBus(logger),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	st.Registry = registry.New(registry.Filter{
		Include: cfg.IncludeDevices,
		Exclude: cfg.ExcludeDevices,
	}, clk, logger)
	st.LastCalled = lastcalled.NewUpdater(session, st.Registry, st.Bus, sink, clk, logger)
	st.Notifications = notifications.NewWorker(session, st.Bus, sink, clk, logger)
	st.DND = push.NewDNDRefresher(session, st.Registry, st.Bus, clk, logger)
	st.Scheduler = poller.New(session, st.Registry, st.Bus, sink, st.Notifications, st.LastCalled, clk, logger,
		poller.Options{Interval: cfg.ScanInterval})
	st.Router = push.NewRouter(push.Deps{
		Devices:    st.Registry,
		Bluetooth:  session,
		Bus:        st.Bus,
		Notifier:   st.Notifications,
		LastCalled: st.LastCalled,
		DND:        st.DND,
		Discovery:  st.Scheduler,
	}, clk, logger)
	st.Supervisor = reconnect.New(session, reconnect.Hooks{
		OnMessage: func(data []byte) {
			st.Router.HandleMessage(st.ctx, data)
		},
		OnHealth: st.Scheduler.SetPushHealthy,
		OnGiveUp: func() {
			st.Scheduler.SetPushHealthy(false)
			st.Scheduler.RequestRefresh()
		},
		OnReloginRequired: func() {
			st.Scheduler.RequireRelogin(st.ctx)
		},
	}, clk, logger)

	return st
}

// start authenticates, runs the first poll, opens push and starts the poll
// loop. A rejected login leaves the account loaded but suspended until
// Relogin succeeds.
func (st *State) start(ctx context.Context) {
	if err := st.Session.Login(ctx); err != nil {
		if errors.Is(err, alexa.ErrLoginRequired) {
			st.Scheduler.RequireRelogin(ctx)
		} else {
			st.logger.Warn("Login check failed", zap.Error(err))
		}
	} else {
		st.setLoggedIn(true)
	}

	if !st.Scheduler.NeedsRelogin() {
		if _, err := st.Scheduler.Refresh(ctx); err != nil {
			st.logger.Warn("Initial poll failed", zap.Error(err))
		}
	}

	if st.Scheduler.NeedsRelogin() {
		st.setLoggedIn(false)
	} else if err := st.Supervisor.Start(st.ctx); err != nil {
		st.logger.Warn("Failed to open push channel", zap.Error(err))
	}

	go func() {
		defer close(st.done)
		st.Scheduler.Run(st.ctx)
	}()
}

// stop shuts every component down. The notification worker is awaited.
func (st *State) stop(ctx context.Context) error {
	for _, sub := range st.subs {
		sub.Unsubscribe()
	}

	if err := st.Session.Close(); err != nil {
		st.logger.Debug("Failed to close session", zap.Error(err))
	}
	st.Supervisor.Stop()
	st.Scheduler.Stop()
	st.cancel()
	st.LastCalled.Stop()
	st.DND.Stop()

	err := st.Notifications.Stop(ctx)

	select {
	case <-st.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if saveErr := st.Session.SaveCookies(); saveErr != nil {
		st.logger.Warn("Failed to save cookies", zap.Error(saveErr))
	}
	return err
}

func (st *State) setLoggedIn(v bool) {
	st.mu.Lock()
	st.loggedIn = v
	st.mu.Unlock()
}

// LoggedIn reports whether the last login check succeeded.
func (st *State) LoggedIn() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loggedIn
}

// Summary is the public view of an account.
type Summary struct {
	Account       string         `json:"account"`
	URL           string         `json:"url"`
	LoggedIn      bool           `json:"logged_in"`
	Push          string         `json:"push"`
	PushAttempts  int            `json:"push_attempts"`
	Poll          poller.Status  `json:"poll"`
	Devices       int            `json:"devices"`
	Notifications int            `json:"notifications"`
	Worker        string         `json:"notification_worker"`
	LastCalled    *LastCalledRef `json:"last_called,omitempty"`
}

// LastCalledRef is the redacted last-called record.
type LastCalledRef struct {
	Device    string `json:"device"`
	Timestamp int64  `json:"timestamp"`
}

// Summary returns the redacted status of the account.
func (st *State) Summary() Summary {
	s := Summary{
		Account:       alexa.HideEmail(st.Email),
		URL:           st.Session.URL(),
		LoggedIn:      st.LoggedIn(),
		Push:          st.Supervisor.State().String(),
		PushAttempts:  st.Supervisor.Attempts(),
		Poll:          st.Scheduler.Status(),
		Devices:       len(st.Registry.Serials()),
		Notifications: st.Notifications.Snapshot().Count(),
		Worker:        st.Notifications.State().String(),
	}
	if lc, ok := st.LastCalled.Current(); ok {
		s.LastCalled = &LastCalledRef{
			Device:    alexa.HideSerial(lc.SerialNumber),
			Timestamp: lc.Timestamp,
		}
	}
	return s
}
