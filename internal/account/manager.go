package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an email that has no loaded account.
	ErrNotFound = errors.New("account not found")
	// ErrAlreadyLoaded is returned when Setup runs twice for one email.
	ErrAlreadyLoaded = errors.New("account already loaded")
)

// SessionFactory creates the session of an account.
type SessionFactory func(cfg Config) (alexa.Session, error)

// Forwarder returns a bus handler that mirrors the change messages of an
// account somewhere else.
type Forwarder func(email string) events.Handler

// Manager is the account table. Each loaded account has exactly one State.
type Manager struct {
	newSession SessionFactory
	sink       events.Sink
	clock      clock.Clock
	logger     *zap.Logger
	forwarders []Forwarder

	mu       sync.RWMutex
	accounts map[string]*State
	configs  map[string]Config
}

// NewManager creates an empty account table.
func NewManager(newSession SessionFactory, sink events.Sink, clk clock.Clock, logger *zap.Logger, forwarders ...Forwarder) *Manager {
	return &Manager{
		newSession: newSession,
		sink:       sink,
		clock:      clk,
		logger:     logger.Named("account"),
		forwarders: forwarders,
		accounts:   make(map[string]*State),
		configs:    make(map[string]Config),
	}
}

func key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Setup creates and starts the state of one account.
func (m *Manager) Setup(ctx context.Context, cfg Config) (*State, error) {
	k := key(cfg.Email)
	if k == "" {
		return nil, fmt.Errorf("account email is required")
	}

	m.mu.Lock()
	if _, exists := m.accounts[k]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, alexa.HideEmail(cfg.Email))
	}
	m.mu.Unlock()

	session, err := m.newSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	st := newState(cfg, session, m.sink, m.clock, m.logger)
	for _, forward := range m.forwarders {
		st.subs = append(st.subs, st.Bus.Subscribe(forward(cfg.Email)))
	}

	m.mu.Lock()
	if _, exists := m.accounts[k]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, alexa.HideEmail(cfg.Email))
	}
	m.accounts[k] = st
	m.configs[k] = cfg
	m.mu.Unlock()

	st.start(ctx)

	m.logger.Info("Account set up",
		zap.String("account", alexa.HideEmail(cfg.Email)),
		zap.Int("devices", len(st.Registry.Serials())),
		zap.Bool("logged_in", st.LoggedIn()))
	return st, nil
}

// Get returns the state of a loaded account.
func (m *Manager) Get(email string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.accounts[key(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}

// Accounts returns the loaded accounts ordered by email.
func (m *Manager) Accounts() []*State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*State, 0, len(m.accounts))
	for _, st := range m.accounts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].Email) < key(out[j].Email) })
	return out
}

// Unload stops an account and drops it from the table. Cookies are saved.
func (m *Manager) Unload(ctx context.Context, email string) error {
	k := key(email)

	m.mu.Lock()
	st, ok := m.accounts[k]
	if ok {
		delete(m.accounts, k)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if err := st.stop(ctx); err != nil {
		return fmt.Errorf("failed to unload account: %w", err)
	}

	m.logger.Info("Account unloaded", zap.String("account", alexa.HideEmail(email)))
	return nil
}

// Remove unloads an account if needed and deletes its stored cookies.
func (m *Manager) Remove(ctx context.Context, email string) error {
	k := key(email)

	m.mu.RLock()
	st, loaded := m.accounts[k]
	cfg, known := m.configs[k]
	m.mu.RUnlock()

	var session alexa.Session
	if loaded {
		session = st.Session
		if err := m.Unload(ctx, email); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	} else {
		if !known {
			cfg = Config{Email: email}
		}
		s, err := m.newSession(cfg)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		session = s
	}

	if err := session.DeleteCookies(); err != nil {
		return fmt.Errorf("failed to delete cookies: %w", err)
	}

	m.mu.Lock()
	delete(m.configs, k)
	m.mu.Unlock()

	m.logger.Info("Account removed", zap.String("account", alexa.HideEmail(email)))
	return nil
}

// Shutdown unloads every account.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, st := range m.Accounts() {
		if err := m.Unload(ctx, st.Email); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateLastCalled fetches the latest voice activity and publishes it even
// when it did not change.
func (m *Manager) UpdateLastCalled(ctx context.Context, email string) error {
	st, err := m.Get(email)
	if err != nil {
		return err
	}
	if _, err := st.LastCalled.Update(ctx, nil, true); err != nil {
		return fmt.Errorf("failed to update last called: %w", err)
	}
	return nil
}

// Refresh runs a poll cycle now.
func (m *Manager) Refresh(ctx context.Context, email string) error {
	st, err := m.Get(email)
	if err != nil {
		return err
	}
	_, err = st.Scheduler.Refresh(ctx)
	return err
}

// ForceLogout discards the stored credentials of an account. Polling and push
// stay suspended until Relogin succeeds.
func (m *Manager) ForceLogout(ctx context.Context, email string) error {
	st, err := m.Get(email)
	if err != nil {
		return err
	}

	if err := st.Session.Close(); err != nil {
		st.logger.Debug("Failed to close session", zap.Error(err))
	}
	st.Supervisor.Stop()

	if err := st.Session.DeleteCookies(); err != nil {
		return fmt.Errorf("failed to delete cookies: %w", err)
	}
	st.setLoggedIn(false)
	st.Scheduler.SetPushHealthy(false)
	st.Scheduler.RequireRelogin(ctx)

	m.logger.Info("Account logged out", zap.String("account", alexa.HideEmail(email)))
	return nil
}

// Relogin re-validates the session, resumes polling and reopens push.
func (m *Manager) Relogin(ctx context.Context, email string) error {
	st, err := m.Get(email)
	if err != nil {
		return err
	}

	if err := st.Session.Login(ctx); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	st.setLoggedIn(true)
	st.Scheduler.ReloginSucceeded()

	if err := st.Supervisor.Start(st.ctx); err != nil {
		st.logger.Warn("Failed to reopen push channel", zap.Error(err))
	}

	event := events.NewHostEvent(events.EventReloginSuccess, map[string]any{
		"email": alexa.HideEmail(st.Email),
		"url":   st.Session.URL(),
	}, m.clock.Now())
	if err := m.sink.Fire(ctx, event); err != nil {
		st.logger.Warn("Failed to fire relogin success event", zap.Error(err))
	}

	st.Scheduler.RequestRefresh()

	m.logger.Info("Account logged in again", zap.String("account", alexa.HideEmail(email)))
	return nil
}
