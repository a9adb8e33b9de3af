// Package poller runs the periodic full-state refresh of an account.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"
	"alexamedia/internal/registry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInterval is the poll cadence while push is not healthy.
	DefaultInterval = 60 * time.Second
	// PushHealthyFactor stretches the cadence while push delivers updates.
	PushHealthyFactor = 10
	// DefaultTimeout bounds one poll cycle.
	DefaultTimeout = 45 * time.Second
	// RequestDebounce coalesces RequestRefresh calls.
	RequestDebounce = 1500 * time.Millisecond
)

var (
	// ErrReloginRequired is returned while the account needs re-authentication.
	ErrReloginRequired = errors.New("poller: relogin required")
	// ErrPollTimeout is returned when a cycle exceeds its deadline.
	ErrPollTimeout = errors.New("poller: poll cycle timed out")
)

// Session is the part of alexa.Session used by the scheduler.
type Session interface {
	Email() string
	URL() string
	GetDevices(ctx context.Context) ([]alexa.Device, error)
	GetBluetooth(ctx context.Context) (*alexa.Bluetooth, error)
	GetPreferences(ctx context.Context) (*alexa.Preferences, error)
	GetDND(ctx context.Context) (*alexa.DNDState, error)
	GetAuthentication(ctx context.Context) (*alexa.AuthInfo, error)
	SaveCookies() error
}

// NotificationScheduler queues a notification refresh.
type NotificationScheduler interface {
	Schedule(key, reason string)
}

// LastCalledUpdater refreshes the last-called record.
type LastCalledUpdater interface {
	Update(ctx context.Context, candidate *alexa.LastCalled, force bool) (bool, error)
}

// Publisher receives change messages.
type Publisher interface {
	Publish(msg events.Message)
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Interval     time.Duration `json:"interval"`
	PushHealthy  bool          `json:"push_healthy"`
	NeedsRelogin bool          `json:"needs_relogin"`
	Cycles       int           `json:"cycles"`
	LastSuccess  time.Time     `json:"last_success"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler fetches full account snapshots and merges them into the registry.
type Scheduler struct {
	session    Session
	registry   *registry.Registry
	bus        Publisher
	sink       events.Sink
	notifier   NotificationScheduler
	lastCalled LastCalledUpdater
	clock      clock.Clock
	logger     *zap.Logger

	interval time.Duration
	timeout  time.Duration
	group    singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	pushHealthy  bool
	needsRelogin bool
	newDevices   bool
	authFetched  bool
	debounce     clock.Timer
	cycles       int
	lastSuccess  time.Time
	lastErr      error
}

// New creates a scheduler.
func New(session Session, reg *registry.Registry, bus Publisher, sink events.Sink, notifier NotificationScheduler,
	lastCalled LastCalledUpdater, clk clock.Clock, logger *zap.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		session:    session,
		registry:   reg,
		bus:        bus,
		sink:       sink,
		notifier:   notifier,
		lastCalled: lastCalled,
		clock:      clk,
		logger:     logger.Named("poller"),
		interval:   opts.Interval,
		timeout:    opts.Timeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Refresh runs one poll cycle. Concurrent callers share the in-flight cycle,
// which runs until Stop regardless of any one caller; ctx only bounds how
// long this caller waits for it.
func (s *Scheduler) Refresh(ctx context.Context) (*registry.MergeResult, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		return s.refresh(s.ctx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("stopped waiting for poll cycle: %w", ctx.Err())
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("Joined in-flight poll cycle")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*registry.MergeResult), nil
	}
}

func (s *Scheduler) refresh(ctx context.Context) (*registry.MergeResult, error) {
	s.mu.Lock()
	if s.needsRelogin {
		s.mu.Unlock()
		return nil, ErrReloginRequired
	}
	includeAuth := !s.authFetched || s.newDevices
	pushHealthy := s.pushHealthy
	s.mu.Unlock()

	snap, err := s.fetch(ctx, includeAuth)
	if err != nil {
		s.recordError(err)
		if errors.Is(err, alexa.ErrLoginRequired) {
			s.requireRelogin(ctx)
			return nil, fmt.Errorf("%w: %v", ErrReloginRequired, err)
		}
		return nil, err
	}

	result := s.registry.MergePollSnapshot(*snap)

	s.mu.Lock()
	s.cycles++
	s.lastSuccess = s.clock.Now()
	s.lastErr = nil
	if includeAuth {
		s.authFetched = true
		s.newDevices = false
	}
	s.mu.Unlock()

	s.logger.Debug("Poll cycle complete",
		zap.Int("devices", len(snap.Devices)),
		zap.Int("new", len(result.New)),
		zap.Int("removed", len(result.Removed)))

	if len(result.New) > 0 {
		s.bus.Publish(events.DevicesDiscovered{Serials: result.New})
	}

	s.notifier.Schedule("*", "poll")

	if !pushHealthy {
		if _, err := s.lastCalled.Update(ctx, nil, false); err != nil {
			s.logger.Debug("Failed to refresh last called", zap.Error(err))
		}
	}

	if err := s.session.SaveCookies(); err != nil {
		s.logger.Warn("Failed to save cookies", zap.Error(err))
	}

	return &result, nil
}

func (s *Scheduler) fetch(ctx context.Context, includeAuth bool) (*registry.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var snap registry.Snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		devices, err := s.session.GetDevices(gctx)
		snap.Devices = devices
		return err
	})
	g.Go(func() error {
		bt, err := s.session.GetBluetooth(gctx)
		snap.Bluetooth = bt
		return err
	})
	g.Go(func() error {
		prefs, err := s.session.GetPreferences(gctx)
		snap.Preferences = prefs
		return err
	})
	g.Go(func() error {
		dnd, err := s.session.GetDND(gctx)
		snap.DND = dnd
		return err
	})
	if includeAuth {
		g.Go(func() error {
			auth, err := s.session.GetAuthentication(gctx)
			snap.Auth = auth
			return err
		})
	}

	err := g.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrPollTimeout, s.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("poll cycle failed: %w", err)
	}
	return &snap, nil
}

func (s *Scheduler) requireRelogin(ctx context.Context) {
	s.mu.Lock()
	already := s.needsRelogin
	s.needsRelogin = true
	s.mu.Unlock()

	if already {
		return
	}

	email := s.session.Email()
	s.logger.Warn("Login required; polling suspended", zap.String("account", alexa.HideEmail(email)))

	event := events.NewHostEvent(events.EventReloginRequired, map[string]any{
		"email": alexa.HideEmail(email),
		"url":   s.session.URL(),
	}, s.clock.Now())
	if err := s.sink.Fire(ctx, event); err != nil {
		s.logger.Warn("Failed to fire relogin event", zap.Error(err))
	}
}

// RequireRelogin suspends polling until ReloginSucceeded is called.
func (s *Scheduler) RequireRelogin(ctx context.Context) {
	s.requireRelogin(ctx)
}

// ReloginSucceeded resumes polling after re-authentication.
func (s *Scheduler) ReloginSucceeded() {
	s.mu.Lock()
	s.needsRelogin = false
	s.authFetched = false
	s.mu.Unlock()
}

// NeedsRelogin reports whether polling is suspended for re-authentication.
func (s *Scheduler) NeedsRelogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsRelogin
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("Poll cycle failed", zap.Error(err))
}

// RequestRefresh asks for a refresh soon. Calls within the debounce window
// collapse into a single cycle.
func (s *Scheduler) RequestRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce != nil || s.ctx.Err() != nil {
		return
	}
	s.debounce = s.clock.AfterFunc(RequestDebounce, func() {
		s.mu.Lock()
		s.debounce = nil
		s.mu.Unlock()

		if _, err := s.Refresh(s.ctx); err != nil {
			s.logger.Debug("Requested refresh failed", zap.Error(err))
		}
	})
}

// MarkNewDevices makes the next cycle fetch authentication info as well.
func (s *Scheduler) MarkNewDevices() {
	s.mu.Lock()
	s.newDevices = true
	s.mu.Unlock()
}

// SetPushHealthy switches the cadence. The new interval applies from the next tick.
func (s *Scheduler) SetPushHealthy(healthy bool) {
	s.mu.Lock()
	changed := s.pushHealthy != healthy
	s.pushHealthy = healthy
	s.mu.Unlock()

	if changed {
		s.logger.Info("Poll cadence changed",
			zap.Bool("push_healthy", healthy),
			zap.Duration("interval", s.Interval()))
	}
}

// Interval returns the current cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushHealthy {
		return s.interval * PushHealthyFactor
	}
	return s.interval
}

// Run polls on the current cadence until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.Interval()):
		}

		if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrReloginRequired) {
			s.logger.Debug("Scheduled poll failed", zap.Error(err))
		}
	}
}

// Stop ends Run and cancels a pending debounced refresh.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Interval:     s.interval,
		PushHealthy:  s.pushHealthy,
		NeedsRelogin: s.needsRelogin,
		Cycles:       s.cycles,
		LastSuccess:  s.lastSuccess,
	}
	if s.pushHealthy {
		st.Interval = s.interval * PushHealthyFactor
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
