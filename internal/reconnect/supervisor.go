// Package reconnect keeps the push channel of an account open and switches
// the poll cadence with its health.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"

	"go.uber.org/zap"
)

const (
	// MaxAttempts is the number of failed reconnects before giving up.
	MaxAttempts = 5
	// BaseDelay is the delay before the first reconnect; it doubles per failure.
	BaseDelay = 5 * time.Second
	// StableAfter is how long a channel must stay open before its failures
	// are forgiven.
	StableAfter = time.Minute
)

// State is the push channel state.
type State int

const (
	StateClosed State = iota
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	}
	return "unknown"
}

// Dialer opens the push channel.
type Dialer interface {
	OpenPush(ctx context.Context, handlers alexa.PushHandlers) (alexa.PushConn, error)
	CloseRequested() bool
	LoggedIn() bool
}

// Hooks are called on channel events. Nil hooks are skipped.
type Hooks struct {
	// OnMessage receives every push frame.
	OnMessage func(data []byte)
	// OnHealth reports whether the channel is delivering updates.
	OnHealth func(healthy bool)
	// OnGiveUp runs once the attempt budget is exhausted.
	OnGiveUp func()
	// OnReloginRequired runs when the channel failed on authentication.
	OnReloginRequired func()
}

// Delay returns the wait before the next attempt after attempts failures.
func Delay(attempts int) time.Duration {
	return BaseDelay * time.Duration(1<<attempts)
}

// backoff is the wait before reconnecting after failures consecutive
// failures: Delay(0) after the first one.
func backoff(failures int) time.Duration {
	if failures <= 0 {
		return Delay(0)
	}
	return Delay(failures - 1)
}

// Supervisor owns the push connection of one account. Channel callbacks are
// bound to the connection they were registered for; events from a replaced
// connection are dropped.
type Supervisor struct {
	dialer Dialer
	hooks  Hooks
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	state       State
	attempts    int
	lastAttempt time.Time
	connectedAt time.Time
	conn        alexa.PushConn
	gen         int
	timer       clock.Timer
	stopped     bool
	dials       int
}

// New creates a supervisor in the closed state.
func New(dialer Dialer, hooks Hooks, clk clock.Clock, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		dialer: dialer,
		hooks:  hooks,
		clock:  clk,
		logger: logger.Named("reconnect"),
		ctx:    context.Background(),
	}
}

// Start opens the channel, replacing a connection that is still open. A
// failed first attempt enters the reconnect schedule and is returned for
// logging.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.attempts = 0
	s.state = StateClosed
	old := s.detachLocked()
	s.mu.Unlock()

	s.closeConn(old)
	return s.attempt()
}

// detachLocked invalidates the callbacks of the current connection, cancels
// a scheduled attempt and hands back the connection for closing.
func (s *Supervisor) detachLocked() alexa.PushConn {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *Supervisor) closeConn(conn alexa.PushConn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("Failed to close push connection", zap.Error(err))
	}
}

func (s *Supervisor) handlers(gen int) alexa.PushHandlers {
	return alexa.PushHandlers{
		OnOpen:    func() { s.handleOpen(gen) },
		OnMessage: func(data []byte) { s.handleMessage(gen, data) },
		OnError:   func(err error) { s.handleError(gen, err) },
		OnClose:   func() { s.handleClose(gen) },
	}
}

func (s *Supervisor) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Supervisor) attempt() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.timer = nil
	s.gen++
	gen := s.gen
	s.state = StateReconnecting
	s.lastAttempt = s.clock.Now()
	s.dials++
	ctx := s.ctx
	s.mu.Unlock()

	conn, err := s.dialer.OpenPush(ctx, s.handlers(gen))
	if err == nil {
		s.mu.Lock()
		if s.gen != gen || s.stopped {
			s.mu.Unlock()
			s.closeConn(conn)
			return nil
		}
		s.conn = conn
		s.mu.Unlock()
		return nil
	}

	if errors.Is(err, alexa.ErrLoginRequired) {
		s.requireRelogin(err)
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return err
	}
	s.attempts++
	attempts := s.attempts
	if attempts >= MaxAttempts {
		s.state = StateGivenUp
		s.mu.Unlock()
		s.giveUp(err)
		return fmt.Errorf("push connection gave up after %d attempts: %w", attempts, err)
	}
	s.state = StateClosed
	delay := backoff(attempts)
	s.scheduleLocked(delay)
	s.mu.Unlock()

	s.logger.Debug("Push connection failed; retrying",
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	s.health(false)
	return err
}

func (s *Supervisor) scheduleLocked(d time.Duration) {
	if s.timer != nil {
		return
	}
	s.timer = s.clock.AfterFunc(d, func() {
		_ = s.attempt()
	})
}

func (s *Supervisor) giveUp(err error) {
	s.logger.Info("Push connection retries exhausted; polling", zap.Int("attempts", MaxAttempts), zap.Error(err))
	s.health(false)
	if s.hooks.OnGiveUp != nil {
		s.hooks.OnGiveUp()
	}
}

func (s *Supervisor) handleOpen(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.lastAttempt = s.clock.Now()
	s.connectedAt = s.lastAttempt
	s.mu.Unlock()

	s.logger.Debug("Push connection open")
	s.health(true)
}

func (s *Supervisor) handleMessage(gen int, data []byte) {
	if !s.current(gen) {
		return
	}
	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(data)
	}
}

// dropLocked counts the loss of a live connection as one failure. A
// connection that stayed open for StableAfter first resets the counter.
// Repeated events for a connection already counted are ignored.
func (s *Supervisor) dropLocked() (counted, gaveUp bool) {
	if s.state != StateConnected && s.state != StateReconnecting {
		return false, false
	}
	if s.state == StateConnected && s.clock.Since(s.connectedAt) >= StableAfter {
		s.attempts = 0
	}
	s.attempts++
	if s.attempts >= MaxAttempts {
		s.state = StateGivenUp
		return true, true
	}
	s.state = StateClosed
	return true, false
}

func (s *Supervisor) handleError(gen int, err error) {
	if !s.current(gen) || s.dialer.CloseRequested() {
		return
	}
	if errors.Is(err, alexa.ErrLoginRequired) || !s.dialer.LoggedIn() {
		s.requireRelogin(err)
		return
	}

	s.mu.Lock()
	counted, gaveUp := s.dropLocked()
	attempts := s.attempts
	s.mu.Unlock()

	s.logger.Debug("Push connection error", zap.Int("attempt", attempts), zap.Error(err))
	if !counted {
		return
	}
	if gaveUp {
		s.giveUp(err)
		return
	}
	s.health(false)
}

func (s *Supervisor) handleClose(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.stopped || s.dialer.CloseRequested() {
		s.state = StateClosed
		s.mu.Unlock()
		s.logger.Debug("Close requested; not reconnecting push")
		return
	}
	if !s.dialer.LoggedIn() {
		s.state = StateClosed
		s.mu.Unlock()
		s.logger.Debug("Login invalid; not reconnecting push")
		s.health(false)
		return
	}
	if s.state == StateGivenUp {
		s.mu.Unlock()
		return
	}

	if _, gaveUp := s.dropLocked(); gaveUp {
		s.mu.Unlock()
		s.giveUp(errors.New("push channel closed"))
		return
	}
	if s.timer != nil {
		s.mu.Unlock()
		return
	}

	delay := backoff(s.attempts)
	elapsed := s.clock.Since(s.lastAttempt)
	if elapsed < delay {
		s.scheduleLocked(delay - elapsed)
		s.mu.Unlock()
		s.logger.Debug("Push connection closed; reconnect deferred", zap.Duration("wait", delay-elapsed))
		s.health(false)
		return
	}
	s.mu.Unlock()

	s.logger.Debug("Push connection closed; reconnecting")
	s.health(false)
	_ = s.attempt()
}

func (s *Supervisor) requireRelogin(err error) {
	s.mu.Lock()
	s.attempts = MaxAttempts
	s.state = StateGivenUp
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.logger.Warn("Push channel login error", zap.Error(err))
	s.health(false)
	if s.hooks.OnReloginRequired != nil {
		s.hooks.OnReloginRequired()
	}
}

func (s *Supervisor) health(healthy bool) {
	if s.hooks.OnHealth != nil {
		s.hooks.OnHealth(healthy)
	}
}

// State returns the channel state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive failed attempts. A channel open for
// StableAfter reports zero.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected && s.clock.Since(s.connectedAt) >= StableAfter {
		return 0
	}
	return s.attempts
}

// Dials returns the number of connection attempts made.
func (s *Supervisor) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Stop closes the channel and cancels a scheduled reconnect.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.state = StateClosed
	conn := s.detachLocked()
	s.mu.Unlock()

	s.closeConn(conn)
}
