// Package notifications keeps the alarm, timer and reminder snapshot of an
// account fresh in response to push hints.
package notifications

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"

	"go.uber.org/zap"
)

const (
	// Cooldown is the minimum time between live fetches.
	Cooldown = 60 * time.Second
	// Backoff separates attempts that returned no data.
	Backoff = 15 * time.Second
	// MaxAttempts bounds the fetches of one worker run.
	MaxAttempts = 3
	// FetchTimeout bounds a single fetch.
	FetchTimeout = 10 * time.Second
)

// State is the worker lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateRetrying
	StateGivingUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateGivingUp:
		return "giving_up"
	}
	return "unknown"
}

// Source fetches the raw notification listing. A nil listing with a nil
// error means the service had no data for us.
type Source interface {
	GetNotifications(ctx context.Context) ([]alexa.Notification, error)
}

// Publisher receives change messages.
type Publisher interface {
	Publish(msg events.Message)
}

// Worker is the per-account notification refresh worker. At most one run is
// active at a time; triggers arriving during a run join its pending set.
type Worker struct {
	source Source
	bus    Publisher
	sink   events.Sink
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	running     bool
	pending     map[string]string
	lastSuccess time.Time
	snapshot    *Snapshot
	fetches     int
}

// NewWorker creates an idle worker.
func NewWorker(source Source, bus Publisher, sink events.Sink, clk clock.Clock, logger *zap.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		source:  source,
		bus:     bus,
		sink:    sink,
		clock:   clk,
		logger:  logger.Named("notifications"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]string),
	}
}

// Schedule records key as needing a refresh and starts a run unless one is
// already active. Key is a device serial, or "*" for account-wide refreshes.
func (w *Worker) Schedule(key, reason string) {
	if key == "" {
		key = "*"
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[key] = reason
	if w.running || w.ctx.Err() != nil {
		return
	}

	w.logger.Debug("Scheduling notifications refresh",
		zap.String("key", alexa.HideSerial(key)),
		zap.String("reason", reason),
		zap.Int("pending", len(w.pending)))

	w.running = true
	w.state = StateScheduled
	w.wg.Add(1)
	go w.run()
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeGaveUp
	outcomeCanceled
)

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		w.setState(StateRunning)

		if wait := w.cooldownRemaining(); wait > 0 {
			w.logger.Debug("Deferring notifications fetch for cooldown", zap.Duration("wait", wait))
			select {
			case <-w.ctx.Done():
				w.finish(StateIdle)
				return
			case <-w.clock.After(wait):
			}
		}

		switch w.attempt() {
		case outcomeCanceled:
			w.finish(StateIdle)
			return
		case outcomeGaveUp:
			w.logger.Debug("Giving up notifications refresh",
				zap.Int("attempts", MaxAttempts),
				zap.Strings("pending", w.Pending()))
			w.finish(StateGivingUp)
			return
		}

		w.mu.Lock()
		if len(w.pending) == 0 {
			w.running = false
			w.state = StateIdle
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

func (w *Worker) attempt() outcome {
	for n := 1; ; n++ {
		keys := w.pendingSnapshot()
		if len(keys) == 0 {
			return outcomeSuccess
		}

		raw, err := w.fetch()
		if w.ctx.Err() != nil {
			return outcomeCanceled
		}
		if err != nil {
			w.logger.Warn("Notifications fetch failed; treating as no data", zap.Error(err))
			raw = nil
		}

		if raw != nil {
			w.apply(raw, keys)
			return outcomeSuccess
		}

		if n >= MaxAttempts {
			return outcomeGaveUp
		}

		w.logger.Debug("Notifications fetch returned no data",
			zap.Int("attempt", n),
			zap.Duration("backoff", Backoff))

		w.setState(StateRetrying)
		select {
		case <-w.ctx.Done():
			return outcomeCanceled
		case <-w.clock.After(Backoff):
		}
		w.setState(StateRunning)
	}
}

func (w *Worker) fetch() ([]alexa.Notification, error) {
	w.mu.Lock()
	w.fetches++
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.ctx, FetchTimeout)
	defer cancel()
	return w.source.GetNotifications(ctx)
}

func (w *Worker) apply(raw []alexa.Notification, keys map[string]string) {
	now := w.clock.Now()

	w.mu.Lock()
	snap, dismissed := Build(raw, w.snapshot, now)
	w.snapshot = snap
	w.lastSuccess = now
	for key := range keys {
		delete(w.pending, key)
	}
	w.mu.Unlock()

	reasons := slices.Sorted(maps.Values(keys))
	reasons = slices.Compact(reasons)

	w.logger.Debug("Refreshed notifications snapshot",
		zap.Int("notifications", snap.Count()),
		zap.Int("devices", len(snap.Devices)))

	w.bus.Publish(events.NotificationsRefreshed{
		ProcessedAt: now,
		Devices:     len(snap.Devices),
		Reasons:     reasons,
	})

	for _, d := range dismissed {
		event := events.NewHostEvent(events.EventAlarmDismissal, map[string]any{
			"device": map[string]any{"id": d.Serial},
			"event":  d.Alarm,
		}, now)
		if err := w.sink.Fire(w.ctx, event); err != nil {
			w.logger.Warn("Failed to fire alarm dismissal event", zap.Error(err))
		}
	}
}

func (w *Worker) cooldownRemaining() time.Duration {
	w.mu.Lock()
	last := w.lastSuccess
	w.mu.Unlock()

	if last.IsZero() {
		return 0
	}
	return Cooldown - w.clock.Since(last)
}

func (w *Worker) pendingSnapshot() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.pending)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) finish(s State) {
	w.mu.Lock()
	w.running = false
	w.state = s
	w.mu.Unlock()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Running reports whether a run is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Pending returns the keys waiting for a refresh.
func (w *Worker) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.pending))
}

// Fetches returns the number of live fetches issued.
func (w *Worker) Fetches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetches
}

// Snapshot returns a copy of the latest snapshot, or nil before the first
// successful refresh.
func (w *Worker) Snapshot() *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot.clone()
}

// Stop cancels any active run and waits for it to exit. Cancellation is not
// an error; Stop fails only if ctx expires first.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifications worker did not stop: %w", ctx.Err())
	}
}
