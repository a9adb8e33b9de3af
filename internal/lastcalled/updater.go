// Package lastcalled tracks the device that most recently handled a voice
// request for an account.
package lastcalled

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"

	"go.uber.org/zap"
)

const (
	// ProbeDebounce coalesces push bursts into one probe.
	ProbeDebounce = 600 * time.Millisecond
	// ProbeThrottle is the minimum spacing between live probes.
	ProbeThrottle = 2 * time.Second
	// FetchTimeout bounds a single last-called fetch.
	FetchTimeout = 10 * time.Second
)

// Source fetches the latest voice activity.
type Source interface {
	GetLastCalled(ctx context.Context) (*alexa.LastCalled, error)
}

// DeviceIndex reports whether a serial belongs to an active device.
type DeviceIndex interface {
	Known(serial string) bool
}

// Publisher receives change messages.
type Publisher interface {
	Publish(msg events.Message)
}

// Updater owns the LastCalled record of one account.
type Updater struct {
	source  Source
	devices DeviceIndex
	bus     Publisher
	sink    events.Sink
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	current   *alexa.LastCalled
	historyTS int64

	probeMu      sync.Mutex
	probeTimer   clock.Timer
	probeCtx     context.Context
	probeCancel  context.CancelFunc
	lastProbeRun time.Time
	probeRunning sync.Mutex
}

// NewUpdater creates an Updater with no stored record.
func NewUpdater(source Source, devices DeviceIndex, bus Publisher, sink events.Sink, clk clock.Clock, logger *zap.Logger) *Updater {
	ctx, cancel := context.WithCancel(context.Background())
	return &Updater{
		source:      source,
		devices:     devices,
		bus:         bus,
		sink:        sink,
		clock:       clk,
		logger:      logger.Named("last_called"),
		probeCtx:    ctx,
		probeCancel: cancel,
	}
}

// Current returns the stored record.
func (u *Updater) Current() (alexa.LastCalled, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.current == nil {
		return alexa.LastCalled{}, false
	}
	return *u.current, true
}

// ValidSummary reports whether summary looks like a spoken utterance.
func ValidSummary(summary string) bool {
	for _, r := range summary {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Update stores candidate if it is newer than the current record, publishing
// the change and firing the host event. A nil candidate, or one without a
// summary, is fetched from the source first. With force set the change is
// published even when the record is unchanged; a stale record is never stored.
func (u *Updater) Update(ctx context.Context, candidate *alexa.LastCalled, force bool) (bool, error) {
	if candidate == nil || candidate.Summary == "" {
		fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
		fetched, err := u.source.GetLastCalled(fetchCtx)
		cancel()
		if err != nil {
			return false, err
		}
		if fetched == nil {
			u.logger.Debug("No last called record available")
			return false, nil
		}
		candidate = fetched
	}

	record := *candidate
	record.Summary = strings.TrimSpace(record.Summary)

	if !ValidSummary(record.Summary) || record.SerialNumber == "" || record.Timestamp <= 0 {
		u.logger.Debug("Ignoring last called without a voice summary",
			zap.String("serial", alexa.HideSerial(record.SerialNumber)))
		return false, nil
	}

	u.mu.Lock()
	changed := u.accepts(record)
	if changed {
		u.current = &record
	}
	publish := changed || (force && u.current != nil && *u.current == record)
	u.mu.Unlock()

	if !publish {
		return false, nil
	}

	u.logger.Debug("Last called changed",
		zap.String("serial", alexa.HideSerial(record.SerialNumber)),
		zap.Int64("timestamp", record.Timestamp),
		zap.Bool("forced", !changed))

	u.bus.Publish(events.LastCalledChange{Record: record})

	event := events.NewHostEvent(events.EventLastCalled, map[string]any{
		"last_called": record.SerialNumber,
		"timestamp":   record.Timestamp,
		"summary":     record.Summary,
	}, u.clock.Now())
	if err := u.sink.Fire(ctx, event); err != nil {
		u.logger.Warn("Failed to fire last called event", zap.Error(err))
	}

	return changed, nil
}

// accepts implements the monotonic rule: a strictly newer timestamp, or the
// same timestamp from a different device.
func (u *Updater) accepts(record alexa.LastCalled) bool {
	if u.current == nil {
		return true
	}
	if record.Timestamp > u.current.Timestamp {
		return true
	}
	return record.Timestamp == u.current.Timestamp && record.SerialNumber != u.current.SerialNumber
}

// Probe schedules a debounced, throttled fetch of the latest voice activity.
// A newer probe replaces a pending one.
func (u *Updater) Probe(trigger string) {
	u.probeMu.Lock()
	defer u.probeMu.Unlock()

	if u.probeCtx.Err() != nil {
		return
	}
	if u.probeTimer != nil {
		u.probeTimer.Stop()
	}
	u.probeTimer = u.clock.AfterFunc(ProbeDebounce, func() {
		u.runProbe(trigger)
	})
}

func (u *Updater) runProbe(trigger string) {
	u.probeRunning.Lock()
	defer u.probeRunning.Unlock()

	u.probeMu.Lock()
	ctx := u.probeCtx
	now := u.clock.Now()
	if !u.lastProbeRun.IsZero() && now.Sub(u.lastProbeRun) < ProbeThrottle {
		u.probeMu.Unlock()
		return
	}
	u.lastProbeRun = now
	u.probeMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
	last, err := u.source.GetLastCalled(fetchCtx)
	cancel()
	if err != nil {
		u.logger.Debug("Last called probe failed",
			zap.String("trigger", trigger),
			zap.Error(err))
		return
	}

	if !u.validProbe(last) {
		return
	}

	u.logger.Debug("Updating last called from probe",
		zap.String("trigger", trigger),
		zap.String("serial", alexa.HideSerial(last.SerialNumber)))

	if _, err := u.Update(ctx, last, false); err != nil {
		u.logger.Debug("Last called update failed", zap.Error(err))
		return
	}

	u.mu.Lock()
	u.historyTS = last.Timestamp
	u.mu.Unlock()
}

func (u *Updater) validProbe(last *alexa.LastCalled) bool {
	if last == nil || !ValidSummary(last.Summary) {
		return false
	}
	if last.SerialNumber == "" || last.Timestamp <= 0 {
		return false
	}

	u.mu.Lock()
	seen := u.historyTS
	u.mu.Unlock()
	if last.Timestamp <= seen {
		return false
	}

	return u.devices.Known(last.SerialNumber)
}

// Stop cancels any pending probe and waits for a running one to finish.
func (u *Updater) Stop() {
	u.probeMu.Lock()
	if u.probeTimer != nil {
		u.probeTimer.Stop()
	}
	u.probeCancel()
	u.probeMu.Unlock()

	u.probeRunning.Lock()
	u.probeRunning.Unlock()
}
