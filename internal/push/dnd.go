package push

import (
	"context"
	"sync"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"

	"go.uber.org/zap"
)

const (
	// DNDCooldown is the minimum spacing between live DND fetches.
	DNDCooldown = 60 * time.Second
	// DNDFetchTimeout bounds a single DND fetch.
	DNDFetchTimeout = 10 * time.Second
)

// DNDSource fetches the DND listing of an account.
type DNDSource interface {
	GetDND(ctx context.Context) (*alexa.DNDState, error)
}

// DNDApplier stores DND flags and reports the serials that changed.
type DNDApplier interface {
	ApplyDND(statuses []alexa.DNDStatus) []string
}

// DNDRefresher runs the forced DND refresh used when a push burst suggests
// the flag was toggled on a device. Requests inside the cooldown collapse into
// one deferred refresh.
type DNDRefresher struct {
	source  DNDSource
	devices DNDApplier
	bus     Publisher
	clock   clock.Clock
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastRun time.Time
	pending clock.Timer
	fetches int
}

// NewDNDRefresher creates a refresher.
func NewDNDRefresher(source DNDSource, devices DNDApplier, bus Publisher, clk clock.Clock, logger *zap.Logger) *DNDRefresher {
	ctx, cancel := context.WithCancel(context.Background())
	return &DNDRefresher{
		source:  source,
		devices: devices,
		bus:     bus,
		clock:   clk,
		logger:  logger.Named("dnd"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Refresh fetches and applies the DND listing, or defers it until the
// cooldown ends.
func (d *DNDRefresher) Refresh(ctx context.Context) {
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	if !d.lastRun.IsZero() && now.Sub(d.lastRun) < DNDCooldown {
		if d.pending == nil {
			wait := DNDCooldown - now.Sub(d.lastRun)
			d.pending = d.clock.AfterFunc(wait, func() {
				d.mu.Lock()
				d.pending = nil
				d.mu.Unlock()
				d.Refresh(d.ctx)
			})
			d.logger.Debug("DND refresh throttled; scheduled forced update", zap.Duration("wait", wait))
		} else {
			d.logger.Debug("DND refresh throttled; forced update already scheduled")
		}
		d.mu.Unlock()
		return
	}
	d.lastRun = now
	d.fetches++
	d.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, DNDFetchTimeout)
	state, err := d.source.GetDND(fetchCtx)
	cancel()
	if err != nil {
		d.logger.Error("Failed to fetch DND state", zap.Error(err))
		return
	}
	if state == nil {
		d.logger.Debug("DND fetch returned no data")
		return
	}

	changed := d.devices.ApplyDND(state.DoNotDisturbDeviceStatusList)
	d.logger.Debug("Applied DND state",
		zap.Int("devices", len(state.DoNotDisturbDeviceStatusList)),
		zap.Int("changed", len(changed)))

	d.bus.Publish(events.DNDUpdate{Statuses: state.DoNotDisturbDeviceStatusList})
}

// Fetches returns the number of live fetches issued.
func (d *DNDRefresher) Fetches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

// Stop cancels a deferred refresh.
func (d *DNDRefresher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancel()
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}
