package push

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"
	"alexamedia/internal/registry"

	"go.uber.org/zap"
)

const (
	// BurstWindow is the idle gap after which a device's history starts over.
	BurstWindow = 2 * time.Second
	// BurstSpacing is how recent a volume or equalizer event must be to count.
	BurstSpacing = 250 * time.Millisecond
	// BurstThreshold is the count that implies a DND toggle.
	BurstThreshold = 4
	// BluetoothFetchTimeout bounds the targeted bluetooth fetch.
	BluetoothFetchTimeout = 10 * time.Second
)

// Publisher receives change messages.
type Publisher interface {
	Publish(msg events.Message)
}

// DeviceTable is the part of the registry the router reads and writes.
type DeviceTable interface {
	Resolve(serial string) (string, bool)
	IsExcluded(serial string) bool
	ApplyPushDelta(serial string, delta registry.Delta) bool
}

// BluetoothSource fetches the bluetooth listing of an account.
type BluetoothSource interface {
	GetBluetooth(ctx context.Context) (*alexa.Bluetooth, error)
}

// NotificationScheduler queues a notification refresh.
type NotificationScheduler interface {
	Schedule(key, reason string)
}

// Prober schedules a debounced last-called probe.
type Prober interface {
	Probe(trigger string)
}

// DNDTrigger forces a DND refresh.
type DNDTrigger interface {
	Refresh(ctx context.Context)
}

// Discovery receives hints about devices the registry does not know yet.
type Discovery interface {
	MarkNewDevices()
	RequestRefresh()
}

// Deps wires a Router to its collaborators.
type Deps struct {
	Devices    DeviceTable
	Bluetooth  BluetoothSource
	Bus        Publisher
	Notifier   NotificationScheduler
	LastCalled Prober
	DND        DNDTrigger
	Discovery  Discovery
}

type historyEntry struct {
	command string
	at      time.Time
}

// Router classifies push frames and dispatches them to one handler per
// category.
type Router struct {
	deps   Deps
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	history map[string][]historyEntry
	seen    map[string]time.Time
}

// NewRouter creates a router.
func NewRouter(deps Deps, clk clock.Clock, logger *zap.Logger) *Router {
	return &Router{
		deps:    deps,
		clock:   clk,
		logger:  logger.Named("push"),
		history: make(map[string][]historyEntry),
		seen:    make(map[string]time.Time),
	}
}

// event is one decoded rendering update.
type event struct {
	command  string
	category Category
	serial   string
	// owner is the active device serial that serial resolves to.
	owner   string
	payload map[string]any
	at      time.Time
}

// HandleMessage decodes a raw push frame and routes every update in it.
// Malformed frames and updates are logged and dropped.
func (r *Router) HandleMessage(ctx context.Context, data []byte) {
	env, err := alexa.ParseEnvelope(data)
	if err != nil {
		r.logger.Warn("Dropping malformed push frame", zap.Error(err))
		return
	}
	r.OnEvent(ctx, env)
}

// OnEvent routes every rendering update of env.
func (r *Router) OnEvent(ctx context.Context, env *alexa.Envelope) {
	for _, update := range env.Directive.Payload.RenderingUpdates {
		ev, err := r.decode(update)
		if err != nil {
			r.logger.Warn("Dropping malformed push update", zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		r.route(ctx, ev)
	}
}

func (r *Router) decode(update alexa.RenderingUpdate) (*event, error) {
	var resource alexa.Resource
	if err := json.Unmarshal([]byte(update.ResourceMetadata), &resource); err != nil {
		return nil, fmt.Errorf("failed to decode resource metadata: %w", err)
	}
	if resource.Command == "" || resource.Payload == "" {
		return nil, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(resource.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", resource.Command, err)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	ev := &event{
		command:  resource.Command,
		category: Classify(resource.Command),
		serial:   serialOf(payload),
		payload:  payload,
		at:       r.clock.Now(),
	}
	if ev.serial != "" {
		ev.owner, _ = r.deps.Devices.Resolve(ev.serial)
	}
	return ev, nil
}

// serialOf extracts the device serial from dopplerId, or from the third
// field of a "#"-separated key.entryId.
func serialOf(payload map[string]any) string {
	if doppler, ok := payload["dopplerId"].(map[string]any); ok {
		if serial, ok := doppler["deviceSerialNumber"].(string); ok {
			return serial
		}
	}
	if key, ok := payload["key"].(map[string]any); ok {
		if entry, ok := key["entryId"].(string); ok {
			parts := strings.Split(entry, "#")
			if len(parts) >= 3 {
				key["serialNumber"] = parts[2]
				return parts[2]
			}
		}
	}
	return ""
}

func (r *Router) route(ctx context.Context, ev *event) {
	r.mu.Lock()
	r.seen[ev.command] = ev.at
	r.mu.Unlock()

	r.logger.Debug("Received push command",
		zap.String("command", ev.command),
		zap.Stringer("category", ev.category),
		zap.String("serial", alexa.HideSerial(ev.serial)))

	switch ev.category {
	case CategoryActivity:
		r.handleActivity(ev)
	case CategoryAudioState:
		r.handleAudioState(ev)
	case CategoryMedia:
		r.handleMedia(ev)
	case CategoryVolume:
		r.handleVolume(ev)
	case CategoryConnection:
		r.handleConnection(ev)
	case CategoryBluetooth:
		r.handleBluetooth(ctx, ev)
	case CategoryNotification:
		r.handleNotification(ev)
	case CategoryQueue:
		r.handleQueue(ev)
	case CategoryIgnored:
	default:
		r.logger.Debug("Unhandled push command", zap.String("command", ev.command))
	}

	if ev.owner != "" {
		r.trackBurst(ctx, ev)
	}

	if ev.serial != "" && ev.owner == "" && !r.deps.Devices.IsExcluded(ev.serial) {
		r.logger.Debug("Discovered new device", zap.String("serial", alexa.HideSerial(ev.serial)))
		r.deps.Discovery.MarkNewDevices()
		r.deps.Discovery.RequestRefresh()
	}
}

func (r *Router) handleActivity(ev *event) {
	r.deps.LastCalled.Probe(ev.command)
	r.deps.Bus.Publish(events.Activity{Serial: ev.owner, Payload: ev.payload})
}

func (r *Router) handleAudioState(ev *event) {
	if ev.owner == "" {
		return
	}
	if state, ok := ev.payload["audioPlayerState"].(string); ok {
		r.deps.Devices.ApplyPushDelta(ev.owner, registry.Delta{PlayerState: &state})
	}
	r.publishPlayerState(ev)
}

func (r *Router) handleMedia(ev *event) {
	if ev.owner != "" {
		r.publishPlayerState(ev)
		return
	}
	if ev.command == CommandNowPlaying {
		r.deps.Bus.Publish(events.NowPlaying{Serial: ev.serial, Payload: ev.payload})
	}
}

func (r *Router) handleVolume(ev *event) {
	r.deps.LastCalled.Probe(ev.command)
	if ev.owner == "" {
		return
	}

	var delta registry.Delta
	if v, ok := ev.payload["volumeSetting"].(float64); ok {
		level := v / 100
		delta.Volume = &level
	}
	if muted, ok := ev.payload["isMuted"].(bool); ok {
		delta.Muted = &muted
	}
	if !delta.Empty() {
		r.deps.Devices.ApplyPushDelta(ev.owner, delta)
	}
	r.publishPlayerState(ev)
}

func (r *Router) handleConnection(ev *event) {
	r.deps.LastCalled.Probe(ev.command)
	if ev.owner == "" {
		return
	}

	var delta registry.Delta
	switch ev.command {
	case CommandConnectionChange:
		if state, ok := ev.payload["dopplerConnectionState"].(string); ok {
			online := state == "ONLINE"
			delta.Online = &online
		}
	case CommandEqualizerChange:
		eq := make(map[string]any)
		for _, band := range []string{"bass", "midrange", "treble"} {
			if v, ok := ev.payload[band]; ok {
				eq[band] = v
			}
		}
		if len(eq) > 0 {
			delta.Equalizer = eq
		}
	}
	if !delta.Empty() {
		r.deps.Devices.ApplyPushDelta(ev.owner, delta)
	}
	r.publishPlayerState(ev)
}

func (r *Router) handleBluetooth(ctx context.Context, ev *event) {
	if ev.owner == "" {
		return
	}
	success, _ := ev.payload["bluetoothEventSuccess"].(bool)
	kind, _ := ev.payload["bluetoothEvent"].(string)
	if !success || (kind != "DEVICE_CONNECTED" && kind != "DEVICE_DISCONNECTED") {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, BluetoothFetchTimeout)
	bt, err := r.deps.Bluetooth.GetBluetooth(fetchCtx)
	cancel()
	if err != nil {
		r.logger.Debug("Bluetooth fetch failed", zap.Error(err))
		return
	}
	if bt == nil {
		return
	}

	for _, state := range bt.BluetoothStates {
		if state.DeviceSerialNumber != ev.owner {
			continue
		}
		r.deps.Devices.ApplyPushDelta(ev.owner, registry.Delta{Bluetooth: &state})
		r.deps.Bus.Publish(events.BluetoothChange{Serial: ev.owner, State: state})
		return
	}
}

func (r *Router) handleNotification(ev *event) {
	r.deps.Notifier.Schedule(ev.serial, ev.command)
	if ev.owner != "" {
		r.deps.Bus.Publish(events.NotificationUpdate{Serial: ev.owner, Payload: ev.payload})
	}
}

func (r *Router) handleQueue(ev *event) {
	if ev.owner == "" {
		return
	}
	r.deps.Bus.Publish(events.QueueState{Serial: ev.owner, Payload: ev.payload})
}

func (r *Router) publishPlayerState(ev *event) {
	r.deps.Bus.Publish(events.PlayerState{
		Serial:  ev.owner,
		Command: ev.command,
		Payload: ev.payload,
	})
}

// trackBurst records ev in the device history and forces a DND refresh once
// enough rapid volume or equalizer events pile up. An audio player state
// event in the history resets the count.
func (r *Router) trackBurst(ctx context.Context, ev *event) {
	r.mu.Lock()
	history := r.history[ev.owner]
	if len(history) == 0 || ev.at.Sub(history[len(history)-1].at) > BurstWindow {
		history = []historyEntry{{command: ev.command, at: ev.at}}
	} else {
		history = append(history, historyEntry{command: ev.command, at: ev.at})
	}

	count := 0
	for _, h := range history {
		switch h.command {
		case CommandVolumeChange, CommandEqualizerChange:
			if ev.at.Sub(h.at) < BurstSpacing {
				count++
			}
		case CommandAudioPlayerState:
			count = 0
		}
	}

	burst := count >= BurstThreshold
	if burst {
		delete(r.history, ev.owner)
	} else {
		r.history[ev.owner] = history
	}
	r.mu.Unlock()

	if burst {
		r.logger.Debug("Detected potential DND change from push burst",
			zap.String("serial", alexa.HideSerial(ev.owner)),
			zap.Int("events", count))
		r.deps.DND.Refresh(ctx)
	}
}

// SeenCommands returns the last time each command was received.
func (r *Router) SeenCommands() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.seen)
}
