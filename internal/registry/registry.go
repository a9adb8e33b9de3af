// Package registry holds the reconciled device table of one account.
package registry

import (
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"

	"go.uber.org/zap"
)

// Capabilities that make a device worth tracking. A device reporting a
// non-empty capability list without any of these is dropped.
var usefulCapabilities = []string{"MUSIC_SKILL", "TIMERS_AND_ALARMS", "REMINDERS"}

// Filter selects devices by display name.
type Filter struct {
	Include []string
	Exclude []string
}

// Allows reports whether a device with the given name passes the filter.
func (f Filter) Allows(name string) bool {
	if len(f.Include) > 0 && !slices.Contains(f.Include, name) {
		return false
	}
	return !slices.Contains(f.Exclude, name)
}

// Snapshot is the result of one poll cycle.
type Snapshot struct {
	Devices     []alexa.Device
	Bluetooth   *alexa.Bluetooth
	Preferences *alexa.Preferences
	DND         *alexa.DNDState
	Auth        *alexa.AuthInfo
}

// MergeResult lists the serials touched by a poll merge.
type MergeResult struct {
	New     []string
	Updated []string
	Removed []string
}

// Registry is the in-memory device table. The poll cycle and the push router
// are its only writers; readers receive copies.
type Registry struct {
	filter Filter
	clock  clock.Clock
	logger *zap.Logger

	mu sync.RWMutex
	// active devices by serial
	devices map[string]*Device
	// app sub-device serial -> owning device serial
	appOwner map[string]string
	// serial -> display name of devices removed by the name filter
	filtered map[string]string
	// serials excluded explicitly
	excluded map[string]bool
}

// New creates an empty registry.
func New(filter Filter, clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		filter:   filter,
		clock:    clk,
		logger:   logger.Named("registry"),
		devices:  make(map[string]*Device),
		appOwner: make(map[string]string),
		filtered: make(map[string]string),
		excluded: make(map[string]bool),
	}
}

// MergePollSnapshot reconciles the table with a full poll snapshot.
func (r *Registry) MergePollSnapshot(snap Snapshot) MergeResult {
	bluetooth := make(map[string]alexa.BluetoothState)
	if snap.Bluetooth != nil {
		for _, b := range snap.Bluetooth.BluetoothStates {
			bluetooth[b.DeviceSerialNumber] = b
		}
	}
	prefs := make(map[string]alexa.DevicePreference)
	if snap.Preferences != nil {
		for _, p := range snap.Preferences.DevicePreferences {
			prefs[p.DeviceSerialNumber] = p
		}
	}
	dnd := make(map[string]bool)
	if snap.DND != nil {
		for _, d := range snap.DND.DoNotDisturbDeviceStatusList {
			dnd[d.DeviceSerialNumber] = d.Enabled
		}
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var result MergeResult
	seen := make(map[string]bool, len(snap.Devices))
	filtered := make(map[string]string)
	appOwner := make(map[string]string)

	for _, raw := range snap.Devices {
		serial := raw.SerialNumber
		if serial == "" {
			continue
		}

		if !r.filter.Allows(raw.AccountName) || r.excluded[serial] {
			filtered[serial] = raw.AccountName
			for _, app := range raw.AppDeviceList {
				filtered[app.SerialNumber] = raw.AccountName
			}
			if _, ok := r.devices[serial]; ok {
				delete(r.devices, serial)
				result.Removed = append(result.Removed, serial)
			}
			r.logger.Debug("Excluding device",
				zap.String("name", raw.AccountName),
				zap.String("serial", alexa.HideSerial(serial)))
			continue
		}

		if len(raw.Capabilities) > 0 && !hasAnyCapability(raw.Capabilities) {
			r.logger.Debug("Dropping device without media capabilities",
				zap.String("name", raw.AccountName),
				zap.String("serial", alexa.HideSerial(serial)))
			continue
		}

		seen[serial] = true

		dev := &Device{
			Serial:         serial,
			Name:           raw.AccountName,
			Family:         raw.DeviceFamily,
			Type:           raw.DeviceType,
			Online:         raw.Online,
			Capabilities:   slices.Clone(raw.Capabilities),
			ClusterMembers: slices.Clone(raw.ClusterMembers),
			ParentClusters: slices.Clone(raw.ParentClusters),
			Auth:           snap.Auth,
			LastUpdated:    now,
		}
		for _, app := range raw.AppDeviceList {
			dev.AppDevices = append(dev.AppDevices, app.SerialNumber)
			appOwner[app.SerialNumber] = serial
		}
		if b, ok := bluetooth[serial]; ok {
			b.PairedDeviceList = slices.Clone(b.PairedDeviceList)
			dev.Bluetooth = &b
		}
		if p, ok := prefs[serial]; ok {
			dev.Locale = p.Locale
			dev.TimeZone = p.TimeZoneID
		}
		if enabled, ok := dnd[serial]; ok {
			dev.DND = &enabled
		}

		if existing, ok := r.devices[serial]; ok {
			dev.Volume = existing.Volume
			dev.Muted = existing.Muted
			dev.PlayerState = existing.PlayerState
			dev.Equalizer = existing.Equalizer
			if dev.Auth == nil {
				dev.Auth = existing.Auth
			}
			result.Updated = append(result.Updated, serial)
		} else {
			result.New = append(result.New, serial)
		}
		r.devices[serial] = dev
	}

	for serial := range r.devices {
		if !seen[serial] {
			delete(r.devices, serial)
			result.Removed = append(result.Removed, serial)
		}
	}

	r.filtered = filtered
	r.appOwner = appOwner

	slices.Sort(result.New)
	slices.Sort(result.Updated)
	slices.Sort(result.Removed)

	r.logger.Debug("Merged poll snapshot",
		zap.Int("new", len(result.New)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("excluded", len(filtered)))

	return result
}

func hasAnyCapability(caps []string) bool {
	for _, c := range usefulCapabilities {
		if slices.Contains(caps, c) {
			return true
		}
	}
	return false
}

// ApplyPushDelta merges a field-level update into an active device and
// reports whether anything changed. Unknown and excluded serials are ignored.
func (r *Registry) ApplyPushDelta(serial string, delta Delta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isExcludedLocked(serial) {
		return false
	}
	dev, ok := r.devices[serial]
	if !ok {
		return false
	}

	changed := false
	if delta.Online != nil && dev.Online != *delta.Online {
		dev.Online = *delta.Online
		changed = true
	}
	if delta.Volume != nil && (dev.Volume == nil || *dev.Volume != *delta.Volume) {
		v := *delta.Volume
		dev.Volume = &v
		changed = true
	}
	if delta.Muted != nil && (dev.Muted == nil || *dev.Muted != *delta.Muted) {
		v := *delta.Muted
		dev.Muted = &v
		changed = true
	}
	if delta.PlayerState != nil && dev.PlayerState != *delta.PlayerState {
		dev.PlayerState = *delta.PlayerState
		changed = true
	}
	if delta.Equalizer != nil && !reflect.DeepEqual(dev.Equalizer, delta.Equalizer) {
		dev.Equalizer = maps.Clone(delta.Equalizer)
		changed = true
	}
	if delta.DND != nil && (dev.DND == nil || *dev.DND != *delta.DND) {
		v := *delta.DND
		dev.DND = &v
		changed = true
	}
	if delta.Bluetooth != nil && (dev.Bluetooth == nil || !reflect.DeepEqual(*dev.Bluetooth, *delta.Bluetooth)) {
		bt := *delta.Bluetooth
		bt.PairedDeviceList = slices.Clone(delta.Bluetooth.PairedDeviceList)
		dev.Bluetooth = &bt
		changed = true
	}

	if changed {
		dev.LastUpdated = r.clock.Now()
	}
	return changed
}

// ApplyDND sets the DND flag of every listed active device and returns the
// serials that changed.
func (r *Registry) ApplyDND(statuses []alexa.DNDStatus) []string {
	var changed []string
	for _, s := range statuses {
		enabled := s.Enabled
		if r.ApplyPushDelta(s.DeviceSerialNumber, Delta{DND: &enabled}) {
			changed = append(changed, s.DeviceSerialNumber)
		}
	}
	return changed
}

// Get returns a copy of an active device.
func (r *Registry) Get(serial string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.isExcludedLocked(serial) {
		return Device{}, false
	}
	dev, ok := r.devices[serial]
	if !ok {
		return Device{}, false
	}
	return dev.clone(), true
}

// Known reports whether serial is an active device.
func (r *Registry) Known(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.devices[serial]
	return ok && !r.isExcludedLocked(serial)
}

// Resolve maps a serial, or the serial of an app sub-device, to the active
// device that owns it.
func (r *Registry) Resolve(serial string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.isExcludedLocked(serial) {
		return "", false
	}
	if _, ok := r.devices[serial]; ok {
		return serial, true
	}
	if owner, ok := r.appOwner[serial]; ok {
		if _, active := r.devices[owner]; active {
			return owner, true
		}
	}
	return "", false
}

// Exclude removes serial from the active set and keeps it out of later merges.
func (r *Registry) Exclude(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.excluded[serial] = true
	if dev, ok := r.devices[serial]; ok {
		for _, app := range dev.AppDevices {
			r.excluded[app] = true
		}
		delete(r.devices, serial)
	}
}

// IsExcluded reports whether serial was excluded by the name filter or by Exclude.
func (r *Registry) IsExcluded(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isExcludedLocked(serial)
}

func (r *Registry) isExcludedLocked(serial string) bool {
	if r.excluded[serial] {
		return true
	}
	_, ok := r.filtered[serial]
	return ok
}

// Devices returns copies of all active devices ordered by serial.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev.clone())
	}
	slices.SortFunc(out, func(a, b Device) int {
		return strings.Compare(a.Serial, b.Serial)
	})
	return out
}

// Serials returns the active serials.
func (r *Registry) Serials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.devices))
}

// Excluded returns the serials removed by the name filter, with their names.
func (r *Registry) Excluded() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.filtered)
}
