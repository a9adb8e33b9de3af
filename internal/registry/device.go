package registry

import (
	"maps"
	"slices"
	"time"

	"alexamedia/internal/alexa"
)

// Device is the reconciled view of one Echo device.
type Device struct {
	Serial         string   `json:"serial"`
	Name           string   `json:"name"`
	Family         string   `json:"family"`
	Type           string   `json:"type"`
	Online         bool     `json:"online"`
	Capabilities   []string `json:"capabilities"`
	AppDevices     []string `json:"app_devices,omitempty"`
	ClusterMembers []string `json:"cluster_members,omitempty"`
	ParentClusters []string `json:"parent_clusters,omitempty"`

	Locale    string                `json:"locale,omitempty"`
	TimeZone  string                `json:"timezone,omitempty"`
	DND       *bool                 `json:"dnd,omitempty"`
	Bluetooth *alexa.BluetoothState `json:"bluetooth,omitempty"`
	Auth      *alexa.AuthInfo       `json:"-"`

	// Maintained by push deltas and carried across poll merges.
	Volume      *float64       `json:"volume,omitempty"`
	Muted       *bool          `json:"muted,omitempty"`
	PlayerState string         `json:"player_state,omitempty"`
	Equalizer   map[string]any `json:"equalizer,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// IsGroup reports whether the device is a speaker group.
func (d Device) IsGroup() bool {
	return len(d.ClusterMembers) > 0
}

func (d Device) clone() Device {
	c := d
	c.Capabilities = slices.Clone(d.Capabilities)
	c.AppDevices = slices.Clone(d.AppDevices)
	c.ClusterMembers = slices.Clone(d.ClusterMembers)
	c.ParentClusters = slices.Clone(d.ParentClusters)
	c.Equalizer = maps.Clone(d.Equalizer)
	if d.DND != nil {
		v := *d.DND
		c.DND = &v
	}
	if d.Bluetooth != nil {
		bt := *d.Bluetooth
		bt.PairedDeviceList = slices.Clone(d.Bluetooth.PairedDeviceList)
		c.Bluetooth = &bt
	}
	if d.Volume != nil {
		v := *d.Volume
		c.Volume = &v
	}
	if d.Muted != nil {
		v := *d.Muted
		c.Muted = &v
	}
	return c
}

// Delta is a field-level update derived from a push event. Nil fields are
// left untouched.
type Delta struct {
	Online      *bool
	Volume      *float64
	Muted       *bool
	PlayerState *string
	Equalizer   map[string]any
	DND         *bool
	Bluetooth   *alexa.BluetoothState
}

// Empty reports whether the delta carries no fields.
func (d Delta) Empty() bool {
	return d.Online == nil && d.Volume == nil && d.Muted == nil && d.PlayerState == nil &&
		d.Equalizer == nil && d.DND == nil && d.Bluetooth == nil
}
