package events

import (
	"time"

	"alexamedia/internal/alexa"
)

// Kind identifies a change message.
type Kind int

const (
	KindPlayerState Kind = iota
	KindNowPlaying
	KindQueueState
	KindBluetoothChange
	KindNotificationUpdate
	KindNotificationsRefreshed
	KindLastCalledChange
	KindDNDUpdate
	KindActivity
	KindDevicesDiscovered
)

var kindNames = map[Kind]string{
	KindPlayerState:            "player_state",
	KindNowPlaying:             "now_playing",
	KindQueueState:             "queue_state",
	KindBluetoothChange:        "bluetooth_change",
	KindNotificationUpdate:     "notification_update",
	KindNotificationsRefreshed: "notifications_refreshed",
	KindLastCalledChange:       "last_called_change",
	KindDNDUpdate:              "dnd_update",
	KindActivity:               "push_activity",
	KindDevicesDiscovered:      "devices_discovered",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Message is a change published on the account bus.
type Message interface {
	Kind() Kind
}

// PlayerState carries a media, volume or availability push payload for a known device.
type PlayerState struct {
	Serial  string
	Command string
	Payload map[string]any
}

// NowPlaying carries a now-playing payload that could not be tied to a known device.
type NowPlaying struct {
	Serial  string
	Payload map[string]any
}

type QueueState struct {
	Serial  string
	Payload map[string]any
}

// BluetoothChange carries the refreshed bluetooth state of one device.
type BluetoothChange struct {
	Serial string
	State  alexa.BluetoothState
}

// NotificationUpdate is the per-device hint sent when a notification push arrives.
type NotificationUpdate struct {
	Serial  string
	Payload map[string]any
}

// NotificationsRefreshed follows a successful full notification refresh.
type NotificationsRefreshed struct {
	ProcessedAt time.Time
	Devices     int
	Reasons     []string
}

type LastCalledChange struct {
	Record alexa.LastCalled
}

type DNDUpdate struct {
	Statuses []alexa.DNDStatus
}

type Activity struct {
	Serial  string
	Payload map[string]any
}

// DevicesDiscovered lists serials that became active in a poll cycle.
type DevicesDiscovered struct {
	Serials []string
}

func (PlayerState) Kind() Kind            { return KindPlayerState }
func (NowPlaying) Kind() Kind             { return KindNowPlaying }
func (QueueState) Kind() Kind             { return KindQueueState }
func (BluetoothChange) Kind() Kind        { return KindBluetoothChange }
func (NotificationUpdate) Kind() Kind     { return KindNotificationUpdate }
func (NotificationsRefreshed) Kind() Kind { return KindNotificationsRefreshed }
func (LastCalledChange) Kind() Kind       { return KindLastCalledChange }
func (DNDUpdate) Kind() Kind              { return KindDNDUpdate }
func (Activity) Kind() Kind               { return KindActivity }
func (DevicesDiscovered) Kind() Kind      { return KindDevicesDiscovered }
