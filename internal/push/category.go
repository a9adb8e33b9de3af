// Package push turns push channel frames into registry deltas, change
// messages and side fetches.
package push

// Category groups push commands that share a handler.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryActivity
	CategoryAudioState
	CategoryMedia
	CategoryVolume
	CategoryConnection
	CategoryBluetooth
	CategoryNotification
	CategoryQueue
	CategoryIgnored
)

// Push command names.
const (
	CommandActivity            = "PUSH_ACTIVITY"
	CommandAudioPlayerState    = "PUSH_AUDIO_PLAYER_STATE"
	CommandMediaChange         = "PUSH_MEDIA_CHANGE"
	CommandMediaProgressChange = "PUSH_MEDIA_PROGRESS_CHANGE"
	CommandMediaSessions       = "NotifyMediaSessionsUpdated"
	CommandNowPlaying          = "NotifyNowPlayingUpdated"
	CommandVolumeChange        = "PUSH_VOLUME_CHANGE"
	CommandConnectionChange    = "PUSH_DOPPLER_CONNECTION_CHANGE"
	CommandEqualizerChange     = "PUSH_EQUALIZER_STATE_CHANGE"
	CommandBluetoothChange     = "PUSH_BLUETOOTH_STATE_CHANGE"
	CommandNotificationChange  = "PUSH_NOTIFICATION_CHANGE"
	CommandQueueChange         = "PUSH_MEDIA_QUEUE_CHANGE"
)

var categories = map[string]Category{
	CommandActivity:            CategoryActivity,
	CommandAudioPlayerState:    CategoryAudioState,
	CommandMediaChange:         CategoryMedia,
	CommandMediaProgressChange: CategoryMedia,
	CommandMediaSessions:       CategoryMedia,
	CommandNowPlaying:          CategoryMedia,
	CommandVolumeChange:        CategoryVolume,
	CommandConnectionChange:    CategoryConnection,
	CommandEqualizerChange:     CategoryConnection,
	CommandBluetoothChange:     CategoryBluetooth,
	CommandNotificationChange:  CategoryNotification,
	CommandQueueChange:         CategoryQueue,

	// Known commands with nothing to reconcile.
	"PUSH_DELETE_DOPPLER_ACTIVITIES": CategoryIgnored,
	"PUSH_LIST_CHANGE":               CategoryIgnored,
	"PUSH_LIST_ITEM_CHANGE":          CategoryIgnored,
	"PUSH_CONTENT_FOCUS_CHANGE":      CategoryIgnored,
	"PUSH_DEVICE_SETUP_STATE_CHANGE": CategoryIgnored,
	"PUSH_MEDIA_PREFERENCE_CHANGE":   CategoryIgnored,
}

// Classify maps a command name to its category.
func Classify(command string) Category {
	if c, ok := categories[command]; ok {
		return c
	}
	return CategoryUnknown
}

func (c Category) String() string {
	switch c {
	case CategoryActivity:
		return "activity"
	case CategoryAudioState:
		return "audio_state"
	case CategoryMedia:
		return "media"
	case CategoryVolume:
		return "volume"
	case CategoryConnection:
		return "connection"
	case CategoryBluetooth:
		return "bluetooth"
	case CategoryNotification:
		return "notification"
	case CategoryQueue:
		return "queue"
	case CategoryIgnored:
		return "ignored"
	}
	return "unknown"
}
