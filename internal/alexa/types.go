package alexa

import "encoding/json"

// Device is one entry of the devices-v2 listing.
type Device struct {
	SerialNumber   string      `json:"serialNumber"`
	AccountName    string      `json:"accountName"`
	DeviceFamily   string      `json:"deviceFamily"`
	DeviceType     string      `json:"deviceType"`
	Online         bool        `json:"online"`
	Capabilities   []string    `json:"capabilities"`
	AppDeviceList  []AppDevice `json:"appDeviceList"`
	ClusterMembers []string    `json:"clusterMembers"`
	ParentClusters []string    `json:"parentClusters"`
}

// AppDevice is a sub-device hosted by a physical device.
type AppDevice struct {
	SerialNumber string `json:"serialNumber"`
	DeviceType   string `json:"deviceType"`
}

type devicesResponse struct {
	Devices []Device `json:"devices"`
}

// PairedDevice is a bluetooth peer of an Echo device.
type PairedDevice struct {
	Address      string `json:"address"`
	Connected    bool   `json:"connected"`
	FriendlyName string `json:"friendlyName"`
	DeviceClass  string `json:"deviceClass"`
}

// BluetoothState is the bluetooth view of a single device.
type BluetoothState struct {
	DeviceSerialNumber string         `json:"deviceSerialNumber"`
	DeviceType         string         `json:"deviceType"`
	FriendlyName       string         `json:"friendlyName"`
	Online             bool           `json:"online"`
	PairedDeviceList   []PairedDevice `json:"pairedDeviceList"`
}

// Bluetooth is the bluetooth listing of an account.
type Bluetooth struct {
	BluetoothStates []BluetoothState `json:"bluetoothStates"`
}

// DevicePreference carries locale and timezone settings.
type DevicePreference struct {
	DeviceSerialNumber string `json:"deviceSerialNumber"`
	Locale             string `json:"locale"`
	TimeZoneID         string `json:"timeZoneId"`
}

// Preferences is the device-preferences listing.
type Preferences struct {
	DevicePreferences []DevicePreference `json:"devicePreferences"`
}

// DNDStatus is the do-not-disturb flag of one device.
type DNDStatus struct {
	DeviceSerialNumber string `json:"deviceSerialNumber"`
	DeviceType         string `json:"deviceType"`
	Enabled            bool   `json:"enabled"`
}

// DNDState is the do-not-disturb listing.
type DNDState struct {
	DoNotDisturbDeviceStatusList []DNDStatus `json:"doNotDisturbDeviceStatusList"`
}

// Notification is an alarm, timer or reminder as returned by the service.
type Notification struct {
	ID                 string `json:"id"`
	DeviceSerialNumber string `json:"deviceSerialNumber"`
	Type               string `json:"type"`
	NotificationIndex  string `json:"notificationIndex"`
	Status             string `json:"status"`
	Version            string `json:"version"`
	OriginalDate       string `json:"originalDate"`
	OriginalTime       string `json:"originalTime"`
	RemainingTime      int64  `json:"remainingTime"`
	ReminderLabel      string `json:"reminderLabel,omitempty"`
	TimerLabel         string `json:"timerLabel,omitempty"`
	Recurring          string `json:"recurringPattern,omitempty"`
}

type notificationsResponse struct {
	Notifications []Notification `json:"notifications"`
}

// LastCalled is the most recent voice interaction of an account.
type LastCalled struct {
	SerialNumber string `json:"serialNumber"`
	Timestamp    int64  `json:"timestamp"`
	Summary      string `json:"summary"`
}

// AuthInfo is the bootstrap authentication record.
type AuthInfo struct {
	Authenticated bool   `json:"authenticated"`
	CustomerEmail string `json:"customerEmail"`
	CustomerID    string `json:"customerId"`
	CustomerName  string `json:"customerName"`
}

type bootstrapResponse struct {
	Authentication AuthInfo `json:"authentication"`
}

// Envelope is a single message received on the push channel.
type Envelope struct {
	Directive struct {
		Payload struct {
			RenderingUpdates []RenderingUpdate `json:"renderingUpdates"`
		} `json:"payload"`
	} `json:"directive"`
}

// RenderingUpdate wraps one push command. ResourceMetadata is itself a JSON
// document holding the command name and a JSON-encoded payload string.
type RenderingUpdate struct {
	ResourceMetadata string `json:"resourceMetadata"`
}

// Resource is the decoded form of RenderingUpdate.ResourceMetadata.
type Resource struct {
	Command string `json:"command"`
	Payload string `json:"payload"`
}

// ParseEnvelope decodes a raw push frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
