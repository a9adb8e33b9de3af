package registry

import (
	"testing"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(filter Filter) (*Registry, *clock.Mock) {
	clk := clock.NewMock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	return New(filter, clk, zap.NewNop()), clk
}

func echo(serial, name string, apps ...string) alexa.Device {
	d := alexa.Device{
		SerialNumber: serial,
		AccountName:  name,
		DeviceFamily: "ECHO",
		DeviceType:   "A3S5BH2HU6VAYF",
		Online:       true,
		Capabilities: []string{"MUSIC_SKILL", "VOLUME_SETTING"},
	}
	for _, app := range apps {
		d.AppDeviceList = append(d.AppDeviceList, alexa.AppDevice{SerialNumber: app})
	}
	return d
}

func TestMergePollSnapshot_RoundTrip(t *testing.T) {
	r, _ := newTestRegistry(Filter{})

	kitchen := echo("S1", "Kitchen")
	kitchen.ClusterMembers = nil
	group := echo("G1", "Everywhere")
	group.DeviceFamily = "WHA"
	group.ClusterMembers = []string{"S1", "S2"}
	office := echo("S2", "Office")
	office.Capabilities = []string{"TIMERS_AND_ALARMS"}
	office.ParentClusters = []string{"G1"}

	result := r.MergePollSnapshot(Snapshot{
		Devices: []alexa.Device{kitchen, group, office},
		Bluetooth: &alexa.Bluetooth{BluetoothStates: []alexa.BluetoothState{
			{DeviceSerialNumber: "S1", PairedDeviceList: []alexa.PairedDevice{{Address: "aa:bb", Connected: true}}},
		}},
		Preferences: &alexa.Preferences{DevicePreferences: []alexa.DevicePreference{
			{DeviceSerialNumber: "S1", Locale: "en-US", TimeZoneID: "America/Chicago"},
		}},
		DND: &alexa.DNDState{DoNotDisturbDeviceStatusList: []alexa.DNDStatus{
			{DeviceSerialNumber: "S2", Enabled: true},
		}},
	})

	assert.Equal(t, []string{"G1", "S1", "S2"}, result.New)
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Removed)

	for _, raw := range []alexa.Device{kitchen, group, office} {
		dev, ok := r.Get(raw.SerialNumber)
		require.True(t, ok, raw.SerialNumber)
		assert.Equal(t, raw.AccountName, dev.Name)
		assert.Equal(t, raw.DeviceFamily, dev.Family)
		assert.Equal(t, raw.DeviceType, dev.Type)
		assert.Equal(t, raw.Online, dev.Online)
		assert.Equal(t, raw.Capabilities, dev.Capabilities)
		assert.Equal(t, raw.ClusterMembers, dev.ClusterMembers)
		assert.Equal(t, raw.ParentClusters, dev.ParentClusters)
	}

	s1, _ := r.Get("S1")
	require.NotNil(t, s1.Bluetooth)
	assert.Equal(t, "aa:bb", s1.Bluetooth.PairedDeviceList[0].Address)
	assert.Equal(t, "en-US", s1.Locale)
	assert.Equal(t, "America/Chicago", s1.TimeZone)
	assert.Nil(t, s1.DND, "no DND match leaves the field unset")

	s2, _ := r.Get("S2")
	require.NotNil(t, s2.DND)
	assert.True(t, *s2.DND)
	assert.Nil(t, s2.Bluetooth)
	assert.Empty(t, s2.Locale)

	g1, _ := r.Get("G1")
	assert.True(t, g1.IsGroup())
}

func TestMergePollSnapshot_RefreshInPlace(t *testing.T) {
	r, clk := newTestRegistry(Filter{})
	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen"), echo("S2", "Office")}})

	vol := 0.4
	require.True(t, r.ApplyPushDelta("S1", Delta{Volume: &vol}))

	clk.Advance(time.Minute)
	renamed := echo("S1", "Kitchen Echo")
	result := r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{renamed}})

	assert.Empty(t, result.New)
	assert.Equal(t, []string{"S1"}, result.Updated)
	assert.Equal(t, []string{"S2"}, result.Removed)

	dev, ok := r.Get("S1")
	require.True(t, ok)
	assert.Equal(t, "Kitchen Echo", dev.Name)
	require.NotNil(t, dev.Volume, "push-maintained fields survive a poll merge")
	assert.Equal(t, 0.4, *dev.Volume)
	assert.Equal(t, clk.Now(), dev.LastUpdated)

	_, ok = r.Get("S2")
	assert.False(t, ok)
}

func TestMergePollSnapshot_CapabilityPolicy(t *testing.T) {
	r, _ := newTestRegistry(Filter{})

	plug := echo("P1", "Smart Plug")
	plug.Capabilities = []string{"POWER_CONTROLLER"}
	bare := echo("B1", "Fire TV")
	bare.Capabilities = nil

	result := r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{plug, bare}})

	assert.Equal(t, []string{"B1"}, result.New)
	_, ok := r.Get("P1")
	assert.False(t, ok)
	assert.False(t, r.IsExcluded("P1"), "dropped devices are not excluded")
}

func TestMergePollSnapshot_ExcludeByName(t *testing.T) {
	r, _ := newTestRegistry(Filter{Exclude: []string{"Bedroom"}})

	result := r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{
		echo("S1", "Kitchen"),
		echo("S2", "Bedroom", "APP-1", "APP-2"),
	}})

	assert.Equal(t, []string{"S1"}, result.New)
	for _, serial := range []string{"S2", "APP-1", "APP-2"} {
		_, ok := r.Get(serial)
		assert.False(t, ok, serial)
		assert.True(t, r.IsExcluded(serial), serial)
		_, ok = r.Resolve(serial)
		assert.False(t, ok, serial)
	}
	assert.Equal(t, map[string]string{"S2": "Bedroom", "APP-1": "Bedroom", "APP-2": "Bedroom"}, r.Excluded())

	for _, dev := range r.Devices() {
		assert.NotEqual(t, "Bedroom", dev.Name)
	}
}

func TestMergePollSnapshot_IncludeList(t *testing.T) {
	r, _ := newTestRegistry(Filter{Include: []string{"Kitchen"}})

	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen"), echo("S2", "Office")}})

	assert.Equal(t, []string{"S1"}, r.Serials())
	assert.True(t, r.IsExcluded("S2"))
}

func TestScenario_ExcludedDeviceIgnoresPush(t *testing.T) {
	r, _ := newTestRegistry(Filter{Exclude: []string{"B"}})

	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("A", "A"), echo("B", "B")}})

	assert.Equal(t, []string{"A"}, r.Serials())

	online := false
	assert.False(t, r.ApplyPushDelta("B", Delta{Online: &online}))
	assert.False(t, r.Known("B"))
	assert.True(t, r.Known("A"))
}

func TestApplyPushDelta(t *testing.T) {
	r, clk := newTestRegistry(Filter{})
	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen")}})

	vol := 0.5
	muted := false
	playing := "PLAYING"

	clk.Advance(time.Second)
	assert.True(t, r.ApplyPushDelta("S1", Delta{Volume: &vol, Muted: &muted}))
	assert.False(t, r.ApplyPushDelta("S1", Delta{Volume: &vol}), "same value is not a change")
	assert.True(t, r.ApplyPushDelta("S1", Delta{PlayerState: &playing}))
	assert.True(t, r.ApplyPushDelta("S1", Delta{Equalizer: map[string]any{"bass": 2.0}}))
	assert.False(t, r.ApplyPushDelta("S1", Delta{Equalizer: map[string]any{"bass": 2.0}}))
	assert.False(t, r.ApplyPushDelta("unknown", Delta{Volume: &vol}))

	dev, _ := r.Get("S1")
	assert.Equal(t, 0.5, *dev.Volume)
	assert.False(t, *dev.Muted)
	assert.Equal(t, "PLAYING", dev.PlayerState)
	assert.Equal(t, clk.Now(), dev.LastUpdated)
}

func TestApplyDND(t *testing.T) {
	r, _ := newTestRegistry(Filter{})
	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen"), echo("S2", "Office")}})

	changed := r.ApplyDND([]alexa.DNDStatus{
		{DeviceSerialNumber: "S1", Enabled: true},
		{DeviceSerialNumber: "X9", Enabled: true},
	})
	assert.Equal(t, []string{"S1"}, changed)

	assert.Empty(t, r.ApplyDND([]alexa.DNDStatus{{DeviceSerialNumber: "S1", Enabled: true}}))
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(Filter{})
	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen")}})

	dev, _ := r.Get("S1")
	dev.Capabilities[0] = "CHANGED"
	dev.Name = "changed"

	again, _ := r.Get("S1")
	assert.Equal(t, "MUSIC_SKILL", again.Capabilities[0])
	assert.Equal(t, "Kitchen", again.Name)
}

func TestResolveAndExclude(t *testing.T) {
	r, _ := newTestRegistry(Filter{})
	r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen", "APP-1")}})

	owner, ok := r.Resolve("APP-1")
	require.True(t, ok)
	assert.Equal(t, "S1", owner)

	r.Exclude("S1")
	_, ok = r.Get("S1")
	assert.False(t, ok)
	assert.True(t, r.IsExcluded("APP-1"))

	result := r.MergePollSnapshot(Snapshot{Devices: []alexa.Device{echo("S1", "Kitchen", "APP-1")}})
	assert.Empty(t, result.New, "explicit exclusions hold across merges")
}
