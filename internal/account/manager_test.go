package account

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"
	"alexamedia/internal/reconnect"
	"alexamedia/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testEmail = "someone@example.com"

type fixture struct {
	manager  *Manager
	session  *testutil.FakeSession
	sink     *testutil.RecordingSink
	recorder *testutil.MessageRecorder
	clock    *clock.Mock

	mu      sync.Mutex
	created int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	session := testutil.NewFakeSession(testEmail)
	session.Devices = []alexa.Device{
		{
			SerialNumber: "KITCHEN01",
			AccountName:  "Kitchen",
			Online:       true,
			Capabilities: []string{"MUSIC_SKILL"},
		},
		{
			SerialNumber: "OFFICE01",
			AccountName:  "Office",
			Online:       true,
			Capabilities: []string{"TIMERS_AND_ALARMS"},
		},
	}

	f := &fixture{
		session:  session,
		sink:     &testutil.RecordingSink{},
		recorder: &testutil.MessageRecorder{},
		clock:    clock.NewMock(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)),
	}
	factory := func(cfg Config) (alexa.Session, error) {
		f.mu.Lock()
		f.created++
		f.mu.Unlock()
		return f.session, nil
	}
	forward := func(email string) events.Handler {
		return f.recorder.Handler()
	}
	f.manager = NewManager(factory, f.sink, f.clock, zap.NewNop(), forward)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})
	return f
}

func (f *fixture) setup(t *testing.T) *State {
	t.Helper()
	st, err := f.manager.Setup(context.Background(), Config{Email: testEmail, URL: "amazon.com"})
	require.NoError(t, err)
	return st
}

func volumeFrame(t *testing.T, serial string, volume int) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"dopplerId":     map[string]any{"deviceSerialNumber": serial},
		"volumeSetting": volume,
		"isMuted":       false,
	})
	require.NoError(t, err)
	meta, err := json.Marshal(alexa.Resource{Command: "PUSH_VOLUME_CHANGE", Payload: string(body)})
	require.NoError(t, err)

	var env alexa.Envelope
	env.Directive.Payload.RenderingUpdates = []alexa.RenderingUpdate{{ResourceMetadata: string(meta)}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestManager_Setup(t *testing.T) {
	f := newFixture(t)
	st := f.setup(t)

	assert.True(t, st.LoggedIn())
	assert.ElementsMatch(t, []string{"KITCHEN01", "OFFICE01"}, st.Registry.Serials())
	assert.Equal(t, reconnect.StateConnected, st.Supervisor.State())
	assert.True(t, st.Scheduler.Status().PushHealthy)
	assert.Equal(t, 1, f.session.Calls("Login"))
	assert.Equal(t, 1, f.session.Calls("OpenPush"))
	assert.Equal(t, 1, f.session.Calls("GetAuthentication"))
	assert.GreaterOrEqual(t, f.session.CookiesSaved(), 1)

	discovered := f.recorder.OfKind(events.KindDevicesDiscovered)
	require.Len(t, discovered, 1)

	got, err := f.manager.Get("SOMEONE@example.com")
	require.NoError(t, err)
	assert.Same(t, st, got)
}

func TestManager_SetupTwice(t *testing.T) {
	f := newFixture(t)
	f.setup(t)

	_, err := f.manager.Setup(context.Background(), Config{Email: testEmail})
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestManager_PushFramesReachRegistry(t *testing.T) {
	f := newFixture(t)
	st := f.setup(t)

	f.session.PushMessage(volumeFrame(t, "KITCHEN01", 30))

	dev, ok := st.Registry.Get("KITCHEN01")
	require.True(t, ok)
	require.NotNil(t, dev.Volume)
	assert.InDelta(t, 0.3, *dev.Volume, 0.0001)
	assert.NotEmpty(t, f.recorder.OfKind(events.KindPlayerState))
}

func TestManager_PushCloseSlowsDownAndReconnects(t *testing.T) {
	f := newFixture(t)
	st := f.setup(t)

	f.session.PushClose()
	assert.False(t, st.Scheduler.Status().PushHealthy)
	assert.Equal(t, 1, f.session.Calls("OpenPush"))

	f.clock.Advance(reconnect.Delay(0))
	assert.Equal(t, 2, f.session.Calls("OpenPush"))
	assert.True(t, st.Scheduler.Status().PushHealthy)
}

func TestManager_LoginRejected(t *testing.T) {
	f := newFixture(t)
	f.session.LoginFunc = func(context.Context) error { return alexa.ErrLoginRequired }

	st := f.setup(t)

	assert.False(t, st.LoggedIn())
	assert.True(t, st.Scheduler.NeedsRelogin())
	assert.Equal(t, 0, f.session.Calls("GetDevices"))
	assert.Equal(t, 0, f.session.Calls("OpenPush"))

	required := f.sink.OfType(events.EventReloginRequired)
	require.Len(t, required, 1)
	assert.Equal(t, "s*****e@example.com", required[0].Data["email"])

	f.session.LoginFunc = nil
	require.NoError(t, f.manager.Relogin(context.Background(), testEmail))

	assert.True(t, st.LoggedIn())
	assert.False(t, st.Scheduler.NeedsRelogin())
	assert.Equal(t, 1, f.session.Calls("OpenPush"))
	assert.Len(t, f.sink.OfType(events.EventReloginSuccess), 1)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.session.Calls("GetDevices"))
}

func TestManager_ReloginReplacesOpenPush(t *testing.T) {
	f := newFixture(t)
	st := f.setup(t)
	require.Len(t, f.session.PushConns(), 1)

	require.NoError(t, f.manager.Relogin(context.Background(), testEmail))

	conns := f.session.PushConns()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Closed())
	assert.False(t, conns[1].Closed())
	assert.Equal(t, reconnect.StateConnected, st.Supervisor.State())

	f.session.PushMessage(volumeFrame(t, "KITCHEN01", 50))
	dev, ok := st.Registry.Get("KITCHEN01")
	require.True(t, ok)
	require.NotNil(t, dev.Volume)
	assert.InDelta(t, 0.5, *dev.Volume, 0.0001)
	assert.Len(t, f.recorder.OfKind(events.KindPlayerState), 1)
}

func TestManager_ForceLogout(t *testing.T) {
	f := newFixture(t)
	st := f.setup(t)

	require.NoError(t, f.manager.ForceLogout(context.Background(), testEmail))

	assert.True(t, f.session.CookiesDeleted())
	assert.True(t, st.Scheduler.NeedsRelogin())
	assert.False(t, st.Scheduler.Status().PushHealthy)
	assert.Equal(t, reconnect.StateClosed, st.Supervisor.State())
	assert.Len(t, f.sink.OfType(events.EventReloginRequired), 1)

	err := f.manager.Refresh(context.Background(), testEmail)
	assert.Error(t, err)
}

func TestManager_UpdateLastCalled(t *testing.T) {
	f := newFixture(t)
	f.setup(t)

	f.session.LastCalled = &alexa.LastCalled{
		SerialNumber: "KITCHEN01",
		Timestamp:    1709276400000,
		Summary:      "what time is it",
	}

	require.NoError(t, f.manager.UpdateLastCalled(context.Background(), testEmail))
	require.NoError(t, f.manager.UpdateLastCalled(context.Background(), testEmail))

	fired := f.sink.OfType(events.EventLastCalled)
	require.Len(t, fired, 2)
	assert.Equal(t, "KITCHEN01", fired[1].Data["last_called"])
	assert.Len(t, f.recorder.OfKind(events.KindLastCalledChange), 2)
}

func TestManager_Unload(t *testing.T) {
	f := newFixture(t)
	f.setup(t)
	saved := f.session.CookiesSaved()

	require.NoError(t, f.manager.Unload(context.Background(), testEmail))

	assert.True(t, f.session.CloseRequested())
	assert.Greater(t, f.session.CookiesSaved(), saved)
	assert.Empty(t, f.manager.Accounts())

	_, err := f.manager.Get(testEmail)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.manager.Unload(context.Background(), testEmail), ErrNotFound)

	before := len(f.recorder.Messages())
	f.session.PushMessage(volumeFrame(t, "KITCHEN01", 50))
	assert.Len(t, f.recorder.Messages(), before)
}

func TestManager_Remove(t *testing.T) {
	t.Run("loaded account", func(t *testing.T) {
		f := newFixture(t)
		f.setup(t)

		require.NoError(t, f.manager.Remove(context.Background(), testEmail))
		assert.True(t, f.session.CookiesDeleted())
		assert.Empty(t, f.manager.Accounts())
	})

	t.Run("account not loaded", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.manager.Remove(context.Background(), testEmail))
		assert.True(t, f.session.CookiesDeleted())
		assert.Equal(t, 1, f.created)
	})
}

func TestManager_ServicesUnknownAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.UpdateLastCalled(ctx, "nobody@example.com"), ErrNotFound)
	assert.ErrorIs(t, f.manager.ForceLogout(ctx, "nobody@example.com"), ErrNotFound)
	assert.ErrorIs(t, f.manager.Relogin(ctx, "nobody@example.com"), ErrNotFound)
	assert.ErrorIs(t, f.manager.Refresh(ctx, "nobody@example.com"), ErrNotFound)
}

func TestState_Summary(t *testing.T) {
	f := newFixture(t)
	st := f.setup(t)

	s := st.Summary()
	assert.Equal(t, "s*****e@example.com", s.Account)
	assert.True(t, s.LoggedIn)
	assert.Equal(t, "connected", s.Push)
	assert.Equal(t, 2, s.Devices)
	assert.Equal(t, 1, s.Poll.Cycles)
	assert.Nil(t, s.LastCalled)
}

func TestManager_DebugLoggingIsPerAccount(t *testing.T) {
	for _, tc := range []struct {
		name  string
		debug bool
		want  int
	}{
		{"info by default", false, 0},
		{"debug when enabled", true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			session := testutil.NewFakeSession(testEmail)
			session.Devices = []alexa.Device{{SerialNumber: "KITCHEN01", AccountName: "Kitchen", Online: true}}

			manager := NewManager(func(Config) (alexa.Session, error) {
				return session, nil
			}, &testutil.RecordingSink{}, clock.NewMock(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)), zap.New(core))
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = manager.Shutdown(ctx)
			})

			_, err := manager.Setup(context.Background(), Config{Email: testEmail, Debug: tc.debug})
			require.NoError(t, err)

			assert.Equal(t, tc.want, logs.FilterMessage("Poll cycle complete").Len())
			assert.Equal(t, 1, logs.FilterMessage("Account set up").Len())
		})
	}
}
