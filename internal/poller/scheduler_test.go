package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/internal/events"
	"alexamedia/internal/registry"
	"alexamedia/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Schedule(key, reason string) {
	n.mu.Lock()
	n.calls = append(n.calls, key+":"+reason)
	n.mu.Unlock()
}

func (n *fakeNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type fakeLastCalled struct {
	calls atomic.Int32
}

func (f *fakeLastCalled) Update(context.Context, *alexa.LastCalled, bool) (bool, error) {
	f.calls.Add(1)
	return false, nil
}

type schedulerFixture struct {
	scheduler  *Scheduler
	session    *testutil.FakeSession
	registry   *registry.Registry
	recorder   *testutil.MessageRecorder
	sink       *testutil.RecordingSink
	notifier   *fakeNotifier
	lastCalled *fakeLastCalled
	clock      *clock.Mock
}

func newSchedulerFixture(t *testing.T, opts Options) *schedulerFixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	f := &schedulerFixture{
		session:    testutil.NewFakeSession("someone@example.com"),
		registry:   registry.New(registry.Filter{}, clk, zap.NewNop()),
		recorder:   &testutil.MessageRecorder{},
		sink:       &testutil.RecordingSink{},
		notifier:   &fakeNotifier{},
		lastCalled: &fakeLastCalled{},
		clock:      clk,
	}
	f.session.Devices = []alexa.Device{
		{SerialNumber: "S1", AccountName: "Kitchen", Online: true, Capabilities: []string{"MUSIC_SKILL"}},
		{SerialNumber: "S2", AccountName: "Office", Online: true},
	}
	f.session.DND = &alexa.DNDState{DoNotDisturbDeviceStatusList: []alexa.DNDStatus{
		{DeviceSerialNumber: "S1", Enabled: true},
	}}
	f.scheduler = New(f.session, f.registry, f.recorder, f.sink, f.notifier, f.lastCalled, clk, zap.NewNop(), opts)
	t.Cleanup(f.scheduler.Stop)
	return f
}

func TestRefresh_MergesSnapshot(t *testing.T) {
	f := newSchedulerFixture(t, Options{})

	result, err := f.scheduler.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"S1", "S2"}, result.New)
	assert.Equal(t, 1, f.session.Calls("GetDevices"))
	assert.Equal(t, 1, f.session.Calls("GetBluetooth"))
	assert.Equal(t, 1, f.session.Calls("GetPreferences"))
	assert.Equal(t, 1, f.session.Calls("GetDND"))
	assert.Equal(t, 1, f.session.Calls("GetAuthentication"), "first cycle fetches authentication")
	assert.Equal(t, 1, f.session.CookiesSaved())

	dev, ok := f.registry.Get("S1")
	require.True(t, ok)
	require.NotNil(t, dev.DND)
	assert.True(t, *dev.DND)

	discovered := f.recorder.OfKind(events.KindDevicesDiscovered)
	require.Len(t, discovered, 1)
	assert.Equal(t, []string{"S1", "S2"}, discovered[0].(events.DevicesDiscovered).Serials)

	assert.Equal(t, []string{"*:poll"}, f.notifier.Calls())
	assert.Equal(t, int32(1), f.lastCalled.calls.Load(), "push is unhealthy so last called is polled")
}

func TestRefresh_AuthenticationOnlyWhenNeeded(t *testing.T) {
	f := newSchedulerFixture(t, Options{})
	ctx := context.Background()

	_, err := f.scheduler.Refresh(ctx)
	require.NoError(t, err)
	_, err = f.scheduler.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.session.Calls("GetAuthentication"))

	f.scheduler.MarkNewDevices()
	_, err = f.scheduler.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.session.Calls("GetAuthentication"))
	assert.Len(t, f.recorder.OfKind(events.KindDevicesDiscovered), 1, "no new devices after the first cycle")
}

func TestRefresh_SkipsLastCalledWhilePushHealthy(t *testing.T) {
	f := newSchedulerFixture(t, Options{})
	f.scheduler.SetPushHealthy(true)

	_, err := f.scheduler.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.lastCalled.calls.Load())
}

func TestRefresh_LoginFailureSuspendsPolling(t *testing.T) {
	f := newSchedulerFixture(t, Options{})
	f.session.SetErr(alexa.ErrLoginRequired)
	ctx := context.Background()

	_, err := f.scheduler.Refresh(ctx)
	require.ErrorIs(t, err, ErrReloginRequired)
	assert.True(t, f.scheduler.NeedsRelogin())

	fired := f.sink.OfType(events.EventReloginRequired)
	require.Len(t, fired, 1)
	assert.Equal(t, "s*****e@example.com", fired[0].Data["email"])
	assert.Equal(t, "https://alexa.amazon.com", fired[0].Data["url"])

	calls := f.session.Calls("GetDevices")
	_, err = f.scheduler.Refresh(ctx)
	require.ErrorIs(t, err, ErrReloginRequired)
	assert.Equal(t, calls, f.session.Calls("GetDevices"), "no fetch while relogin is pending")
	assert.Len(t, f.sink.OfType(events.EventReloginRequired), 1, "relogin event fires once")

	f.session.SetErr(nil)
	f.scheduler.ReloginSucceeded()
	_, err = f.scheduler.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, f.scheduler.NeedsRelogin())
}

func TestRefresh_Timeout(t *testing.T) {
	f := newSchedulerFixture(t, Options{Timeout: 50 * time.Millisecond})
	f.session.GetDevicesFunc = func(ctx context.Context) ([]alexa.Device, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.scheduler.Refresh(context.Background())
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Empty(t, f.registry.Serials())
	assert.Contains(t, f.scheduler.Status().LastError, "timed out")
}

func TestRefresh_ConcurrentCallersShareCycle(t *testing.T) {
	f := newSchedulerFixture(t, Options{})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.session.GetDevicesFunc = func(context.Context) ([]alexa.Device, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return []alexa.Device{{SerialNumber: "S1", AccountName: "Kitchen"}}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.scheduler.Refresh(context.Background())
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.scheduler.Refresh(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.session.Calls("GetDevices"))
	assert.Equal(t, 1, f.scheduler.Status().Cycles)
}

func TestRefresh_CallerCancelKeepsSharedCycle(t *testing.T) {
	f := newSchedulerFixture(t, Options{})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.session.GetDevicesFunc = func(ctx context.Context) ([]alexa.Device, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return []alexa.Device{{SerialNumber: "S1", AccountName: "Kitchen"}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.scheduler.Refresh(ctx)
		firstErr <- err
	}()
	<-entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.scheduler.Refresh(context.Background())
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, f.session.Calls("GetDevices"))
	assert.Equal(t, 1, f.scheduler.Status().Cycles)
	assert.Equal(t, []string{"S1"}, f.registry.Serials())
}

func TestRequestRefresh_Debounces(t *testing.T) {
	f := newSchedulerFixture(t, Options{})

	f.scheduler.RequestRefresh()
	f.scheduler.RequestRefresh()
	f.scheduler.RequestRefresh()
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(RequestDebounce)
	require.Eventually(t, func() bool {
		return f.scheduler.Status().Cycles == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.session.Calls("GetDevices"))

	f.scheduler.RequestRefresh()
	assert.Equal(t, 1, f.clock.Pending(), "a new window opens after the previous one fired")
}

func TestRun_CadenceFollowsPushHealth(t *testing.T) {
	f := newSchedulerFixture(t, Options{})
	f.scheduler.SetPushHealthy(true)
	assert.Equal(t, DefaultInterval*PushHealthyFactor, f.scheduler.Interval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scheduler.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.True(t, f.clock.WaitForTimers(1, time.Second))
	f.clock.Advance(DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.session.Calls("GetDevices"), "healthy push stretches the cadence")

	f.clock.Advance(DefaultInterval*PushHealthyFactor - DefaultInterval)
	require.Eventually(t, func() bool {
		return f.session.Calls("GetDevices") == 1
	}, time.Second, 5*time.Millisecond)

	// The tick already armed keeps its interval; the next one uses the new cadence.
	require.Eventually(t, func() bool {
		return f.scheduler.Status().Cycles == 1 && f.clock.Pending() == 1
	}, time.Second, 5*time.Millisecond)
	f.scheduler.SetPushHealthy(false)
	f.clock.Advance(DefaultInterval * PushHealthyFactor)
	require.Eventually(t, func() bool {
		return f.scheduler.Status().Cycles == 2 && f.clock.Pending() == 1
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool {
		return f.session.Calls("GetDevices") == 3
	}, time.Second, 5*time.Millisecond)
}
