package testutil

import (
	"context"
	"sync"

	"alexamedia/internal/alexa"
)

// FakeSession is an in-memory alexa.Session. Responses are configured through
// the exported fields or the *Func hooks; every call is counted.
type FakeSession struct {
	mu sync.Mutex

	EmailAddr string
	BaseURL   string

	Devices       []alexa.Device
	Bluetooth     *alexa.Bluetooth
	Preferences   *alexa.Preferences
	DND           *alexa.DNDState
	Notifications []alexa.Notification
	LastCalled    *alexa.LastCalled
	Auth          *alexa.AuthInfo

	// Err is returned by every fetch when set.
	Err error

	GetDevicesFunc       func(ctx context.Context) ([]alexa.Device, error)
	GetNotificationsFunc func(ctx context.Context) ([]alexa.Notification, error)
	GetDNDFunc           func(ctx context.Context) (*alexa.DNDState, error)
	GetLastCalledFunc    func(ctx context.Context) (*alexa.LastCalled, error)
	OpenPushFunc         func(ctx context.Context, handlers alexa.PushHandlers) (alexa.PushConn, error)
	LoginFunc            func(ctx context.Context) error

	calls          map[string]int
	loggedIn       bool
	closeRequested bool
	cookiesSaved   int
	cookiesDeleted bool
	handlers       alexa.PushHandlers
	pushConns      []*FakePushConn
}

// NewFakeSession returns a logged-in session for email.
func NewFakeSession(email string) *FakeSession {
	return &FakeSession{
		EmailAddr: email,
		BaseURL:   "https://alexa.amazon.com",
		Auth:      &alexa.AuthInfo{Authenticated: true, CustomerID: "CUSTOMER"},
		calls:     make(map[string]int),
		loggedIn:  true,
	}
}

func (f *FakeSession) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

// Calls returns how often method was invoked.
func (f *FakeSession) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeSession) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

// SetErr changes the error returned by every fetch.
func (f *FakeSession) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

func (f *FakeSession) Email() string { return f.EmailAddr }
func (f *FakeSession) URL() string   { return f.BaseURL }

func (f *FakeSession) GetDevices(ctx context.Context) ([]alexa.Device, error) {
	f.record("GetDevices")
	if f.GetDevicesFunc != nil {
		return f.GetDevicesFunc(ctx)
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alexa.Device(nil), f.Devices...), nil
}

func (f *FakeSession) GetBluetooth(ctx context.Context) (*alexa.Bluetooth, error) {
	f.record("GetBluetooth")
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Bluetooth, nil
}

func (f *FakeSession) GetPreferences(ctx context.Context) (*alexa.Preferences, error) {
	f.record("GetPreferences")
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Preferences, nil
}

func (f *FakeSession) GetDND(ctx context.Context) (*alexa.DNDState, error) {
	f.record("GetDND")
	if f.GetDNDFunc != nil {
		return f.GetDNDFunc(ctx)
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DND, nil
}

func (f *FakeSession) GetNotifications(ctx context.Context) ([]alexa.Notification, error) {
	f.record("GetNotifications")
	if f.GetNotificationsFunc != nil {
		return f.GetNotificationsFunc(ctx)
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Notifications, nil
}

func (f *FakeSession) GetLastCalled(ctx context.Context) (*alexa.LastCalled, error) {
	f.record("GetLastCalled")
	if f.GetLastCalledFunc != nil {
		return f.GetLastCalledFunc(ctx)
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LastCalled == nil {
		return nil, nil
	}
	lc := *f.LastCalled
	return &lc, nil
}

func (f *FakeSession) GetAuthentication(ctx context.Context) (*alexa.AuthInfo, error) {
	f.record("GetAuthentication")
	if err := f.err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Auth, nil
}

// OpenPush records the handlers so tests can drive the channel through
// PushMessage and PushClose.
func (f *FakeSession) OpenPush(ctx context.Context, handlers alexa.PushHandlers) (alexa.PushConn, error) {
	f.record("OpenPush")
	if f.OpenPushFunc != nil {
		return f.OpenPushFunc(ctx, handlers)
	}
	conn := &FakePushConn{}
	f.mu.Lock()
	f.handlers = handlers
	f.pushConns = append(f.pushConns, conn)
	f.mu.Unlock()
	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	return conn, nil
}

// PushConns returns the connections opened through OpenPush.
func (f *FakeSession) PushConns() []*FakePushConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePushConn(nil), f.pushConns...)
}

// PushError reports err on the last registered push handler.
func (f *FakeSession) PushError(err error) {
	f.mu.Lock()
	h := f.handlers.OnError
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// PushMessage delivers data to the last registered push handler.
func (f *FakeSession) PushMessage(data []byte) {
	f.mu.Lock()
	h := f.handlers.OnMessage
	f.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// PushClose simulates the remote side closing the push channel.
func (f *FakeSession) PushClose() {
	f.mu.Lock()
	h := f.handlers.OnClose
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *FakeSession) Login(ctx context.Context) error {
	f.record("Login")
	if f.LoginFunc != nil {
		if err := f.LoginFunc(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.loggedIn = true
	f.closeRequested = false
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) LoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

// SetLoggedIn changes the login status.
func (f *FakeSession) SetLoggedIn(v bool) {
	f.mu.Lock()
	f.loggedIn = v
	f.mu.Unlock()
}

func (f *FakeSession) Close() error {
	f.record("Close")
	f.mu.Lock()
	f.closeRequested = true
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) CloseRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeRequested
}

func (f *FakeSession) SaveCookies() error {
	f.mu.Lock()
	f.cookiesSaved++
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) DeleteCookies() error {
	f.mu.Lock()
	f.cookiesDeleted = true
	f.loggedIn = false
	f.mu.Unlock()
	return nil
}

// CookiesSaved returns how often SaveCookies ran.
func (f *FakeSession) CookiesSaved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookiesSaved
}

// CookiesDeleted reports whether DeleteCookies ran.
func (f *FakeSession) CookiesDeleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookiesDeleted
}

// FakePushConn counts Close calls.
type FakePushConn struct {
	mu     sync.Mutex
	closed int
}

func (c *FakePushConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *FakePushConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}
