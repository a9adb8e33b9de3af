package alexa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPSession implements Session against the Alexa web API.
type HTTPSession struct {
	email      string
	baseURL    *url.URL
	pushURL    string
	cookiePath string
	jar        *cookiejar.Jar
	client     *http.Client
	logger     *zap.Logger

	mu             sync.RWMutex
	loggedIn       bool
	closeRequested bool
}

// SessionOptions configures an HTTPSession.
type SessionOptions struct {
	Email     string
	URL       string
	PushURL   string
	CookieDir string
	Timeout   time.Duration
}

// NewHTTPSession creates a session and loads any cookies stored for the account.
func NewHTTPSession(opts SessionOptions, logger *zap.Logger) (*HTTPSession, error) {
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid account url %q: %w", opts.URL, err)
	}
	if base.Scheme == "" {
		base, err = url.Parse("https://alexa." + opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid account url %q: %w", opts.URL, err)
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s := &HTTPSession{
		email:      opts.Email,
		baseURL:    base,
		pushURL:    opts.PushURL,
		cookiePath: CookiePath(opts.CookieDir, opts.Email),
		jar:        jar,
		client:     &http.Client{Jar: jar, Timeout: timeout},
		logger:     logger.Named("session").With(zap.String("account", HideEmail(opts.Email))),
	}

	if err := s.loadCookies(); err != nil {
		s.logger.Warn("Failed to load stored cookies", zap.Error(err))
	}

	return s, nil
}

func (s *HTTPSession) Email() string { return s.email }

func (s *HTTPSession) URL() string { return s.baseURL.String() }

// LoggedIn reports whether the last authenticated request succeeded.
func (s *HTTPSession) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// CloseRequested reports whether Close has been called.
func (s *HTTPSession) CloseRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeRequested
}

// Login validates the stored cookies against the bootstrap endpoint. Interactive
// sign-in (captcha, OTP) happens outside this service; a rejected session
// returns ErrLoginRequired.
func (s *HTTPSession) Login(ctx context.Context) error {
	s.mu.Lock()
	s.closeRequested = false
	s.mu.Unlock()

	auth, err := s.GetAuthentication(ctx)
	if err != nil {
		return err
	}
	if !auth.Authenticated {
		s.setLoggedIn(false)
		return ErrLoginRequired
	}

	s.setLoggedIn(true)
	s.logger.Info("Session authenticated")
	return nil
}

// Close marks the session closed. Outstanding requests are not interrupted.
func (s *HTTPSession) Close() error {
	s.mu.Lock()
	s.closeRequested = true
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSession) setLoggedIn(v bool) {
	s.mu.Lock()
	s.loggedIn = v
	s.mu.Unlock()
}

// GetDevices returns the devices-v2 listing.
func (s *HTTPSession) GetDevices(ctx context.Context) ([]Device, error) {
	var resp devicesResponse
	if err := s.getJSON(ctx, "/api/devices-v2/device", url.Values{"cached": {"false"}}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	return resp.Devices, nil
}

// GetBluetooth returns the bluetooth listing.
func (s *HTTPSession) GetBluetooth(ctx context.Context) (*Bluetooth, error) {
	var resp Bluetooth
	if err := s.getJSON(ctx, "/api/bluetooth", url.Values{"cached": {"false"}}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get bluetooth: %w", err)
	}
	return &resp, nil
}

// GetPreferences returns locale and timezone per device.
func (s *HTTPSession) GetPreferences(ctx context.Context) (*Preferences, error) {
	var resp Preferences
	if err := s.getJSON(ctx, "/api/device-preferences", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get device preferences: %w", err)
	}
	return &resp, nil
}

// GetDND returns the do-not-disturb listing.
func (s *HTTPSession) GetDND(ctx context.Context) (*DNDState, error) {
	var resp DNDState
	if err := s.getJSON(ctx, "/api/dnd/device-status-list", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get dnd state: %w", err)
	}
	return &resp, nil
}

// GetNotifications returns all notifications, or nil when the service is
// rate limiting or answered without a listing.
func (s *HTTPSession) GetNotifications(ctx context.Context) ([]Notification, error) {
	var resp notificationsResponse
	err := s.getJSON(ctx, "/api/notifications", nil, &resp)
	if errors.Is(err, ErrThrottled) {
		s.logger.Debug("Notifications fetch throttled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notifications: %w", err)
	}
	if resp.Notifications == nil {
		return nil, nil
	}
	return resp.Notifications, nil
}

type activity struct {
	CreationTimestamp int64  `json:"creationTimestamp"`
	Description       string `json:"description"`
	SourceDeviceIDs   []struct {
		SerialNumber string `json:"serialNumber"`
	} `json:"sourceDeviceIds"`
}

type activitiesResponse struct {
	Activities []activity `json:"activities"`
}

// GetLastCalled returns the most recent voice activity, or nil if there is none.
func (s *HTTPSession) GetLastCalled(ctx context.Context) (*LastCalled, error) {
	query := url.Values{
		"startTime": {""},
		"size":      {"10"},
		"offset":    {"1"},
	}
	var resp activitiesResponse
	if err := s.getJSON(ctx, "/api/activities", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to get activities: %w", err)
	}

	for _, a := range resp.Activities {
		if len(a.SourceDeviceIDs) == 0 {
			continue
		}
		var desc struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal([]byte(a.Description), &desc); err != nil {
			continue
		}
		return &LastCalled{
			SerialNumber: a.SourceDeviceIDs[0].SerialNumber,
			Timestamp:    a.CreationTimestamp,
			Summary:      desc.Summary,
		}, nil
	}
	return nil, nil
}

// GetAuthentication returns the bootstrap authentication record.
func (s *HTTPSession) GetAuthentication(ctx context.Context) (*AuthInfo, error) {
	var resp bootstrapResponse
	if err := s.getJSON(ctx, "/api/bootstrap", url.Values{"version": {"0"}}, &resp); err != nil {
		return nil, fmt.Errorf("failed to get authentication: %w", err)
	}
	return &resp.Authentication, nil
}

func (s *HTTPSession) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := s.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.setLoggedIn(false)
		return ErrLoginRequired
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrThrottled
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	s.setLoggedIn(true)
	return nil
}
