package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	events       []FiredEvent
	callsMu      sync.Mutex
	// Err is returned by CallService and FireEvent when set.
	Err error
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		serviceCalls: make([]ServiceCall, 0),
		events:       make([]FiredEvent, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// CallService records a service call
func (m *MockClient) CallService(_ context.Context, domain, service string, data map[string]any) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	return nil
}

// FireEvent records a fired event
func (m *MockClient) FireEvent(_ context.Context, eventType string, data map[string]any) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, FiredEvent{
		EventType: eventType,
		Data:      data,
		Time:      time.Now(),
	})
	return nil
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// GetFiredEvents returns all recorded events
func (m *MockClient) GetFiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	fired := make([]FiredEvent, len(m.events))
	copy(fired, m.events)
	return fired
}

// ClearServiceCalls clears the service call and event history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
	m.events = make([]FiredEvent, 0)
}
