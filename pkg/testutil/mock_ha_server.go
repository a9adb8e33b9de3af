// Package testutil provides fakes of the account session, recording sinks and
// a mock Home Assistant WebSocket server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHAServer simulates the parts of the Home Assistant WebSocket API the
// service uses: authentication, fire_event and call_service.
type MockHAServer struct {
	server      *http.Server
	listener    net.Listener
	addr        string
	token       string
	connections []*connWrapper
	connsMu     sync.Mutex

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
	failEvents   bool
}

// Message represents a WebSocket message
type Message struct {
	ID      int            `json:"id,omitempty"`
	Type    string         `json:"type"`
	Success *bool          `json:"success,omitempty"`
	Error   map[string]any `json:"error,omitempty"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a service call
type CallServiceRequest struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// FireEventRequest represents a fire_event request
type FireEventRequest struct {
	ID        int            `json:"id"`
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// NewMockHAServer creates a new mock HA server. An addr ending in ":0"
// picks a free port; URL reports the final address after Start.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:  addr,
		token: token,
	}
}

// Start starts the mock server
func (s *MockHAServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()

	return nil
}

// URL returns the websocket URL of the server.
func (s *MockHAServer) URL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.addr)
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetFailEvents makes fire_event requests fail.
func (s *MockHAServer) SetFailEvents(fail bool) {
	s.callsMu.Lock()
	s.failEvents = fail
	s.callsMu.Unlock()
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}

	wrapper.write(Message{Type: "auth_ok"})

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "fire_event":
			s.handleFireEvent(wrapper, msg)
		case "call_service":
			s.handleCallService(wrapper, msg)
		}
	}
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(msg); err != nil {
		log.Printf("Mock HA server write failed: %v", err)
	}
}

// handleFireEvent records an event and acknowledges it
func (s *MockHAServer) handleFireEvent(wrapper *connWrapper, msg json.RawMessage) {
	var req FireEventRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	fail := s.failEvents
	if !fail {
		s.firedEvents = append(s.firedEvents, FiredEvent{
			Timestamp: time.Now(),
			EventType: req.EventType,
			EventData: req.EventData,
		})
	}
	s.callsMu.Unlock()

	success := !fail
	reply := Message{ID: req.ID, Type: "result", Success: &success}
	if fail {
		reply.Error = map[string]any{"code": "unknown_error", "message": "event rejected"}
	}
	wrapper.write(reply)
}

// handleCallService handles service calls
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	success := true
	wrapper.write(Message{ID: req.ID, Type: "result", Success: &success})
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// GetFiredEvents returns all events fired since last clear
func (s *MockHAServer) GetFiredEvents() []FiredEvent {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	fired := make([]FiredEvent, len(s.firedEvents))
	copy(fired, s.firedEvents)
	return fired
}

// ClearServiceCalls resets the service call and event logs
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
	s.firedEvents = nil
}

// CountServiceCalls counts service calls matching criteria
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}

// CountFiredEvents counts events of one type
func (s *MockHAServer) CountFiredEvents(eventType string) int {
	return len(FilterFiredEvents(s.GetFiredEvents(), eventType))
}
