package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"alexamedia/internal/account"
	"alexamedia/internal/alexa"
	"alexamedia/internal/poller"
	"alexamedia/internal/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Accounts is the account table served by the API.
type Accounts interface {
	Accounts() []*account.State
	Get(email string) (*account.State, error)
	UpdateLastCalled(ctx context.Context, email string) error
	ForceLogout(ctx context.Context, email string) error
	Relogin(ctx context.Context, email string) error
	Refresh(ctx context.Context, email string) error
}

// Server provides HTTP API endpoints for the account state
type Server struct {
	accounts Accounts
	logger   *zap.Logger
	router   chi.Router
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(accounts Accounts, logger *zap.Logger, port int) *Server {
	s := &Server{
		accounts: accounts,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Route("/api/accounts", func(r chi.Router) {
		r.Get("/", s.handleListAccounts)
		r.Route("/{email}", func(r chi.Router) {
			r.Get("/devices", s.handleDevices)
			r.Get("/notifications", s.handleNotifications)
			r.Get("/diagnostics", s.handleDiagnostics)
			r.Post("/last_called", s.service(Accounts.UpdateLastCalled))
			r.Post("/logout", s.service(Accounts.ForceLogout))
			r.Post("/relogin", s.service(Accounts.Relogin))
			r.Post("/refresh", s.service(Accounts.Refresh))
		})
	})
	r.NotFound(s.handleSitemap)
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", redactPath(r.URL.Path)),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// redactPath hides the account email in /api/accounts/{email}/... paths.
func redactPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 3 && parts[1] == "api" && parts[2] == "accounts" && parts[3] != "" {
		parts[3] = alexa.HideEmail(parts[3])
	}
	return strings.Join(parts, "/")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, account.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, poller.ErrReloginRequired), errors.Is(err, alexa.ErrLoginRequired):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, poller.ErrPollTimeout):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*account.State, bool) {
	st, err := s.accounts.Get(chi.URLParam(r, "email"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return st, true
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": len(s.accounts.Accounts()),
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.accounts.Accounts()
	summaries := make([]account.Summary, 0, len(accounts))
	for _, st := range accounts {
		summaries = append(summaries, st.Summary())
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	devices := st.Registry.Devices()
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":    st.Notifications.State().String(),
		"pending":  st.Notifications.Pending(),
		"snapshot": st.Notifications.Snapshot(),
	})
}

// Diagnostics is the redacted dump of an account.
type Diagnostics struct {
	Account      account.Summary      `json:"account"`
	Devices      []DiagnosticDevice   `json:"devices"`
	Filtered     int                  `json:"filtered_devices"`
	PushCommands map[string]time.Time `json:"push_commands"`
}

// DiagnosticDevice is a device with identifiers hidden.
type DiagnosticDevice struct {
	Serial      string   `json:"serial"`
	Family      string   `json:"family"`
	Type        string   `json:"type"`
	Online      bool     `json:"online"`
	Group       bool     `json:"group"`
	AppDevices  int      `json:"app_devices"`
	PlayerState string   `json:"player_state,omitempty"`
	Volume      *float64 `json:"volume,omitempty"`
	DND         *bool    `json:"dnd,omitempty"`
}

func redactDevice(d registry.Device) DiagnosticDevice {
	return DiagnosticDevice{
		Serial:      alexa.HideSerial(d.Serial),
		Family:      d.Family,
		Type:        d.Type,
		Online:      d.Online,
		Group:       d.IsGroup(),
		AppDevices:  len(d.AppDevices),
		PlayerState: d.PlayerState,
		Volume:      d.Volume,
		DND:         d.DND,
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}

	devices := st.Registry.Devices()
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })

	diag := Diagnostics{
		Account:      st.Summary(),
		Devices:      make([]DiagnosticDevice, 0, len(devices)),
		Filtered:     len(st.Registry.Excluded()),
		PushCommands: st.Router.SeenCommands(),
	}
	for _, d := range devices {
		diag.Devices = append(diag.Devices, redactDevice(d))
	}
	s.writeJSON(w, http.StatusOK, diag)
}

// service adapts an account service to a POST handler.
func (s *Server) service(call func(Accounts, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := call(s.accounts, r.Context(), email); err != nil {
			s.logger.Warn("Service call failed",
				zap.String("path", redactPath(r.URL.Path)),
				zap.Error(err))
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint"},
	{Path: "/api/accounts", Method: "GET", Description: "Loaded accounts with push and poll status"},
	{Path: "/api/accounts/{email}/devices", Method: "GET", Description: "Reconciled devices of an account"},
	{Path: "/api/accounts/{email}/notifications", Method: "GET", Description: "Alarm, timer and reminder snapshot"},
	{Path: "/api/accounts/{email}/diagnostics", Method: "GET", Description: "Redacted diagnostics dump"},
	{Path: "/api/accounts/{email}/last_called", Method: "POST", Description: "Force a last called update"},
	{Path: "/api/accounts/{email}/logout", Method: "POST", Description: "Delete stored cookies and require relogin"},
	{Path: "/api/accounts/{email}/relogin", Method: "POST", Description: "Validate the session again and resume"},
	{Path: "/api/accounts/{email}/refresh", Method: "POST", Description: "Run a poll cycle now"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if r.URL.Path != "/" {
		status = http.StatusNotFound
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, status, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "Alexa Media API\n")
	fmt.Fprintf(w, "===============\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-40s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost:8081/api/accounts | jq\n")
	fmt.Fprintf(w, "  curl -X POST http://localhost:8081/api/accounts/you@example.com/refresh\n\n")
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
