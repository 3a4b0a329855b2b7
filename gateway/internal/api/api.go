// Package api provides HTTP handlers for the gateway.
//
// # Endpoints
//
// Agent:
//   - GET  /ws/agent - Agent websocket (key-authenticated)
//
// Bridge:
//   - GET  /api/v1/status - Bridge and gateway health
//   - GET  /api/v1/agent/ping - Round-trip ping through the agent
//   - POST /api/v1/agent/key/rotate - Rotate the agent key
//
// Directory:
//   - POST /api/v1/sync - Trigger a directory sync
//   - GET  /api/v1/sync/runs - List recent sync runs
//   - GET  /api/v1/employees - List employees
//   - GET  /api/v1/employees/departments - List department names
//   - GET  /api/v1/employees/{id} - Get employee
//   - GET  /api/v1/employees/{id}/subordinates - Direct reports
//   - GET  /api/v1/employees/{id}/team - Full team, flattened
//   - GET  /api/v1/employees/{id}/org-tree - Reporting tree
//   - POST /api/v1/auth/login - Verify directory credentials
//
// Calendar:
//   - GET    /api/v1/calendar/{email} - Calendar events
//   - POST   /api/v1/meetings - Create meeting
//   - PUT    /api/v1/meetings/{id} - Update meeting
//   - DELETE /api/v1/meetings/{id} - Cancel meeting
//   - POST   /api/v1/scheduling/free-slots - Find common free slots
//   - POST   /api/v1/scheduling/free-busy - Raw busy intervals
//
// Health:
//   - GET /api/v1/health - Health check
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/orglink/bridge/gateway/internal/bridge"
	"github.com/orglink/bridge/gateway/internal/metrics"
	"github.com/orglink/bridge/gateway/internal/secrets"
	"github.com/orglink/bridge/gateway/internal/service"
	"github.com/orglink/bridge/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	svc       *service.Service
	hub       *bridge.Hub
	keys      secrets.KeyStore
	collector *metrics.Collector
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, hub *bridge.Hub, keys secrets.KeyStore, collector *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		hub:       hub,
		keys:      keys,
		collector: collector,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	// Agent websocket
	s.mux.HandleFunc("GET /ws/agent", s.handleAgentWebsocket)

	// Agent management
	s.mux.HandleFunc("GET /api/v1/agent/ping", s.handleAgentPing)
	s.mux.HandleFunc("POST /api/v1/agent/key/rotate", s.handleRotateAgentKey)

	// Directory sync
	s.mux.HandleFunc("POST /api/v1/sync", s.handleTriggerSync)
	s.mux.HandleFunc("GET /api/v1/sync/runs", s.handleListSyncRuns)

	// Employees - static routes must come before wildcard {id} routes
	s.mux.HandleFunc("GET /api/v1/employees", s.handleListEmployees)
	s.mux.HandleFunc("GET /api/v1/employees/departments", s.handleListDepartments)
	s.mux.HandleFunc("GET /api/v1/employees/{id}", s.handleGetEmployee)
	s.mux.HandleFunc("GET /api/v1/employees/{id}/subordinates", s.handleListSubordinates)
	s.mux.HandleFunc("GET /api/v1/employees/{id}/team", s.handleListTeam)
	s.mux.HandleFunc("GET /api/v1/employees/{id}/org-tree", s.handleOrgTree)

	// Authentication
	s.mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	// Calendar
	s.mux.HandleFunc("GET /api/v1/calendar/{email}", s.handleGetCalendar)
	s.mux.HandleFunc("POST /api/v1/meetings", s.handleCreateMeeting)
	s.mux.HandleFunc("PUT /api/v1/meetings/{id}", s.handleUpdateMeeting)
	s.mux.HandleFunc("DELETE /api/v1/meetings/{id}", s.handleDeleteMeeting)
	s.mux.HandleFunc("POST /api/v1/scheduling/free-slots", s.handleFindFreeSlots)
	s.mux.HandleFunc("POST /api/v1/scheduling/free-busy", s.handleGetFreeBusy)
}

// =============================================================================
// HEALTH AND STATUS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"bridge": s.svc.BridgeStatus(),
	}
	if s.collector != nil {
		resp["gateway"] = s.collector.GatewayHealth()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentPing(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Ping(r.Context())
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRotateAgentKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.RotateAgentKey(r.Context())
	if err != nil {
		s.logger.Error("key rotation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "key rotation failed")
		return
	}

	// The plaintext is returned once so the operator can re-deploy the
	// agent. It is not retrievable afterwards.
	s.writeJSON(w, http.StatusOK, map[string]any{
		"key":         key.Key,
		"fingerprint": key.Fingerprint,
		"rotated_at":  key.RotatedAt,
	})
}

// =============================================================================
// DIRECTORY SYNC
// =============================================================================

type syncRequest struct {
	Mode              string `json:"mode"`
	IncludePhoto      bool   `json:"include_photo"`
	RequireDepartment *bool  `json:"require_department"`
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength > 0 {
		if err := s.readJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	requireDepartment := true
	if req.RequireDepartment != nil {
		requireDepartment = *req.RequireDepartment
	}

	run, err := s.svc.SyncUsers(r.Context(), service.SyncOptions{
		Mode:              types.SyncMode(req.Mode),
		IncludePhoto:      req.IncludePhoto,
		RequireDepartment: requireDepartment,
		Triggered:         "api",
	})
	if err != nil {
		if run != nil {
			// Sync failed partway, the run record carries the error
			s.writeJSON(w, http.StatusBadGateway, run)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := s.svc.ListSyncRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sync runs failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	department := r.URL.Query().Get("department")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	employees, err := s.svc.ListEmployees(r.Context(), search, department, limit, offset)
	if err != nil {
		s.logger.Error("list employees failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list employees")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"employees": employees,
		"count":     len(employees),
	})
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := s.svc.ListDepartments(r.Context())
	if err != nil {
		s.logger.Error("list departments failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list departments")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"departments": departments})
}

func (s *Server) handleGetEmployee(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	employee, err := s.svc.GetEmployee(r.Context(), id)
	if err != nil {
		s.logger.Error("get employee failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get employee")
		return
	}
	if employee == nil {
		s.writeError(w, http.StatusNotFound, "employee not found")
		return
	}
	s.writeJSON(w, http.StatusOK, employee)
}

func (s *Server) handleListSubordinates(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	subordinates, err := s.svc.ListSubordinates(r.Context(), id)
	if err != nil {
		s.logger.Error("list subordinates failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list subordinates")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"subordinates": subordinates,
		"count":        len(subordinates),
	})
}

func (s *Server) handleListTeam(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	team, err := s.svc.TeamMembers(r.Context(), id)
	if err != nil {
		s.logger.Error("list team failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list team")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"members": team,
		"count":   len(team),
	})
}

func (s *Server) handleOrgTree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	tree, err := s.svc.OrgTree(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tree)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	employee, err := s.svc.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, bridge.ErrNotConnected) || errors.Is(err, bridge.ErrTimeout) {
			s.writeBridgeError(w, err)
			return
		}
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"user": employee})
}

// =============================================================================
// CALENDAR
// =============================================================================

func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	daysBack := queryInt(r, "days_back", 7)
	daysForward := queryInt(r, "days_forward", 30)

	events, err := s.svc.GetCalendar(r.Context(), email, daysBack, daysForward)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req types.MeetingRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := s.svc.CreateMeeting(r.Context(), req)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleUpdateMeeting(w http.ResponseWriter, r *http.Request) {
	var req types.MeetingRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ItemID = r.PathValue("id")
	if req.OrganizerEmail == "" {
		s.writeError(w, http.StatusBadRequest, "organizer_email is required")
		return
	}

	event, err := s.svc.UpdateMeeting(r.Context(), req)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleDeleteMeeting(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	organizer := r.URL.Query().Get("organizer")
	if organizer == "" {
		s.writeError(w, http.StatusBadRequest, "organizer query parameter is required")
		return
	}

	if err := s.svc.DeleteMeeting(r.Context(), organizer, itemID); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type freeSlotsRequest struct {
	Attendees       []string  `json:"attendees"`
	DurationMinutes int       `json:"duration_minutes"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
}

func (s *Server) handleFindFreeSlots(w http.ResponseWriter, r *http.Request) {
	var req freeSlotsRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Attendees) == 0 {
		s.writeError(w, http.StatusBadRequest, "attendees are required")
		return
	}

	slots, err := s.svc.FindFreeSlots(r.Context(), req.Attendees, req.DurationMinutes, req.Start, req.End)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"slots": slots,
		"count": len(slots),
	})
}

type freeBusyRequest struct {
	Emails []string  `json:"emails"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func (s *Server) handleGetFreeBusy(w http.ResponseWriter, r *http.Request) {
	var req freeBusyRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Emails) == 0 {
		s.writeError(w, http.StatusBadRequest, "emails are required")
		return
	}

	busy, err := s.svc.GetFreeBusy(r.Context(), req.Emails, req.Start, req.End)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"busy": busy})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeBridgeError maps bridge failures to distinct status codes so callers
// can tell "agent offline" from "agent slow" from "command failed".
func (s *Server) writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrDisconnected):
		s.writeError(w, http.StatusServiceUnavailable, "agent not connected")
	case errors.Is(err, bridge.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "agent command timed out")
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func queryInt(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
