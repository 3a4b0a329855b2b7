// Package service implements gateway business logic on top of the bridge
// hub and the employee store.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/orglink/bridge/gateway/internal/cache"
	"github.com/orglink/bridge/gateway/internal/store"
	"github.com/orglink/bridge/pkg/types"
)

// Default invoke deadlines per command class. Directory page fetches are
// slow against large OUs, calendar reads are not.
const (
	DefaultCommandTimeout = 30 * time.Second
	SyncPageTimeout       = 120 * time.Second
	CalendarTimeout       = 45 * time.Second
)

const calendarCacheTTL = 2 * time.Minute

// EmployeeStore is the persistence surface the service needs.
type EmployeeStore interface {
	GetEmployee(ctx context.Context, id string) (*types.Employee, error)
	GetEmployeeByEmail(ctx context.Context, email string) (*types.Employee, error)
	ListEmployees(ctx context.Context, search, department string, limit, offset int) ([]types.Employee, error)
	ListDepartments(ctx context.Context) ([]string, error)
	GetEmailIndex(ctx context.Context) (map[string]string, error)
	UpsertEmployees(ctx context.Context, users []types.DirectoryUser, includePhoto bool) error
	ListDirectoryRefs(ctx context.Context) ([]store.DirectoryRef, error)
	SetManager(ctx context.Context, employeeID, managerID string) error
	ListSubordinates(ctx context.Context, managerID string) ([]types.Employee, error)
	CreateSyncRun(ctx context.Context, run *types.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error)
}

// Invoker is the bridge surface the service needs.
type Invoker interface {
	Invoke(ctx context.Context, command string, params map[string]any, timeout time.Duration) (map[string]any, error)
	Status() types.BridgeStatus
}

// ResponseCache caches serialized agent responses.
type ResponseCache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) error
}

// Service provides gateway business logic.
type Service struct {
	store  EmployeeStore
	bridge Invoker
	cache  ResponseCache // may be nil
	logger *slog.Logger
}

// New creates a new service. cache may be nil to disable response caching.
func New(st EmployeeStore, bridge Invoker, cache ResponseCache, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		bridge: bridge,
		cache:  cache,
		logger: logger.With("component", "service"),
	}
}

// BridgeStatus returns the current agent connection view.
func (s *Service) BridgeStatus() types.BridgeStatus {
	return s.bridge.Status()
}

// Ping round-trips a ping through the agent.
func (s *Service) Ping(ctx context.Context) (map[string]any, error) {
	return s.bridge.Invoke(ctx, types.CmdPing, nil, DefaultCommandTimeout)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// GetEmployee returns a stored employee by id.
func (s *Service) GetEmployee(ctx context.Context, id string) (*types.Employee, error) {
	return s.store.GetEmployee(ctx, id)
}

// GetEmployeeByEmail returns a stored employee by email, case-insensitive.
func (s *Service) GetEmployeeByEmail(ctx context.Context, email string) (*types.Employee, error) {
	return s.store.GetEmployeeByEmail(ctx, email)
}

// ListEmployees returns stored employees matching the filters.
func (s *Service) ListEmployees(ctx context.Context, search, department string, limit, offset int) ([]types.Employee, error) {
	return s.store.ListEmployees(ctx, search, department, limit, offset)
}

// ListSubordinates returns the direct reports of an employee.
func (s *Service) ListSubordinates(ctx context.Context, managerID string) ([]types.Employee, error) {
	return s.store.ListSubordinates(ctx, managerID)
}

// ListDepartments returns the distinct department names.
func (s *Service) ListDepartments(ctx context.Context) ([]string, error) {
	return s.store.ListDepartments(ctx)
}

// ListSyncRuns returns recent reconciliation passes.
func (s *Service) ListSyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error) {
	return s.store.ListSyncRuns(ctx, limit)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Authenticate verifies user credentials against the directory through the
// agent and returns the stored employee when one exists for the directory
// identity.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*types.Employee, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password required")
	}

	result, err := s.bridge.Invoke(ctx, types.CmdAuthenticate, map[string]any{
		"username": username,
		"password": password,
	}, DefaultCommandTimeout)
	if err != nil {
		return nil, err
	}

	var identity struct {
		User *types.DirectoryUser `json:"user"`
	}
	if err := decodeResult(result, &identity); err != nil {
		return nil, err
	}
	if identity.User == nil {
		return nil, fmt.Errorf("authentication returned no identity")
	}

	if identity.User.Email != "" {
		employee, err := s.store.GetEmployeeByEmail(ctx, identity.User.Email)
		if err != nil {
			return nil, fmt.Errorf("looking up employee: %w", err)
		}
		if employee != nil {
			return employee, nil
		}
	}

	// Valid directory identity without a synced employee row. Return a
	// transient record so login still works before the first sync.
	return &types.Employee{
		Name:  identity.User.Name,
		Email: identity.User.Email,
		Login: identity.User.Login,
	}, nil
}

// =============================================================================
// CALENDAR
// =============================================================================

// GetCalendar fetches a mailbox calendar through the agent. Reads are
// cached briefly; writes invalidate the mailbox's entries.
func (s *Service) GetCalendar(ctx context.Context, email string, daysBack, daysForward int) ([]types.CalendarEvent, error) {
	cacheKey := cache.CalendarKey(email, daysBack, daysForward)
	if s.cache != nil {
		var cached []types.CalendarEvent
		if hit, err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	result, err := s.bridge.Invoke(ctx, types.CmdGetCalendar, map[string]any{
		"email":        email,
		"days_back":    daysBack,
		"days_forward": daysForward,
	}, CalendarTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Events []types.CalendarEvent `json:"events"`
	}
	if err := decodeResult(result, &payload); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, payload.Events, calendarCacheTTL); err != nil {
			s.logger.Warn("calendar cache write failed", "error", err)
		}
	}
	return payload.Events, nil
}

// CreateMeeting creates a meeting through the agent.
func (s *Service) CreateMeeting(ctx context.Context, req types.MeetingRequest) (*types.CalendarEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.meetingWrite(ctx, types.CmdCreateMeeting, req)
}

// UpdateMeeting updates a meeting through the agent.
func (s *Service) UpdateMeeting(ctx context.Context, req types.MeetingRequest) (*types.CalendarEvent, error) {
	if req.ItemID == "" {
		return nil, fmt.Errorf("item_id is required")
	}
	return s.meetingWrite(ctx, types.CmdUpdateMeeting, req)
}

func (s *Service) meetingWrite(ctx context.Context, command string, req types.MeetingRequest) (*types.CalendarEvent, error) {
	params := map[string]any{
		"organizer_email": req.OrganizerEmail,
		"subject":         req.Subject,
		"body":            req.Body,
		"location":        req.Location,
		"attendees":       req.Attendees,
	}
	if req.ItemID != "" {
		params["item_id"] = req.ItemID
	}
	if !req.Start.IsZero() {
		params["start"] = req.Start.UTC().Format(time.RFC3339)
	}
	if !req.End.IsZero() {
		params["end"] = req.End.UTC().Format(time.RFC3339)
	}

	result, err := s.bridge.Invoke(ctx, command, params, CalendarTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Event *types.CalendarEvent `json:"event"`
	}
	if err := decodeResult(result, &payload); err != nil {
		return nil, err
	}

	s.invalidateCalendar(ctx, req.OrganizerEmail)
	return payload.Event, nil
}

// DeleteMeeting cancels a meeting through the agent.
func (s *Service) DeleteMeeting(ctx context.Context, organizerEmail, itemID string) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	_, err := s.bridge.Invoke(ctx, types.CmdDeleteMeeting, map[string]any{
		"organizer_email": organizerEmail,
		"item_id":         itemID,
	}, CalendarTimeout)
	if err != nil {
		return err
	}

	s.invalidateCalendar(ctx, organizerEmail)
	return nil
}

func (s *Service) invalidateCalendar(ctx context.Context, email string) {
	if s.cache == nil || email == "" {
		return
	}
	if err := s.cache.DeletePattern(ctx, cache.CalendarPattern(email)); err != nil {
		s.logger.Warn("calendar cache invalidation failed", "email", email, "error", err)
	}
}

// FindFreeSlots asks the agent for common availability.
func (s *Service) FindFreeSlots(ctx context.Context, attendees []string, durationMinutes int, start, end time.Time) ([]types.FreeSlot, error) {
	if len(attendees) == 0 {
		return nil, fmt.Errorf("attendees required")
	}

	params := map[string]any{
		"emails":           attendees,
		"duration_minutes": durationMinutes,
	}
	if !start.IsZero() {
		params["start"] = start.UTC().Format(time.RFC3339)
	}
	if !end.IsZero() {
		params["end"] = end.UTC().Format(time.RFC3339)
	}

	result, err := s.bridge.Invoke(ctx, types.CmdFindFreeSlots, params, CalendarTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Slots []types.FreeSlot `json:"slots"`
	}
	if err := decodeResult(result, &payload); err != nil {
		return nil, err
	}
	return payload.Slots, nil
}

// GetFreeBusy returns raw busy intervals per mailbox.
func (s *Service) GetFreeBusy(ctx context.Context, emails []string, start, end time.Time) (map[string][]types.BusyInterval, error) {
	if len(emails) == 0 {
		return nil, fmt.Errorf("emails required")
	}

	result, err := s.bridge.Invoke(ctx, types.CmdGetFreeBusy, map[string]any{
		"emails": emails,
		"start":  start.UTC().Format(time.RFC3339),
		"end":    end.UTC().Format(time.RFC3339),
	}, CalendarTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Busy map[string][]types.BusyInterval `json:"busy"`
	}
	if err := decodeResult(result, &payload); err != nil {
		return nil, err
	}
	return payload.Busy, nil
}

// decodeResult converts a generic invoke payload into a typed struct.
func decodeResult(result map[string]any, v any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("decoding agent result: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding agent result: %w", err)
	}
	return nil
}
