// Package dispatch routes command frames received over the bridge to the
// on-prem backends and produces exactly one response frame per command.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/orglink/bridge/agent/internal/directory"
	"github.com/orglink/bridge/agent/internal/schedule"
	"github.com/orglink/bridge/pkg/types"
)

// DirectoryService is the directory surface the dispatcher needs.
type DirectoryService interface {
	SearchUsers(opts directory.SearchOptions) (*types.SyncUsersPage, error)
	GetUserByEmail(email string) (*types.DirectoryUser, error)
	GetUserByDN(dn string) (*types.DirectoryUser, error)
	GetSubordinates(managerDN string) ([]types.DirectoryUser, error)
	Authenticate(username, password string) (*types.DirectoryUser, error)
}

// CalendarService is the groupware surface the dispatcher needs.
type CalendarService interface {
	GetCalendarEvents(ctx context.Context, email string, daysBack, daysForward int) ([]types.CalendarEvent, error)
	CreateMeeting(ctx context.Context, req types.MeetingRequest) (*types.CalendarEvent, error)
	UpdateMeeting(ctx context.Context, req types.MeetingRequest) (*types.CalendarEvent, error)
	DeleteMeeting(ctx context.Context, organizerEmail, itemID string) error
	GetFreeBusy(ctx context.Context, emails []string, start, end time.Time) (map[string][]types.BusyInterval, error)
}

// Handler executes one command and returns its result payload.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Dispatcher holds the command routing table.
type Dispatcher struct {
	directory DirectoryService
	calendar  CalendarService
	logger    *slog.Logger
	version   string
	startedAt time.Time
	handlers  map[string]Handler
}

// New creates a dispatcher with the built-in routing table.
func New(dir DirectoryService, cal CalendarService, version string, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		directory: dir,
		calendar:  cal,
		logger:    logger.With("component", "dispatch"),
		version:   version,
		startedAt: time.Now(),
	}
	d.handlers = map[string]Handler{
		types.CmdPing:            d.handlePing,
		types.CmdSyncUsers:       d.handleSyncUsers,
		types.CmdGetUser:         d.handleGetUser,
		types.CmdAuthenticate:    d.handleAuthenticate,
		types.CmdGetSubordinates: d.handleGetSubordinates,
		types.CmdGetCalendar:     d.handleGetCalendar,
		types.CmdCreateMeeting:   d.handleCreateMeeting,
		types.CmdUpdateMeeting:   d.handleUpdateMeeting,
		types.CmdDeleteMeeting:   d.handleDeleteMeeting,
		types.CmdFindFreeSlots:   d.handleFindFreeSlots,
		types.CmdGetFreeBusy:     d.handleGetFreeBusy,
	}
	return d
}

// Commands returns the sorted-insertion set of routable command names.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch executes a command frame and always returns a response frame.
// Handler errors become failure responses, never panics or dropped frames.
func (d *Dispatcher) Dispatch(ctx context.Context, frame types.CommandFrame) types.ResponseFrame {
	resp := types.ResponseFrame{
		Type:      types.FrameResponse,
		RequestID: frame.RequestID,
		Command:   frame.Command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	handler, ok := d.handlers[frame.Command]
	if !ok {
		d.logger.Warn("unknown command", "command", frame.Command, "request_id", frame.RequestID)
		resp.Error = fmt.Sprintf("unknown command: %s", frame.Command)
		return resp
	}

	start := time.Now()
	result, err := handler(ctx, frame.Params)
	if err != nil {
		d.logger.Error("command failed",
			"command", frame.Command,
			"request_id", frame.RequestID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		resp.Error = err.Error()
		return resp
	}

	d.logger.Info("command handled",
		"command", frame.Command,
		"request_id", frame.RequestID,
		"duration_ms", time.Since(start).Milliseconds())

	resp.Success = true
	resp.Result = result
	return resp
}

func (d *Dispatcher) handlePing(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		"message":        "pong",
		"version":        d.version,
		"uptime_seconds": int(time.Since(d.startedAt).Seconds()),
	}, nil
}

func (d *Dispatcher) handleSyncUsers(_ context.Context, params map[string]any) (map[string]any, error) {
	page, err := d.directory.SearchUsers(directory.SearchOptions{
		Offset:            getInt(params, "offset", 0),
		Limit:             getInt(params, "limit", 100),
		IncludePhoto:      getBool(params, "include_photo", false),
		RequireEmail:      getBool(params, "require_email", true),
		RequireDepartment: getBool(params, "require_department", true),
	})
	if err != nil {
		return nil, err
	}
	return toMap(page)
}

func (d *Dispatcher) handleGetUser(_ context.Context, params map[string]any) (map[string]any, error) {
	email := getString(params, "email", "")
	dn := getString(params, "dn", "")
	if email == "" && dn == "" {
		return nil, fmt.Errorf("email or dn is required")
	}

	var (
		user *types.DirectoryUser
		err  error
		key  string
	)
	if email != "" {
		user, err = d.directory.GetUserByEmail(email)
		key = email
	} else {
		user, err = d.directory.GetUserByDN(dn)
		key = dn
	}
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user not found: %s", key)
	}
	return toMap(map[string]any{"user": user})
}

func (d *Dispatcher) handleAuthenticate(_ context.Context, params map[string]any) (map[string]any, error) {
	username := getString(params, "username", "")
	password := getString(params, "password", "")
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	user, err := d.directory.Authenticate(username, password)
	if err != nil {
		// Do not leak directory internals to the cloud side.
		d.logger.Info("authentication rejected", "username", username, "reason", err)
		return nil, fmt.Errorf("invalid credentials")
	}
	return toMap(map[string]any{"authenticated": true, "user": user})
}

func (d *Dispatcher) handleGetSubordinates(_ context.Context, params map[string]any) (map[string]any, error) {
	managerDN := getString(params, "manager_dn", "")
	if managerDN == "" {
		email := getString(params, "manager_email", "")
		if email == "" {
			return nil, fmt.Errorf("manager_dn or manager_email is required")
		}
		manager, err := d.directory.GetUserByEmail(email)
		if err != nil {
			return nil, err
		}
		if manager == nil {
			return nil, fmt.Errorf("manager not found: %s", email)
		}
		managerDN = manager.DN
	}

	users, err := d.directory.GetSubordinates(managerDN)
	if err != nil {
		return nil, err
	}
	return toMap(map[string]any{"subordinates": users, "count": len(users)})
}

func (d *Dispatcher) handleGetCalendar(ctx context.Context, params map[string]any) (map[string]any, error) {
	email := getString(params, "email", "")
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	events, err := d.calendar.GetCalendarEvents(ctx, email,
		getInt(params, "days_back", 7),
		getInt(params, "days_forward", 30))
	if err != nil {
		return nil, err
	}
	return toMap(map[string]any{"events": events, "count": len(events)})
}

func (d *Dispatcher) handleCreateMeeting(ctx context.Context, params map[string]any) (map[string]any, error) {
	req, err := meetingRequest(params)
	if err != nil {
		return nil, err
	}

	event, err := d.calendar.CreateMeeting(ctx, req)
	if err != nil {
		return nil, err
	}
	return toMap(map[string]any{"event": event})
}

func (d *Dispatcher) handleUpdateMeeting(ctx context.Context, params map[string]any) (map[string]any, error) {
	req, err := meetingRequest(params)
	if err != nil {
		return nil, err
	}

	event, err := d.calendar.UpdateMeeting(ctx, req)
	if err != nil {
		return nil, err
	}
	return toMap(map[string]any{"event": event})
}

func (d *Dispatcher) handleDeleteMeeting(ctx context.Context, params map[string]any) (map[string]any, error) {
	itemID := getString(params, "item_id", "")
	if itemID == "" {
		return nil, fmt.Errorf("item_id is required")
	}

	err := d.calendar.DeleteMeeting(ctx, getString(params, "organizer_email", ""), itemID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "item_id": itemID}, nil
}

func (d *Dispatcher) handleFindFreeSlots(ctx context.Context, params map[string]any) (map[string]any, error) {
	attendees := getStringSlice(params, "emails")
	if len(attendees) == 0 {
		// Older gateways sent the list under "attendees"
		attendees = getStringSlice(params, "attendees")
	}
	if len(attendees) == 0 {
		return nil, fmt.Errorf("emails is required")
	}

	duration := time.Duration(getInt(params, "duration_minutes", 30)) * time.Minute

	now := time.Now().UTC()
	start, err := getTime(params, "start", now)
	if err != nil {
		return nil, err
	}
	end, err := getTime(params, "end", now.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end must be after start")
	}

	busyByEmail, err := d.calendar.GetFreeBusy(ctx, attendees, start, end)
	if err != nil {
		return nil, err
	}

	slots := schedule.FindFreeSlots(schedule.MergeBusy(busyByEmail), duration, start, end)
	return toMap(map[string]any{
		"slots":     slots,
		"count":     len(slots),
		"attendees": len(attendees),
	})
}

func (d *Dispatcher) handleGetFreeBusy(ctx context.Context, params map[string]any) (map[string]any, error) {
	emails := getStringSlice(params, "emails")
	if len(emails) == 0 {
		return nil, fmt.Errorf("emails is required")
	}

	now := time.Now().UTC()
	start, err := getTime(params, "start", now)
	if err != nil {
		return nil, err
	}
	end, err := getTime(params, "end", now.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	busy, err := d.calendar.GetFreeBusy(ctx, emails, start, end)
	if err != nil {
		return nil, err
	}
	return toMap(map[string]any{"busy": busy})
}

func meetingRequest(params map[string]any) (types.MeetingRequest, error) {
	req := types.MeetingRequest{
		OrganizerEmail: getString(params, "organizer_email", ""),
		ItemID:         getString(params, "item_id", ""),
		Subject:        getString(params, "subject", ""),
		Body:           getString(params, "body", ""),
		Location:       getString(params, "location", ""),
		Attendees:      getStringSlice(params, "attendees"),
	}

	var err error
	if req.Start, err = getTime(params, "start", time.Time{}); err != nil {
		return req, err
	}
	if req.End, err = getTime(params, "end", time.Time{}); err != nil {
		return req, err
	}
	return req, nil
}

// Params arrive as generic JSON, so numbers are float64 and slices are []any.

func getString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return fallback
}

func getInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func getBool(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func getStringSlice(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getTime(params map[string]any, key string, fallback time.Time) (time.Time, error) {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}

// toMap converts a result value into the generic payload shape carried by
// response frames.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return out, nil
}
