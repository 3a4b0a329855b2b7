// Package types defines the core domain types shared between the agent and
// the gateway.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for wire transport
// 3. The wire envelopes are the protocol; both endpoints decode the same structs
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// WIRE ENVELOPES
// =============================================================================

// Frame type discriminators for bridge messages.
const (
	FrameCommand   = "command"
	FrameResponse  = "response"
	FrameHeartbeat = "heartbeat"
)

// CommandFrame is sent from the gateway to the agent to invoke an operation.
//
// RequestID is a UUID generated by the gateway, unique per outstanding call.
// It is never reused while a call with that id is pending.
type CommandFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
}

// ResponseFrame is the agent's reply to a CommandFrame. Exactly one response
// is produced per command, or none if the agent drops before responding.
type ResponseFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Command   string         `json:"command"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// HeartbeatFrame is the agent's periodic liveness signal. It carries no
// request id and expects no reply.
type HeartbeatFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`

	// Agent telemetry, informational only.
	Version        string  `json:"version,omitempty"`
	MemoryMB       float64 `json:"memory_mb,omitempty"`
	GoroutineCount int     `json:"goroutine_count,omitempty"`
}

// Envelope is the minimal decode used to discriminate frame types before
// unmarshaling into the concrete struct.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// =============================================================================
// COMMAND NAMES
// =============================================================================

// Command names understood by the agent dispatcher.
const (
	CmdPing            = "ping"
	CmdSyncUsers       = "sync_users"
	CmdGetUser         = "get_user"
	CmdAuthenticate    = "authenticate"
	CmdGetSubordinates = "get_subordinates"
	CmdGetCalendar     = "get_calendar"
	CmdCreateMeeting   = "create_meeting"
	CmdUpdateMeeting   = "update_meeting"
	CmdDeleteMeeting   = "delete_meeting"
	CmdFindFreeSlots   = "find_free_slots"
	CmdGetFreeBusy     = "get_free_busy"
)

// =============================================================================
// DIRECTORY
// =============================================================================

// DirectoryUser is the normalized representation of one enterprise-directory
// entry. ManagerDN is a weak reference by identifier string; it is resolved
// into a parent/child relationship only during reconciliation and may dangle
// when the manager falls outside the filtered set.
type DirectoryUser struct {
	DN          string `json:"dn"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Login       string `json:"login"`
	UPN         string `json:"upn,omitempty"`
	Title       string `json:"title,omitempty"`
	Department  string `json:"department,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Mobile      string `json:"mobile,omitempty"`
	ManagerDN   string `json:"manager_dn,omitempty"`
	PhotoBase64 string `json:"photo_base64,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// EmailKey returns the case-insensitive dedup key for a directory user.
func (u DirectoryUser) EmailKey() string {
	return strings.ToLower(strings.TrimSpace(u.Email))
}

// SyncStats are the aggregate counters for a directory sync. The set-level
// counters (TotalInDirectory through FilteredOut) come from the agent with
// every sync_users page and describe the whole pre-filtered set; the
// write-side counters are owned by the reconciler.
type SyncStats struct {
	TotalInDirectory  int `json:"total_in_ad"`
	WithDepartment    int `json:"with_department"`
	WithoutDepartment int `json:"without_department"`
	FilteredOut       int `json:"filtered_out"`

	NewUsers        int `json:"new_users"`
	UpdatedUsers    int `json:"updated_users"`
	SkippedExisting int `json:"skipped_existing"`
	ManagersUpdated int `json:"managers_updated"`
	Pages           int `json:"pages"`
}

// SyncUsersPage is the result payload of one sync_users command.
type SyncUsersPage struct {
	Users   []DirectoryUser `json:"users"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
	Stats   SyncStats       `json:"stats"`
}

// SyncMode selects which fetched records the reconciler writes.
type SyncMode string

const (
	// SyncModeFull replaces or updates every returned record.
	SyncModeFull SyncMode = "full"
	// SyncModeNewOnly skips records whose email already exists in the store.
	SyncModeNewOnly SyncMode = "new_only"
	// SyncModeChanges updates existing records and inserts new ones.
	SyncModeChanges SyncMode = "changes"
)

// Valid reports whether the mode is one of the known sync modes.
func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeFull, SyncModeNewOnly, SyncModeChanges:
		return true
	}
	return false
}

// Employee is a directory user as stored on the gateway side, with the
// resolved manager link.
type Employee struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	Position    string  `json:"position,omitempty"`
	Department  string  `json:"department,omitempty"`
	Login       string  `json:"login,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Mobile      string  `json:"mobile,omitempty"`
	DirectoryDN *string `json:"directory_dn,omitempty"`
	ManagerDN   *string `json:"manager_dn,omitempty"`
	ManagerID   *string `json:"manager_id,omitempty"`
	PhotoBase64 string  `json:"photo_base64,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrgNode is one node of the manager/subordinate tree.
type OrgNode struct {
	Employee
	Subordinates []*OrgNode `json:"subordinates"`
}

// SyncRun records one reconciliation pass for diagnostics.
type SyncRun struct {
	ID        string        `json:"id"`
	Mode      SyncMode      `json:"mode"`
	Stats     SyncStats     `json:"stats"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Triggered string        `json:"triggered"` // "api" or "worker"
}

// =============================================================================
// CALENDAR
// =============================================================================

// CalendarEvent is the normalized groupware event representation.
type CalendarEvent struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Location    string     `json:"location,omitempty"`
	Organizer   *Person    `json:"organizer,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	IsRecurring bool       `json:"is_recurring"`
	IsCancelled bool       `json:"is_cancelled"`
}

// Person identifies an event organizer.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attendee is a meeting participant.
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Response string `json:"response,omitempty"`
	Optional bool   `json:"optional"`
}

// BusyInterval is one busy period in a mailbox's free-busy view.
type BusyInterval struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status,omitempty"`
}

// FreeSlot is a time interval of at least the requested duration during
// which none of the specified attendees has a conflicting event.
type FreeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the slot length.
func (s FreeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// MeetingRequest carries the parameters for create_meeting and
// update_meeting commands.
type MeetingRequest struct {
	OrganizerEmail string    `json:"organizer_email"`
	ItemID         string    `json:"item_id,omitempty"` // update/delete only
	Subject        string    `json:"subject"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Attendees      []string  `json:"attendees,omitempty"`
	Body           string    `json:"body,omitempty"`
	Location       string    `json:"location,omitempty"`
}

// Validate checks the request for meeting creation.
func (r MeetingRequest) Validate() error {
	if r.OrganizerEmail == "" {
		return fmt.Errorf("organizer_email is required")
	}
	if r.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end must be after start")
	}
	return nil
}

// =============================================================================
// BRIDGE STATUS
// =============================================================================

// BridgeStatus describes the gateway's view of the agent connection.
type BridgeStatus struct {
	Connected     bool       `json:"connected"`
	PendingCalls  int        `json:"pending_calls"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	AgentVersion  string     `json:"agent_version,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
}

// GatewayHealth is the process-level health of the gateway, served by the
// status endpoint alongside BridgeStatus.
type GatewayHealth struct {
	Status         string  `json:"status"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       float64 `json:"memory_mb"`
	MemoryPercent  float64 `json:"memory_percent"`
	GoroutineCount int     `json:"goroutine_count"`
}
