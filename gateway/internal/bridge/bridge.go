// Package bridge owns the gateway side of the agent connection: one
// websocket at a time, a pending-call table keyed by request id, and the
// Invoke primitive the rest of the gateway uses to reach the private
// network.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orglink/bridge/pkg/types"
)

// Invoke failure conditions. Callers branch on these to distinguish
// transport problems from command-level failures.
var (
	ErrNotConnected = errors.New("agent not connected")
	ErrTimeout      = errors.New("command timed out")
	ErrDisconnected = errors.New("agent disconnected")
)

// Conn is the minimal connection surface the hub needs. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// callResult resolves one pending call. Either Result or Err is set.
type callResult struct {
	result map[string]any
	err    error
}

// Hub tracks the single live agent connection and all outstanding calls.
type Hub struct {
	logger *slog.Logger

	// writeMu serializes frame writes independent of the state mutex so a
	// slow write never blocks response handling.
	writeMu sync.Mutex

	mu            sync.Mutex
	conn          Conn
	connectedAt   *time.Time
	lastHeartbeat *time.Time
	agentVersion  string
	pending       map[string]chan callResult
}

// NewHub creates an empty hub with no connection attached.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "bridge"),
		pending: make(map[string]chan callResult),
	}
}

// Serve attaches conn as the live agent connection and reads frames until
// the connection drops or ctx is cancelled. A second connection replaces
// the first: the old conn is closed and its outstanding calls fail with
// ErrDisconnected.
func (h *Hub) Serve(ctx context.Context, conn Conn) {
	h.attach(conn)
	defer h.detach(conn)

	// Closing the conn is the only way to unblock a pending ReadMessage
	// when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("agent connection closed", "error", err)
			return
		}

		h.handleFrame(data)
	}
}

func (h *Hub) attach(conn Conn) {
	h.mu.Lock()
	old := h.conn
	h.conn = conn
	now := time.Now()
	h.connectedAt = &now
	h.lastHeartbeat = nil
	failed := h.takePendingLocked()
	h.mu.Unlock()

	if old != nil {
		h.logger.Warn("replacing existing agent connection")
		old.Close()
	}
	failAll(failed, ErrDisconnected)

	h.logger.Info("agent attached")
}

// detach clears the connection if conn is still current and fails every
// outstanding call. A stale detach (already replaced) is a no-op for hub
// state.
func (h *Hub) detach(conn Conn) {
	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	h.connectedAt = nil
	failed := h.takePendingLocked()
	h.mu.Unlock()

	conn.Close()
	failAll(failed, ErrDisconnected)

	h.logger.Info("agent detached", "failed_calls", len(failed))
}

func (h *Hub) takePendingLocked() []chan callResult {
	taken := make([]chan callResult, 0, len(h.pending))
	for id, ch := range h.pending {
		taken = append(taken, ch)
		delete(h.pending, id)
	}
	return taken
}

func failAll(chans []chan callResult, err error) {
	for _, ch := range chans {
		ch <- callResult{err: err}
	}
}

// Invoke sends a command to the agent and waits for its response, the
// timeout, or a disconnect, whichever comes first. When no agent is
// attached it fails fast without creating a pending call.
func (h *Hub) Invoke(ctx context.Context, command string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("invoke %s: timeout must be positive", command)
	}

	requestID := uuid.NewString()

	// Buffered so a resolver never blocks if the waiter has already left.
	ch := make(chan callResult, 1)

	h.mu.Lock()
	if h.conn == nil {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := h.conn
	h.pending[requestID] = ch
	h.mu.Unlock()

	frame := types.CommandFrame{
		Type:      types.FrameCommand,
		RequestID: requestID,
		Command:   command,
		Params:    params,
	}

	h.writeMu.Lock()
	err := conn.WriteJSON(frame)
	h.writeMu.Unlock()
	if err != nil {
		h.remove(requestID)
		return nil, fmt.Errorf("sending command: %w", err)
	}

	h.logger.Debug("command sent", "command", command, "request_id", requestID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		h.remove(requestID)
		// A response racing the timeout may have resolved the channel
		// after all; prefer it over reporting a timeout.
		select {
		case res := <-ch:
			return res.result, res.err
		default:
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		h.remove(requestID)
		return nil, ctx.Err()
	}
}

// remove deletes a pending call without resolving it.
func (h *Hub) remove(requestID string) {
	h.mu.Lock()
	delete(h.pending, requestID)
	h.mu.Unlock()
}

// handleFrame routes one inbound frame. Malformed frames are logged and
// dropped; they never tear down the connection.
func (h *Hub) handleFrame(data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("malformed frame from agent", "error", err)
		return
	}

	switch env.Type {
	case types.FrameResponse:
		var frame types.ResponseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("malformed response frame", "error", err)
			return
		}
		h.handleResponse(frame)
	case types.FrameHeartbeat:
		var frame types.HeartbeatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("malformed heartbeat frame", "error", err)
			return
		}
		h.handleHeartbeat(frame)
	default:
		h.logger.Debug("ignoring frame", "type", env.Type)
	}
}

// handleResponse resolves the matching pending call. A response with an
// unknown request id (late or duplicate) is dropped silently.
func (h *Hub) handleResponse(frame types.ResponseFrame) {
	h.mu.Lock()
	ch, ok := h.pending[frame.RequestID]
	if ok {
		delete(h.pending, frame.RequestID)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("response for unknown request", "request_id", frame.RequestID)
		return
	}

	if frame.Success {
		ch <- callResult{result: frame.Result}
		return
	}

	ch <- callResult{err: fmt.Errorf("%s: %s", frame.Command, failureText(frame))}
}

// failureText extracts the failure message. Some agent handlers populate
// only result["error"] instead of the top-level field, so both locations
// are checked.
func failureText(frame types.ResponseFrame) string {
	if frame.Error != "" {
		return frame.Error
	}
	if nested, ok := frame.Result["error"].(string); ok && nested != "" {
		return nested
	}
	return "unknown error"
}

func (h *Hub) handleHeartbeat(frame types.HeartbeatFrame) {
	h.mu.Lock()
	now := time.Now()
	h.lastHeartbeat = &now
	if frame.Version != "" {
		h.agentVersion = frame.Version
	}
	h.mu.Unlock()

	h.logger.Debug("heartbeat",
		"status", frame.Status,
		"agent_version", frame.Version,
		"memory_mb", frame.MemoryMB)
}

// Connected reports whether an agent connection is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Status returns the current connection view for the status endpoint.
func (h *Hub) Status() types.BridgeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := types.BridgeStatus{
		Connected:    h.conn != nil,
		PendingCalls: len(h.pending),
		AgentVersion: h.agentVersion,
	}
	if h.lastHeartbeat != nil {
		t := *h.lastHeartbeat
		status.LastHeartbeat = &t
	}
	if h.connectedAt != nil {
		t := *h.connectedAt
		status.ConnectedAt = &t
	}
	return status
}
