package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orglink/bridge/pkg/types"
)

// fakeConn feeds inbound frames from a channel and records written command
// frames.
type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written []types.CommandFrame
	closed  bool

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	if frame, ok := v.(types.CommandFrame); ok {
		c.written = append(c.written, frame)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.in)
	})
	return nil
}

// lastCommand waits for the nth written command frame.
func (c *fakeConn) lastCommand(t *testing.T, n int) types.CommandFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.written) >= n {
			frame := c.written[n-1]
			c.mu.Unlock()
			return frame
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no command frame %d written", n)
	return types.CommandFrame{}
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// startServe runs Serve on a goroutine and returns a wait func.
func startServe(hub *Hub, conn *fakeConn) func() {
	done := make(chan struct{})
	go func() {
		hub.Serve(context.Background(), conn)
		close(done)
	}()
	return func() { <-done }
}

func waitConnected(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Connected() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("hub never connected")
}

func TestServeReturnsOnContextCancel(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Serve(ctx, conn)
		close(done)
	}()
	waitConnected(t, hub)

	// No inbound frames: Serve is parked in ReadMessage when we cancel.
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("connection not closed on context cancel")
	}
	if hub.Connected() {
		t.Error("hub still reports connected")
	}
}

func TestInvokeNotConnected(t *testing.T) {
	hub := newTestHub()

	_, err := hub.Invoke(context.Background(), "ping", nil, time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if hub.Status().PendingCalls != 0 {
		t.Error("failed fast invoke must not create a pending call")
	}
}

func TestInvokeRejectsNonPositiveTimeout(t *testing.T) {
	hub := newTestHub()
	if _, err := hub.Invoke(context.Background(), "ping", nil, 0); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}

func TestInvokeSuccess(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	type invokeResult struct {
		result map[string]any
		err    error
	}
	resCh := make(chan invokeResult, 1)
	go func() {
		result, err := hub.Invoke(context.Background(), "ping", map[string]any{"x": 1}, 2*time.Second)
		resCh <- invokeResult{result, err}
	}()

	cmd := conn.lastCommand(t, 1)
	if cmd.Type != types.FrameCommand || cmd.Command != "ping" {
		t.Fatalf("unexpected frame %+v", cmd)
	}
	if cmd.RequestID == "" {
		t.Fatal("request id not set")
	}

	conn.push(t, types.ResponseFrame{
		Type:      types.FrameResponse,
		RequestID: cmd.RequestID,
		Command:   "ping",
		Success:   true,
		Result:    map[string]any{"message": "pong"},
	})

	res := <-resCh
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.result["message"] != "pong" {
		t.Errorf("unexpected result %v", res.result)
	}
	if hub.Status().PendingCalls != 0 {
		t.Error("pending call not cleaned up")
	}

	conn.Close()
	wait()
}

func TestInvokeFailureErrorLocations(t *testing.T) {
	tests := []struct {
		name  string
		frame func(requestID string) types.ResponseFrame
		want  string
	}{
		{
			name: "top-level error field",
			frame: func(id string) types.ResponseFrame {
				return types.ResponseFrame{Type: types.FrameResponse, RequestID: id, Command: "get_user", Error: "user not found"}
			},
			want: "user not found",
		},
		{
			name: "error nested in result",
			frame: func(id string) types.ResponseFrame {
				return types.ResponseFrame{Type: types.FrameResponse, RequestID: id, Command: "get_user", Result: map[string]any{"error": "directory unreachable"}}
			},
			want: "directory unreachable",
		},
		{
			name: "no error in either location",
			frame: func(id string) types.ResponseFrame {
				return types.ResponseFrame{Type: types.FrameResponse, RequestID: id, Command: "get_user"}
			},
			want: "unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub()
			conn := newFakeConn()
			wait := startServe(hub, conn)
			waitConnected(t, hub)

			errCh := make(chan error, 1)
			go func() {
				_, err := hub.Invoke(context.Background(), "get_user", nil, 2*time.Second)
				errCh <- err
			}()

			cmd := conn.lastCommand(t, 1)
			conn.push(t, tt.frame(cmd.RequestID))

			err := <-errCh
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got %q", tt.want, err)
			}

			conn.Close()
			wait()
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	start := time.Now()
	_, err := hub.Invoke(context.Background(), "slow_command", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far longer than requested")
	}
	if hub.Status().PendingCalls != 0 {
		t.Error("pending call not removed after timeout")
	}

	conn.Close()
	wait()
}

func TestLateResponseAfterTimeoutDropped(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	_, err := hub.Invoke(context.Background(), "slow_command", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	cmd := conn.lastCommand(t, 1)

	// The late response must be discarded without disturbing other calls.
	conn.push(t, types.ResponseFrame{
		Type: types.FrameResponse, RequestID: cmd.RequestID, Success: true,
		Result: map[string]any{"late": true},
	})

	resCh := make(chan map[string]any, 1)
	go func() {
		result, _ := hub.Invoke(context.Background(), "ping", nil, 2*time.Second)
		resCh <- result
	}()

	next := conn.lastCommand(t, 2)
	conn.push(t, types.ResponseFrame{
		Type: types.FrameResponse, RequestID: next.RequestID, Success: true,
		Result: map[string]any{"message": "pong"},
	})

	if result := <-resCh; result["message"] != "pong" {
		t.Errorf("second call disturbed by late response: %v", result)
	}

	conn.Close()
	wait()
}

func TestUnknownRequestIDDropped(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	conn.push(t, types.ResponseFrame{
		Type: types.FrameResponse, RequestID: "never-issued", Success: true,
	})

	// Table must remain untouched and further traffic unaffected.
	errCh := make(chan error, 1)
	go func() {
		_, err := hub.Invoke(context.Background(), "ping", nil, 2*time.Second)
		errCh <- err
	}()

	cmd := conn.lastCommand(t, 1)
	conn.push(t, types.ResponseFrame{
		Type: types.FrameResponse, RequestID: cmd.RequestID, Success: true,
	})

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hub.Status().PendingCalls != 0 {
		t.Error("pending table mutated by unknown response")
	}

	conn.Close()
	wait()
}

func TestDisconnectFailsAllPending(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	const calls = 5
	errCh := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := hub.Invoke(context.Background(), "ping", nil, 10*time.Second)
			errCh <- err
		}()
	}

	conn.lastCommand(t, calls)
	conn.Close()
	wait()

	for i := 0; i < calls; i++ {
		if err := <-errCh; !errors.Is(err, ErrDisconnected) {
			t.Errorf("expected ErrDisconnected, got %v", err)
		}
	}
	if hub.Connected() {
		t.Error("hub still reports connected")
	}
	if hub.Status().PendingCalls != 0 {
		t.Error("pending calls survived disconnect")
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	hub := newTestHub()
	conn1 := newFakeConn()
	wait1 := startServe(hub, conn1)
	waitConnected(t, hub)

	errCh := make(chan error, 1)
	go func() {
		_, err := hub.Invoke(context.Background(), "ping", nil, 10*time.Second)
		errCh <- err
	}()
	conn1.lastCommand(t, 1)

	conn2 := newFakeConn()
	wait2 := startServe(hub, conn2)

	// The call outstanding on the replaced connection fails.
	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected for call on replaced conn, got %v", err)
	}
	wait1()

	conn1.mu.Lock()
	closed := conn1.closed
	conn1.mu.Unlock()
	if !closed {
		t.Error("old connection not closed")
	}

	// The new connection serves traffic.
	go func() {
		_, err := hub.Invoke(context.Background(), "ping", nil, 2*time.Second)
		errCh <- err
	}()
	cmd := conn2.lastCommand(t, 1)
	conn2.push(t, types.ResponseFrame{Type: types.FrameResponse, RequestID: cmd.RequestID, Success: true})
	if err := <-errCh; err != nil {
		t.Fatalf("invoke on new connection failed: %v", err)
	}

	conn2.Close()
	wait2()
}

func TestConcurrentInvokesCorrelate(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	const calls = 8
	results := make(chan string, calls)
	for i := 0; i < calls; i++ {
		n := i
		go func() {
			result, err := hub.Invoke(context.Background(),
				fmt.Sprintf("cmd_%d", n), nil, 5*time.Second)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- result["tag"].(string)
		}()
	}

	conn.lastCommand(t, calls)

	// Respond in reverse arrival order; correlation is by request id, not
	// FIFO position.
	conn.mu.Lock()
	frames := append([]types.CommandFrame{}, conn.written...)
	conn.mu.Unlock()
	for i := len(frames) - 1; i >= 0; i-- {
		conn.push(t, types.ResponseFrame{
			Type:      types.FrameResponse,
			RequestID: frames[i].RequestID,
			Command:   frames[i].Command,
			Success:   true,
			Result:    map[string]any{"tag": frames[i].Command},
		})
	}

	seen := make(map[string]bool)
	for i := 0; i < calls; i++ {
		seen[<-results] = true
	}
	for i := 0; i < calls; i++ {
		name := fmt.Sprintf("cmd_%d", i)
		if !seen[name] {
			t.Errorf("call %s did not receive its own response: %v", name, seen)
		}
	}

	conn.Close()
	wait()
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	if hub.Status().LastHeartbeat != nil {
		t.Error("fresh connection should have no heartbeat yet")
	}

	conn.push(t, types.HeartbeatFrame{
		Type:      types.FrameHeartbeat,
		Timestamp: time.Now().UTC(),
		Status:    "healthy",
		Version:   "1.2.3",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := hub.Status()
		if status.LastHeartbeat != nil {
			if status.AgentVersion != "1.2.3" {
				t.Errorf("agent version not recorded: %q", status.AgentVersion)
			}
			if status.PendingCalls != 0 {
				t.Error("heartbeat must not create pending calls")
			}
			conn.Close()
			wait()
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("heartbeat never recorded")
}

func TestMalformedFrameIgnored(t *testing.T) {
	hub := newTestHub()
	conn := newFakeConn()
	wait := startServe(hub, conn)
	waitConnected(t, hub)

	conn.in <- []byte("{not json")
	conn.in <- []byte(`{"type":"unknown_frame_kind"}`)

	// Connection survives malformed input.
	errCh := make(chan error, 1)
	go func() {
		_, err := hub.Invoke(context.Background(), "ping", nil, 2*time.Second)
		errCh <- err
	}()
	cmd := conn.lastCommand(t, 1)
	conn.push(t, types.ResponseFrame{Type: types.FrameResponse, RequestID: cmd.RequestID, Success: true})
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error after malformed frames: %v", err)
	}

	conn.Close()
	wait()
}
