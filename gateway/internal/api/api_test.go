package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orglink/bridge/gateway/internal/bridge"
	"github.com/orglink/bridge/gateway/internal/metrics"
	"github.com/orglink/bridge/gateway/internal/secrets"
	"github.com/orglink/bridge/gateway/internal/service"
	"github.com/orglink/bridge/gateway/internal/store"
	"github.com/orglink/bridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStore is a minimal in-memory EmployeeStore.
type stubStore struct {
	employees map[string]*types.Employee
	syncRuns  []types.SyncRun
}

func newStubStore() *stubStore {
	return &stubStore{employees: make(map[string]*types.Employee)}
}

func (s *stubStore) GetEmployee(ctx context.Context, id string) (*types.Employee, error) {
	return s.employees[id], nil
}

func (s *stubStore) GetEmployeeByEmail(ctx context.Context, email string) (*types.Employee, error) {
	for _, e := range s.employees {
		if strings.EqualFold(e.Email, email) {
			return e, nil
		}
	}
	return nil, nil
}

func (s *stubStore) ListEmployees(ctx context.Context, search, department string, limit, offset int) ([]types.Employee, error) {
	var out []types.Employee
	for _, e := range s.employees {
		out = append(out, *e)
	}
	return out, nil
}

func (s *stubStore) ListDepartments(ctx context.Context) ([]string, error) {
	return []string{"Engineering"}, nil
}

func (s *stubStore) GetEmailIndex(ctx context.Context) (map[string]string, error) {
	index := make(map[string]string)
	for id, e := range s.employees {
		index[strings.ToLower(e.Email)] = id
	}
	return index, nil
}

func (s *stubStore) UpsertEmployees(ctx context.Context, users []types.DirectoryUser, includePhoto bool) error {
	for _, u := range users {
		id := fmt.Sprintf("emp-%d", len(s.employees)+1)
		s.employees[id] = &types.Employee{ID: id, Name: u.Name, Email: u.Email}
	}
	return nil
}

func (s *stubStore) ListDirectoryRefs(ctx context.Context) ([]store.DirectoryRef, error) {
	return nil, nil
}

func (s *stubStore) SetManager(ctx context.Context, employeeID, managerID string) error {
	return nil
}

func (s *stubStore) ListSubordinates(ctx context.Context, managerID string) ([]types.Employee, error) {
	var out []types.Employee
	for _, e := range s.employees {
		if e.ManagerID != nil && *e.ManagerID == managerID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *stubStore) CreateSyncRun(ctx context.Context, run *types.SyncRun) error {
	s.syncRuns = append(s.syncRuns, *run)
	return nil
}

func (s *stubStore) ListSyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error) {
	return s.syncRuns, nil
}

// stubInvoker answers bridge invokes with a fixed handler.
type stubInvoker struct {
	handler func(command string, params map[string]any) (map[string]any, error)
	status  types.BridgeStatus
}

func (i *stubInvoker) Invoke(ctx context.Context, command string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if i.handler == nil {
		return nil, bridge.ErrNotConnected
	}
	return i.handler(command, params)
}

func (i *stubInvoker) Status() types.BridgeStatus {
	return i.status
}

type testEnv struct {
	store   *stubStore
	invoker *stubInvoker
	hub     *bridge.Hub
	keys    secrets.KeyStore
	server  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := newStubStore()
	inv := &stubInvoker{}
	svc := service.New(st, inv, nil, testLogger())
	hub := bridge.NewHub(testLogger())

	keys, err := secrets.NewLocalKeyStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocalKeyStore: %v", err)
	}
	t.Cleanup(func() { keys.Close() })

	return &testEnv{
		store:   st,
		invoker: inv,
		hub:     hub,
		keys:    keys,
		server:  NewServer(svc, hub, keys, metrics.NewCollector(), testLogger()),
	}
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "GET", "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestStatusDisconnected(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "GET", "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Bridge  types.BridgeStatus   `json:"bridge"`
		Gateway *types.GatewayHealth `json:"gateway"`
	}
	decodeBody(t, rec, &resp)
	if resp.Bridge.Connected {
		t.Error("bridge reported connected without an agent")
	}
	if resp.Gateway == nil {
		t.Error("gateway health missing from status")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "OPTIONS", "/api/v1/employees", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestGetEmployeeNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "GET", "/api/v1/employees/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListEmployees(t *testing.T) {
	env := newTestEnv(t)
	env.store.employees["e1"] = &types.Employee{ID: "e1", Name: "Alice", Email: "alice@corp.example"}

	rec := doJSON(t, env.server, "GET", "/api/v1/employees?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Employees []types.Employee `json:"employees"`
		Count     int              `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || len(resp.Employees) != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Employees[0].Name != "Alice" {
		t.Errorf("name = %q, want Alice", resp.Employees[0].Name)
	}
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "POST", "/api/v1/auth/login", map[string]string{"username": "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.invoker.handler = func(command string, params map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("authentication failed")
	}

	rec := doJSON(t, env.server, "POST", "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginAgentOffline(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "POST", "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "secret"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCalendarAgentOffline(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "GET", "/api/v1/calendar/alice@corp.example", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCreateMeetingValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "POST", "/api/v1/meetings", types.MeetingRequest{
		OrganizerEmail: "alice@corp.example",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteMeetingRequiresOrganizer(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "DELETE", "/api/v1/meetings/AAMk123", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFindFreeSlotsRequiresAttendees(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "POST", "/api/v1/scheduling/free-slots", map[string]any{
		"duration_minutes": 30,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	env := newTestEnv(t)
	env.invoker.handler = func(command string, params map[string]any) (map[string]any, error) {
		if command != types.CmdSyncUsers {
			return nil, fmt.Errorf("unexpected command %s", command)
		}
		page := types.SyncUsersPage{
			Users: []types.DirectoryUser{
				{Name: "Alice", Email: "alice@corp.example", DN: "CN=Alice"},
			},
			Stats:   types.SyncStats{TotalInDirectory: 1, WithDepartment: 1},
			HasMore: false,
		}
		data, _ := json.Marshal(page)
		var result map[string]any
		json.Unmarshal(data, &result)
		return result, nil
	}

	rec := doJSON(t, env.server, "POST", "/api/v1/sync", map[string]any{"mode": "full"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var run types.SyncRun
	decodeBody(t, rec, &run)
	if run.Stats.NewUsers != 1 {
		t.Errorf("new users = %d, want 1", run.Stats.NewUsers)
	}
	if len(env.store.employees) != 1 {
		t.Errorf("stored employees = %d, want 1", len(env.store.employees))
	}
}

func TestTriggerSyncInvalidMode(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "POST", "/api/v1/sync", map[string]any{"mode": "partial"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRotateAgentKey(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.server, "POST", "/api/v1/agent/key/rotate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]any
	decodeBody(t, rec, &resp)
	key, _ := resp["key"].(string)
	if !strings.HasPrefix(key, "olk_") {
		t.Errorf("rotated key = %q, want olk_ prefix", key)
	}
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func wsURL(httpURL, token string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/agent?token=" + token
}

func TestAgentWebsocketRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)

	// Provision a key so the store is not empty
	if _, err := env.keys.GetOrCreateAgentKey(context.Background()); err != nil {
		t.Fatalf("GetOrCreateAgentKey: %v", err)
	}

	srv := httptest.NewServer(env.server)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "olk_wrong"), nil)
	if err == nil {
		t.Fatal("dial with wrong key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestAgentWebsocketRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.server)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, ""), nil)
	if err == nil {
		t.Fatal("dial without key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestAgentWebsocketConnects(t *testing.T) {
	env := newTestEnv(t)

	key, err := env.keys.GetOrCreateAgentKey(context.Background())
	if err != nil {
		t.Fatalf("GetOrCreateAgentKey: %v", err)
	}

	srv := httptest.NewServer(env.server)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, key.Key), nil)
	if err != nil {
		t.Fatalf("dial with valid key: %v", err)
	}
	defer conn.Close()

	// Send a heartbeat and wait for the hub to register the connection
	hb := types.HeartbeatFrame{
		Type:      types.FrameHeartbeat,
		Timestamp: time.Now().UTC(),
		Status:    "healthy",
		Version:   "test",
	}
	if err := conn.WriteJSON(hb); err != nil {
		t.Fatalf("writing heartbeat: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !env.hub.Connected() || env.hub.Status().LastHeartbeat == nil {
		select {
		case <-deadline:
			t.Fatal("hub never registered the connection")
		case <-time.After(10 * time.Millisecond):
		}
	}

	status := env.hub.Status()
	if status.AgentVersion != "test" {
		t.Errorf("agent version = %q, want test", status.AgentVersion)
	}
}
