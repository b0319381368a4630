package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/audit"
	"github.com/nerrad567/iot-gateway/internal/auth"
	"github.com/nerrad567/iot-gateway/internal/command"
	"github.com/nerrad567/iot-gateway/internal/device"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/iot-gateway/internal/metrics"
	"github.com/nerrad567/iot-gateway/internal/push"
	"github.com/nerrad567/iot-gateway/internal/subscriber"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

const testJWTSecret = "test-secret-key-at-least-32-characters-long"

// ─── Fakes ─────────────────────────────────────────────────────────

type fakeUsers map[string]*account.User

func (f fakeUsers) GetUserByEmail(_ context.Context, email string) (*account.User, error) {
	if u, ok := f[email]; ok {
		return u, nil
	}
	return nil, account.ErrUserNotFound
}

type fakeDevices struct {
	mu          sync.Mutex
	devices     map[string]account.Device
	lastSeen    map[string]time.Time
	invalidated []string
}

func (f *fakeDevices) ListDevices(_ context.Context, userID string) ([]account.Device, error) {
	var out []account.Device
	for _, d := range f.devices {
		if d.OwnerID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDevices) GetDevice(_ context.Context, id string) (*account.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return nil, account.ErrDeviceNotFound
	}
	return &d, nil
}

func (f *fakeDevices) ResolveOwner(_ context.Context, id string) (string, error) {
	d, ok := f.devices[id]
	if !ok {
		return "", device.ErrDeviceNotFound
	}
	return d.OwnerID, nil
}

func (f *fakeDevices) LastSeen(id string) (time.Time, bool) {
	ts, ok := f.lastSeen[id]
	return ts, ok
}

func (f *fakeDevices) Invalidate(id string) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, id)
	f.mu.Unlock()
}

func (f *fakeDevices) GetStats() device.Stats { return device.Stats{Entries: len(f.devices)} }

type fakeCommands struct {
	result  command.Result
	err     error
	records map[string]*command.Record

	gotUser, gotDevice, gotAction string
	gotParams                     map[string]any
}

func (f *fakeCommands) Dispatch(_ context.Context, userID, deviceID, action string, params map[string]any) (command.Result, error) {
	f.gotUser, f.gotDevice, f.gotAction, f.gotParams = userID, deviceID, action, params
	return f.result, f.err
}

func (f *fakeCommands) GetAckStats() command.AckStats { return command.AckStats{Handled: 3} }

func (f *fakeCommands) Get(_ context.Context, userID, id string) (*command.Record, error) {
	rec, ok := f.records[id]
	if !ok || rec.PerformerID != userID {
		return nil, command.ErrCommandNotFound
	}
	return rec, nil
}

type fakeAudit struct {
	got audit.Filter
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.got = filter
	return &audit.ListResult{Events: []audit.Event{}, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ─── Harness ───────────────────────────────────────────────────────

type testEnv struct {
	srv      *Server
	handler  http.Handler
	authSvc  *auth.Service
	devices  *fakeDevices
	commands *fakeCommands
	audit    *fakeAudit
	dir      *subscriber.Directory
	push     *push.Manager
	latest   *telemetry.LatestReadings
}

func newTestEnv(t *testing.T, health map[string]HealthCheck) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("alice-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	users := fakeUsers{"alice@example.com": {ID: "alice", Email: "alice@example.com", PasswordHash: string(hash)}}
	authSvc := auth.NewService(users, testJWTSecret, 15*time.Minute, auth.NewMemoryTickets(time.Minute))

	devices := &fakeDevices{
		devices: map[string]account.Device{
			"dev-a": {ID: "dev-a", OwnerID: "alice", Name: "feeder", Status: account.StatusOffline},
			"dev-b": {ID: "dev-b", OwnerID: "bob", Name: "other"},
		},
		lastSeen: map[string]time.Time{},
	}
	commands := &fakeCommands{records: map[string]*command.Record{}}
	auditLog := &fakeAudit{}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	latest := telemetry.NewLatestReadings()
	dir := subscriber.NewDirectory()
	mgr := push.NewManager(authSvc, dir, push.Options{})
	mgr.SetMetrics(m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx) //nolint:errcheck // test cleanup
	})

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			Path:           "/api/v1/ws",
			LegacyPath:     "/ws/sensor_data",
			MaxMessageSize: 8192,
		},
		Logger:   log,
		Auth:     authSvc,
		Devices:  devices,
		Store:    devices,
		Commands: commands,
		Audit:    auditLog,
		Push:     mgr,
		Metrics:  m,
		Gatherer: reg,
		Latest:   latest,
		Health:   health,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{
		srv:      srv,
		handler:  srv.Handler(),
		authSvc:  authSvc,
		devices:  devices,
		commands: commands,
		audit:    auditLog,
		dir:      dir,
		push:     mgr,
		latest:   latest,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(userID, testJWTSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorBody
	decode(t, w, &body)
	return body.Error.Code
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"accounts": func(context.Context) error { return nil },
	})

	for _, path := range []string{"/api/v1/health", "/health"} {
		w := env.do(t, http.MethodGet, path, "", "")
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusOK)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var resp struct {
			Status  string            `json:"status"`
			Version string            `json:"version"`
			Checks  map[string]string `json:"checks"`
		}
		decode(t, w, &resp)
		if resp.Status != "ok" || resp.Version != "test" || resp.Checks["accounts"] != "ok" {
			t.Errorf("%s body = %+v", path, resp)
		}
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"broker": func(context.Context) error { return errors.New("not connected") },
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &resp)
	if resp.Status != "degraded" || resp.Checks["broker"] != "not connected" {
		t.Errorf("body = %+v", resp)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if code := errorCode(t, w); code != ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", code, ErrCodeUnauthorized)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "alice", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no deps should fail")
	}
}
