package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/command"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

// ─── Auth ──────────────────────────────────────────────────────────

func TestLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", "",
		`{"email":"alice@example.com","password":"alice-pass"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	decode(t, w, &tok)
	if tok.TokenType != "bearer" || tok.ExpiresIn != 900 {
		t.Errorf("token = %+v", tok)
	}
	if userID, err := env.authSvc.Authenticate(tok.AccessToken); err != nil || userID != "alice" {
		t.Errorf("issued token subject = %q, %v", userID, err)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong password", `{"email":"alice@example.com","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"email":"eve@example.com","password":"alice-pass"}`, http.StatusUnauthorized},
		{"bad json", `{"email":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWSTicket(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	decode(t, w, &resp)
	if resp.Ticket == "" || resp.ExpiresIn != 60 {
		t.Errorf("ticket response = %+v", resp)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices_OnlyOwn(t *testing.T) {
	env := newTestEnv(t, nil)
	seen := time.Now().UTC()
	env.devices.lastSeen["dev-a"] = seen

	w := env.do(t, http.MethodGet, "/api/v1/devices", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Devices []account.Device `json:"devices"`
		Count   int              `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 || len(resp.Devices) != 1 || resp.Devices[0].ID != "dev-a" {
		t.Fatalf("devices = %+v", resp)
	}
	if resp.Devices[0].Status != account.StatusOnline {
		t.Errorf("status = %q, want online from live liveness", resp.Devices[0].Status)
	}
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		id       string
		want     int
		wantCode string
	}{
		{"own device", "dev-a", http.StatusOK, ""},
		{"other user's device", "dev-b", http.StatusForbidden, ErrCodeForbidden},
		{"unknown device", "dev-x", http.StatusNotFound, ErrCodeDeviceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/devices/"+tt.id, "alice", "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.wantCode != "" {
				if code := errorCode(t, w); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			var d account.Device
			decode(t, w, &d)
			if d.ID != tt.id || d.OwnerID != "alice" {
				t.Errorf("device = %+v", d)
			}
		})
	}
}

func TestGetDevice_IncludesLatestReadings(t *testing.T) {
	env := newTestEnv(t, nil)
	env.latest.Record(telemetry.Event{
		DeviceID:   "dev-a",
		Readings:   map[string]json.Number{"weight": "50"},
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	w := env.do(t, http.MethodGet, "/api/v1/devices/dev-a", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		ID     string                       `json:"id"`
		Latest map[string]telemetry.Reading `json:"latest"`
	}
	decode(t, w, &resp)
	if resp.ID != "dev-a" || resp.Latest["weight"].Value != "50" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Latest["weight"].Timestamp != "2026-03-01T12:00:00.000Z" {
		t.Errorf("timestamp = %q", resp.Latest["weight"].Timestamp)
	}
}

func TestRefreshDevice(t *testing.T) {
	env := newTestEnv(t, nil)

	if w := env.do(t, http.MethodPost, "/api/v1/devices/dev-a/refresh", "alice", ""); w.Code != http.StatusNoContent {
		t.Errorf("own refresh status = %d, want 204", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/dev-b/refresh", "alice", ""); w.Code != http.StatusForbidden {
		t.Errorf("foreign refresh status = %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/dev-x/refresh", "alice", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown refresh status = %d, want 404", w.Code)
	}
	if got := len(env.devices.invalidated); got != 3 {
		t.Errorf("invalidations = %d, want 3", got)
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func TestSendCommand_ResultMapping(t *testing.T) {
	tests := []struct {
		name     string
		result   command.Result
		err      error
		want     int
		wantCode string
	}{
		{
			name:   "accepted",
			result: command.Result{Outcome: command.OutcomeAccepted, CorrelationID: "corr-1"},
			want:   http.StatusAccepted,
		},
		{
			name:     "forbidden",
			result:   command.Result{Outcome: command.OutcomeForbidden},
			err:      command.ErrForbidden,
			want:     http.StatusForbidden,
			wantCode: ErrCodeForbidden,
		},
		{
			name:     "device unknown",
			result:   command.Result{Outcome: command.OutcomeDeviceUnknown},
			err:      command.ErrDeviceUnknown,
			want:     http.StatusNotFound,
			wantCode: ErrCodeDeviceUnknown,
		},
		{
			name:     "transport unavailable",
			result:   command.Result{Outcome: command.OutcomeTransportUnavailable, CorrelationID: "corr-2"},
			err:      fmt.Errorf("%w: broker down", command.ErrTransportUnavailable),
			want:     http.StatusServiceUnavailable,
			wantCode: ErrCodeTransportUnavailable,
		},
		{
			name:     "lookup failure",
			err:      errors.New("checking ownership: db timeout"),
			want:     http.StatusInternalServerError,
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.commands.result, env.commands.err = tt.result, tt.err

			w := env.do(t, http.MethodPost, "/api/v1/devices/dev-a/commands", "alice",
				`{"action":"feed","params":{"portion":2}}`)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if env.commands.gotUser != "alice" || env.commands.gotDevice != "dev-a" || env.commands.gotAction != "feed" {
				t.Errorf("dispatched (%q, %q, %q)", env.commands.gotUser, env.commands.gotDevice, env.commands.gotAction)
			}
			if tt.wantCode != "" {
				if code := errorCode(t, w); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			var resp struct {
				CorrelationID string `json:"correlation_id"`
				Status        string `json:"status"`
			}
			decode(t, w, &resp)
			if resp.CorrelationID != "corr-1" || resp.Status != "accepted" {
				t.Errorf("body = %+v", resp)
			}
			if portion, _ := env.commands.gotParams["portion"].(float64); portion != 2 {
				t.Errorf("params = %v", env.commands.gotParams)
			}
		})
	}
}

func TestSendCommand_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	if w := env.do(t, http.MethodPost, "/api/v1/devices/dev-a/commands", "alice", `{"params":{}}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing action status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/dev-a/commands", "alice", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", w.Code)
	}
	if env.commands.gotAction != "" {
		t.Error("invalid request reached the dispatcher")
	}
}

func TestGetCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	env.commands.records["corr-1"] = &command.Record{
		ID: "corr-1", DeviceID: "dev-a", PerformerID: "alice", Action: "feed", Status: command.StatusSent,
	}

	w := env.do(t, http.MethodGet, "/api/v1/commands/corr-1", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var rec command.Record
	decode(t, w, &rec)
	if rec.ID != "corr-1" || rec.Status != command.StatusSent {
		t.Errorf("record = %+v", rec)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/commands/corr-1", "bob", ""); w.Code != http.StatusNotFound {
		t.Errorf("foreign lookup status = %d, want 404", w.Code)
	}
}

// ─── Audit & metrics ───────────────────────────────────────────────

func TestListAudit_ScopedToCaller(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/audit?event_type=COMMAND_DENIED&device_id=dev-b&limit=10&offset=5", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := env.audit.got
	if got.PerformerID != "alice" || got.EventType != "COMMAND_DENIED" || got.DeviceID != "dev-b" || got.Limit != 10 || got.Offset != 5 {
		t.Errorf("filter = %+v", got)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/audit?limit=abc", "alice", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/v1/health", "", "")

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("json metrics status = %d", w.Code)
	}
	var m SystemMetrics
	decode(t, w, &m)
	if m.Version != "test" || m.Registry.Entries != 2 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Acks == nil || m.Acks.Handled != 3 {
		t.Errorf("metrics acks = %+v, want handled 3", m.Acks)
	}

	w = env.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("prometheus status = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"iotgw_push_connections", "iotgw_http_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape output missing %s", name)
		}
	}
}
