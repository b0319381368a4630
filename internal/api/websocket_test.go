package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHTTP(t *testing.T, env *testEnv) string {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func issueTicket(t *testing.T, env *testEnv, userID string) string {
	t.Helper()
	ticket, _, err := env.authSvc.IssueTicket(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}
	return ticket
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForConnections(t *testing.T, env *testEnv, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.dir.Count(userID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections for %s = %d, want %d", userID, env.dir.Count(userID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readClose(t *testing.T, ws *websocket.Conn) error {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestWebSocket_TicketReceivesTelemetry(t *testing.T) {
	env := newTestEnv(t, nil)
	base := startHTTP(t, env)

	for _, path := range []string{"/api/v1/ws", "/ws/sensor_data"} {
		t.Run(path, func(t *testing.T) {
			ws := dial(t, base+path+"?ticket="+issueTicket(t, env, "alice"))
			waitForConnections(t, env, "alice", 1)

			envelope := `{"device_id":"dev-a","data":{"temp":21.5},"timestamp":"2026-01-01T00:00:00.000Z"}`
			if n := env.dir.Fanout("alice", []byte(envelope)); n != 1 {
				t.Fatalf("Fanout() = %d, want 1", n)
			}
			if n := env.dir.Fanout("bob", []byte(envelope)); n != 0 {
				t.Fatalf("Fanout(bob) = %d, want 0", n)
			}

			ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
			_, msg, err := ws.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			if string(msg) != envelope {
				t.Errorf("message = %s, want %s", msg, envelope)
			}

			ws.Close()
			waitForConnections(t, env, "alice", 0)
		})
	}
}

func TestWebSocket_TokenAndClientPing(t *testing.T) {
	env := newTestEnv(t, nil)
	base := startHTTP(t, env)

	ws := dial(t, base+"/api/v1/ws?token="+env.token(t, "alice"))
	waitForConnections(t, env, "alice", 1)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(msg) != `{"type":"pong"}` {
		t.Errorf("reply = %s, want pong", msg)
	}
}

func TestWebSocket_MissingCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	base := startHTTP(t, env)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/ws", nil)
	if err == nil {
		t.Fatal("Dial() without credential should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
	resp.Body.Close()
}

func TestWebSocket_BadTicketClosedWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t, nil)
	base := startHTTP(t, env)

	ticket := issueTicket(t, env, "alice")
	first := dial(t, base+"/api/v1/ws?ticket="+ticket)
	waitForConnections(t, env, "alice", 1)
	_ = first

	tests := []struct {
		name string
		url  string
	}{
		{"unknown ticket", base + "/api/v1/ws?ticket=invalid-ticket"},
		{"reused ticket", base + "/api/v1/ws?ticket=" + ticket},
		{"forged token", base + "/api/v1/ws?token=a.b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dial(t, tt.url)
			err := readClose(t, ws)
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Errorf("close error = %v, want policy violation", err)
			}
		})
	}
	if got := env.dir.Count("alice"); got != 1 {
		t.Errorf("alice connections = %d, want 1", got)
	}
}

func TestLogout_ClosesPushConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	base := startHTTP(t, env)

	ws := dial(t, base+"/api/v1/ws?ticket="+issueTicket(t, env, "alice"))
	waitForConnections(t, env, "alice", 1)

	w := env.do(t, http.MethodPost, "/api/v1/auth/logout", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	var resp struct {
		Closed int `json:"closed_connections"`
	}
	decode(t, w, &resp)
	if resp.Closed != 1 {
		t.Errorf("closed_connections = %d, want 1", resp.Closed)
	}

	if err := readClose(t, ws); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("close error = %v, want going away", err)
	}
	waitForConnections(t, env, "alice", 0)
}
