package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/catalog"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/session"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/trace"
)

// mockSessions for testing.
type mockSessions struct {
	mu       sync.Mutex
	active   *session.Ack
	startErr error
	stopErr  error
	lastOpts session.StartOptions
	stopCtx  context.Context
}

func (m *mockSessions) Start(_ context.Context, opts session.StartOptions) (session.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpts = opts
	if m.startErr != nil {
		return session.Ack{}, m.startErr
	}
	if m.active != nil {
		return session.Ack{}, apperrors.New(apperrors.AlreadyRunning, "a capture session is already running")
	}
	m.active = &session.Ack{SessionID: "s1", Dir: "/out/s1"}
	return *m.active, nil
}

func (m *mockSessions) Stop(ctx context.Context) (session.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCtx = ctx
	if m.active == nil {
		return session.Result{Error: session.NoSessionMessage}, nil
	}
	id := m.active.SessionID
	m.active = nil
	return session.Result{SessionID: id, AudioSummary: "Transcript: hi\nAnalysis: none", VideoSummary: "v.mp4: calm"}, m.stopErr
}

func (m *mockSessions) Active() (session.Ack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return session.Ack{}, false
	}
	return *m.active, true
}

type mockCatalog struct{}

func (mockCatalog) List(_ context.Context, limit int) ([]catalog.Session, error) {
	out := []catalog.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (mockCatalog) Get(_ context.Context, id string) (catalog.Detail, error) {
	if id != "a" {
		return catalog.Detail{}, apperrors.Newf(apperrors.NotFound, "session %s not found", id)
	}
	return catalog.Detail{Session: catalog.Session{ID: "a", Segments: 1}, SegmentList: []catalog.Segment{{Index: 0, Path: "audio_0.wav"}}}, nil
}

type mockBus struct {
	ch chan events.Event
}

func (b *mockBus) Events() <-chan events.Event { return b.ch }

func (b *mockBus) Recent(limit int) []events.Event {
	return []events.Event{{Type: events.RunStarted}, {Type: events.SegmentWritten}}[:min(limit, 2)]
}

func newTestServer(t *testing.T, cat Catalog) (*httptest.Server, *mockSessions, *mockBus) {
	t.Helper()
	sess := &mockSessions{}
	bus := &mockBus{ch: make(chan events.Event, 4)}
	srv := httptest.NewServer(New(sess, cat, bus).Handler())
	t.Cleanup(func() {
		srv.Close()
		close(bus.ch)
	})
	return srv, sess, bus
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, OPTIONS")
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, sess, _ := newTestServer(t, nil)

	resp, body := do(t, "POST", srv.URL+"/api/session/start", `{"max_duration_seconds": 90}`)
	if resp.StatusCode != http.StatusOK || body["session_id"] != "s1" {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	if sess.lastOpts.MaxDuration != 90*time.Second {
		t.Errorf("MaxDuration = %v, want 90s", sess.lastOpts.MaxDuration)
	}
	if resp.Header.Get(trace.TraceIDKey) == "" {
		t.Error("response missing trace id header")
	}

	resp, body = do(t, "POST", srv.URL+"/api/session/start", "")
	if resp.StatusCode != http.StatusConflict || body["code"] != string(apperrors.AlreadyRunning) {
		t.Errorf("second start = %d %v, want 409 ALREADY_RUNNING", resp.StatusCode, body)
	}

	resp, body = do(t, "GET", srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || body["recording"] != true {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, "POST", srv.URL+"/api/session/stop", "")
	if resp.StatusCode != http.StatusOK || body["audio_summary"] != "Transcript: hi\nAnalysis: none" || body["video_summary"] != "v.mp4: calm" {
		t.Errorf("stop = %d %v", resp.StatusCode, body)
	}
	if err := sess.stopCtx.Err(); err != nil {
		t.Errorf("stop context already done: %v", err)
	}

	resp, body = do(t, "POST", srv.URL+"/api/session/stop", "")
	if resp.StatusCode != http.StatusOK || body["error"] != session.NoSessionMessage {
		t.Errorf("stop without session = %d %v", resp.StatusCode, body)
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
	}{
		{"malformed body", `{"max_duration_seconds":`, nil, http.StatusBadRequest},
		{"negative duration", `{"max_duration_seconds": -1}`, nil, http.StatusBadRequest},
		{"no devices", "", apperrors.New(apperrors.DeviceUnavailable, "no mic"), http.StatusServiceUnavailable},
		{"storage", "", apperrors.New(apperrors.StorageFailed, "disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, sess, _ := newTestServer(t, nil)
			sess.startErr = tt.startErr
			resp, _ := do(t, "POST", srv.URL+"/api/session/start", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStopReportsErrorsInBody(t *testing.T) {
	srv, sess, _ := newTestServer(t, nil)
	do(t, "POST", srv.URL+"/api/session/start", "")
	sess.stopErr = apperrors.New(apperrors.DeviceRead, "mic unplugged")

	resp, body := do(t, "POST", srv.URL+"/api/session/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if e, _ := body["error"].(string); !strings.Contains(e, "mic unplugged") || body["audio_summary"] == "" {
		t.Errorf("body = %v, want summaries plus error", body)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, _, _ := newTestServer(t, nil)
		resp, _ := do(t, "GET", srv.URL+"/api/sessions", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	srv, _, _ := newTestServer(t, mockCatalog{})

	resp, err := http.Get(srv.URL + "/api/sessions?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	var list []catalog.Session
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 2 || list[0].ID != "a" {
		t.Errorf("list = %+v, want 2 sessions", list)
	}

	resp, body := do(t, "GET", srv.URL+"/api/sessions/a", "")
	if resp.StatusCode != http.StatusOK || body["id"] != "a" {
		t.Errorf("get = %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, "GET", srv.URL+"/api/sessions/zzz", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", resp.StatusCode)
	}
}

func TestRecentEvents(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/events?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []events.Event
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("events = %v, want 1", got)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg ControlMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocketControlAndBroadcast(t *testing.T) {
	srv, _, bus := newTestServer(t, nil)
	conn := dialWS(t, srv)

	send(t, conn, ControlMessage{Type: "start", MaxDurationSeconds: 30})
	if msg := readMsg(t, conn); msg["type"] != msgStarted {
		t.Fatalf("reply = %v, want started", msg)
	}

	bus.ch <- events.Event{Type: events.SegmentAnalyzed, Modality: "audio", Index: 2, Text: "hello"}
	msg := readMsg(t, conn)
	if msg["type"] != msgEvent {
		t.Fatalf("broadcast = %v, want event", msg)
	}
	if evt := msg["event"].(map[string]any); evt["type"] != string(events.SegmentAnalyzed) || evt["text"] != "hello" {
		t.Errorf("event = %v", evt)
	}

	send(t, conn, ControlMessage{Type: "stop"})
	msg = readMsg(t, conn)
	if msg["type"] != msgStopped {
		t.Fatalf("reply = %v, want stopped", msg)
	}
	if res := msg["result"].(map[string]any); res["session_id"] != "s1" {
		t.Errorf("result = %v", res)
	}

	send(t, conn, ControlMessage{Type: "dance"})
	if msg := readMsg(t, conn); msg["type"] != msgError {
		t.Errorf("unknown type reply = %v, want error", msg)
	}
}

func TestWebSocketStartConflict(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	conn := dialWS(t, srv)

	send(t, conn, ControlMessage{Type: "start"})
	readMsg(t, conn)
	send(t, conn, ControlMessage{Type: "start"})
	msg := readMsg(t, conn)
	if msg["type"] != msgError || msg["code"] != string(apperrors.AlreadyRunning) {
		t.Errorf("reply = %v, want ALREADY_RUNNING error", msg)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d rejected within limit", i)
		}
	}
	if rl.allow() {
		t.Error("message over limit allowed")
	}

	// Expired timestamps free the window.
	rl.mu.Lock()
	for i := range rl.timestamps {
		rl.timestamps[i] = rl.timestamps[i].Add(-2 * RateLimitWindow)
	}
	rl.mu.Unlock()
	if !rl.allow() {
		t.Error("message rejected after window elapsed")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code apperrors.Code
		want int
	}{
		{apperrors.AlreadyRunning, http.StatusConflict},
		{apperrors.ConfigInvalid, http.StatusBadRequest},
		{apperrors.NotFound, http.StatusNotFound},
		{apperrors.DeviceUnavailable, http.StatusServiceUnavailable},
		{apperrors.StorageFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.code); got != tt.want {
			t.Errorf("httpStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
