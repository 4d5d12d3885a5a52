package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/user/ptymux/internal/db"
	"github.com/user/ptymux/internal/recording"
	"github.com/user/ptymux/internal/session"
	"github.com/user/ptymux/internal/sse"
	"github.com/user/ptymux/internal/wire"
)

func openAPI(t *testing.T, token string) (http.Handler, *session.Registry) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	reg := session.New(session.Options{
		DataDir:      t.TempDir(),
		Catalog:      database.Sessions(),
		CloseTimeout: 2 * time.Second,
	})
	t.Cleanup(func() {
		reg.Close(context.Background())
		_ = database.Close()
	})
	return NewRouter(Options{Registry: reg, Token: token, EventKeepalive: 50 * time.Millisecond}), reg
}

func apiRequest(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer test-token")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if rr.Body.Len() == 0 {
		return
	}
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body: %v body=%s", err, rr.Body.String())
	}
}

func createSession(t *testing.T, h http.Handler, body map[string]any) session.Info {
	t.Helper()
	rr := apiRequest(t, h, http.MethodPost, "/api/sessions", body, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	var info session.Info
	decodeBody(t, rr, &info)
	if info.ID == "" {
		t.Fatalf("created session has no id: %s", rr.Body.String())
	}
	return info
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := openAPI(t, "test-token")
	unauth := apiRequest(t, h, http.MethodGet, "/api/sessions", nil, false)
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want %d", unauth.Code, http.StatusUnauthorized)
	}
	wrong := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	wrong.Header.Set("Authorization", "Bearer wrong-token")
	wrongRR := httptest.NewRecorder()
	h.ServeHTTP(wrongRR, wrong)
	if wrongRR.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d want %d", wrongRR.Code, http.StatusUnauthorized)
	}
	auth := apiRequest(t, h, http.MethodGet, "/api/sessions", nil, true)
	if auth.Code != http.StatusOK {
		t.Fatalf("status=%d want %d", auth.Code, http.StatusOK)
	}
	query := apiRequest(t, h, http.MethodGet, "/api/sessions?token=test-token", nil, false)
	if query.Code != http.StatusOK {
		t.Fatalf("query token status=%d want %d", query.Code, http.StatusOK)
	}
}

func TestAuthDisabled(t *testing.T) {
	h, _ := openAPI(t, "")
	rr := apiRequest(t, h, http.MethodGet, "/api/sessions", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want %d", rr.Code, http.StatusOK)
	}
	var sessions []session.Info
	decodeBody(t, rr, &sessions)
	if sessions == nil || len(sessions) != 0 {
		t.Fatalf("sessions = %v, want empty list", sessions)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	h, reg := openAPI(t, "test-token")

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"unknown field", map[string]any{"cmd": "cat"}, http.StatusBadRequest},
		{"missing work dir", map[string]any{"command": "cat", "workDir": "/definitely/not/here"}, http.StatusBadRequest},
		{"spawn failure", map[string]any{"command": "/definitely/not/a/binary"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := apiRequest(t, h, http.MethodPost, "/api/sessions", tt.body, true)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var body errorBody
			decodeBody(t, rr, &body)
			if body.Error == "" {
				t.Fatalf("error body missing: %s", rr.Body.String())
			}
		})
	}
	if reg.Count() != 0 {
		t.Fatalf("Count() = %d after failed creates", reg.Count())
	}
}

func TestSessionLifecycle(t *testing.T) {
	h, reg := openAPI(t, "test-token")
	info := createSession(t, h, map[string]any{"name": "shell", "command": "cat", "cols": 80, "rows": 24})
	if info.Name != "shell" || info.Cols != 80 || info.Rows != 24 || !info.Live || info.Status != session.StatusRunning {
		t.Fatalf("created info = %+v", info)
	}
	path := "/api/sessions/" + info.ID

	var listed []session.Info
	decodeBody(t, apiRequest(t, h, http.MethodGet, "/api/sessions", nil, true), &listed)
	if len(listed) != 1 || listed[0].ID != info.ID {
		t.Fatalf("list = %+v", listed)
	}

	resize := apiRequest(t, h, http.MethodPost, path+"/resize", map[string]any{"cols": 100, "rows": 40}, true)
	if resize.Code != http.StatusAccepted {
		t.Fatalf("resize status=%d body=%s", resize.Code, resize.Body.String())
	}
	waitFor(t, "resize to apply", func() bool {
		got, err := reg.Describe(context.Background(), info.ID)
		return err == nil && got.Cols == 100 && got.Rows == 40
	})

	bad := apiRequest(t, h, http.MethodPost, path+"/resize", map[string]any{"cols": 0, "rows": 40}, true)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("zero resize status=%d want %d", bad.Code, http.StatusBadRequest)
	}

	reset := apiRequest(t, h, http.MethodPost, path+"/resize", map[string]any{"reset": true}, true)
	if reset.Code != http.StatusAccepted {
		t.Fatalf("reset status=%d", reset.Code)
	}
	waitFor(t, "reset to apply", func() bool {
		got, err := reg.Describe(context.Background(), info.ID)
		return err == nil && got.Cols == 80 && got.Rows == 24
	})

	input := apiRequest(t, h, http.MethodPost, path+"/input", map[string]any{"text": "hello\n"}, true)
	if input.Code != http.StatusAccepted {
		t.Fatalf("input status=%d body=%s", input.Code, input.Body.String())
	}
	both := apiRequest(t, h, http.MethodPost, path+"/input", map[string]any{"text": "x", "key": "Enter"}, true)
	if both.Code != http.StatusBadRequest {
		t.Fatalf("text+key status=%d want %d", both.Code, http.StatusBadRequest)
	}

	del := apiRequest(t, h, http.MethodDelete, path, nil, true)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d body=%s", del.Code, del.Body.String())
	}

	waitFor(t, "catalog to record the exit", func() bool {
		var after session.Info
		get := apiRequest(t, h, http.MethodGet, path, nil, true)
		decodeBody(t, get, &after)
		return get.Code == http.StatusOK && !after.Live && after.Status == session.StatusExited
	})

	if again := apiRequest(t, h, http.MethodDelete, path, nil, true); again.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d want %d", again.Code, http.StatusNotFound)
	}
	if missing := apiRequest(t, h, http.MethodGet, "/api/sessions/nope", nil, true); missing.Code != http.StatusNotFound {
		t.Fatalf("missing session status=%d want %d", missing.Code, http.StatusNotFound)
	}
}

func TestKillSession(t *testing.T) {
	h, reg := openAPI(t, "test-token")
	info := createSession(t, h, map[string]any{"command": "cat"})
	path := "/api/sessions/" + info.ID + "/kill"

	if bad := apiRequest(t, h, http.MethodPost, path, map[string]any{"signal": "NOPE"}, true); bad.Code != http.StatusBadRequest {
		t.Fatalf("bad signal status=%d want %d", bad.Code, http.StatusBadRequest)
	}
	if rr := apiRequest(t, h, http.MethodPost, path, map[string]any{"signal": "TERM"}, true); rr.Code != http.StatusAccepted {
		t.Fatalf("kill status=%d body=%s", rr.Code, rr.Body.String())
	}
	waitFor(t, "session to exit", func() bool {
		got, err := reg.Describe(context.Background(), info.ID)
		return err == nil && got.Status == session.StatusExited
	})
}

func replayOutput(t *testing.T, h http.Handler, path string) (recording.Header, string) {
	t.Helper()
	rr := apiRequest(t, h, http.MethodGet, path, nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/x-asciicast" {
		t.Fatalf("replay Content-Type = %q", ct)
	}
	header, events, err := recording.Read(rr.Body)
	if err != nil {
		t.Fatalf("replay is not a recording: %v", err)
	}
	var output strings.Builder
	for _, event := range events {
		if event.Code == recording.CodeOutput {
			output.WriteString(event.Data)
		}
	}
	return header, output.String()
}

func TestReplayPrunesToLastClear(t *testing.T) {
	h, _ := openAPI(t, "test-token")
	info := createSession(t, h, map[string]any{"command": "cat", "cols": 90, "rows": 20})
	base := "/api/sessions/" + info.ID

	for _, text := range []string{"old\n", "\x1b[2Jnew\n"} {
		if rr := apiRequest(t, h, http.MethodPost, base+"/input", map[string]any{"text": text}, true); rr.Code != http.StatusAccepted {
			t.Fatalf("input status=%d", rr.Code)
		}
	}
	waitFor(t, "cleared output to be recorded", func() bool {
		_, full := replayOutput(t, h, base+"/replay?full=1")
		return strings.Contains(full, "\x1b[2Jnew")
	})

	header, pruned := replayOutput(t, h, base+"/replay")
	if header.Width != 90 || header.Height != 20 {
		t.Fatalf("replay header = %dx%d, want 90x20", header.Width, header.Height)
	}
	if strings.Contains(pruned, "old") {
		t.Fatalf("pruned replay kept output from before the clear: %q", pruned)
	}
	if !strings.Contains(pruned, "new") {
		t.Fatalf("pruned replay lost output after the clear: %q", pruned)
	}

	_, full := replayOutput(t, h, base+"/replay?full=1")
	if !strings.Contains(full, "old") {
		t.Fatalf("full replay lost early output: %q", full)
	}
}

func TestReplayGzip(t *testing.T) {
	h, _ := openAPI(t, "test-token")
	info := createSession(t, h, map[string]any{"command": "cat"})
	base := "/api/sessions/" + info.ID
	line := strings.Repeat("0123456789", 20) + "\n"
	for i := 0; i < 20; i++ {
		if rr := apiRequest(t, h, http.MethodPost, base+"/input", map[string]any{"text": line}, true); rr.Code != http.StatusAccepted {
			t.Fatalf("input status=%d", rr.Code)
		}
	}
	waitFor(t, "output to be recorded", func() bool {
		_, full := replayOutput(t, h, base+"/replay?full=1")
		return strings.Count(full, "0123456789") >= 40
	})

	req := httptest.NewRequest(http.MethodGet, base+"/replay?full=1", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("status=%d Content-Encoding=%q", rr.Code, rr.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rr.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	if _, events, err := recording.Read(zr); err != nil || len(events) == 0 {
		t.Fatalf("decompressed recording: %d events, err=%v", len(events), err)
	}
}

func openEvents(t *testing.T, url, lastEventID string) *sse.Scanner {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("events status=%d content-type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	return sse.NewScanner(resp.Body)
}

func TestEventStream(t *testing.T) {
	h, reg := openAPI(t, "test-token")
	server := httptest.NewServer(h)
	defer server.Close()

	scanner := openEvents(t, server.URL, "")
	s, err := reg.Create(context.Background(), session.CreateOptions{Name: "watched", Command: "cat"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if !scanner.Next() {
		t.Fatalf("stream ended: %v", scanner.Err())
	}
	event := scanner.Event()
	if event.Type != string(wire.EventSessionCreated) || event.ID == "" {
		t.Fatalf("event = %+v", event)
	}
	var payload wire.ServerEvent
	if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
		t.Fatalf("event data: %v", err)
	}
	if payload.SessionID != s.ID() || payload.Name != "watched" {
		t.Fatalf("payload = %+v", payload)
	}
	if scanner.Retry() != defaultEventRetry {
		t.Fatalf("Retry() = %v, want %v", scanner.Retry(), defaultEventRetry)
	}
}

func TestEventStreamResumesAfterLastEventID(t *testing.T) {
	h, reg := openAPI(t, "test-token")
	server := httptest.NewServer(h)
	defer server.Close()

	bus := reg.Events()
	first := bus.Publish(wire.ServerEvent{Kind: wire.EventNotice, Message: "one"})
	second := bus.Publish(wire.ServerEvent{Kind: wire.EventNotice, Message: "two"})

	scanner := openEvents(t, server.URL, strconv.FormatUint(first.ID, 10))
	if !scanner.Next() {
		t.Fatalf("stream ended: %v", scanner.Err())
	}
	if got := scanner.Event().ID; got != strconv.FormatUint(second.ID, 10) {
		t.Fatalf("resumed at event %s, want %d", got, second.ID)
	}
}
