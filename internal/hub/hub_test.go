package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/ptymux/internal/session"
	"github.com/user/ptymux/internal/wire"
)

const testToken = "secret-token-123"

type testHub struct {
	hub      *Hub
	registry *session.Registry
	server   *httptest.Server
}

func newTestHub(t *testing.T, opts Options) *testHub {
	t.Helper()
	reg := session.New(session.Options{DataDir: t.TempDir(), CloseTimeout: 2 * time.Second})
	if opts.Token == "" {
		opts.Token = testToken
	}
	hub := New(reg, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	waitFor(t, "hub to run", hub.running.Load)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
		reg.Close(context.Background())
	})
	return &testHub{hub: hub, registry: reg, server: server}
}

func (th *testHub) url(token string) string {
	url := fmt.Sprintf("ws://%s/ws", th.server.URL[7:])
	if token != "" {
		url += "?token=" + token
	}
	return url
}

// connect dials and completes the handshake.
func (th *testHub) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := th.dial(t)
	send(t, conn, wire.NewHelloFrame(wire.HelloPayload{AuthMode: wire.AuthToken, ClientName: "test"}))
	if frame := recv(t, conn); frame.Type != wire.TypeWelcome {
		t.Fatalf("handshake answer = %s, want welcome", frame.Type)
	}
	return conn
}

func (th *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, th.url(testToken), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn.SetReadLimit(1 << 22)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame wire.Frame) {
	t.Helper()
	sendRaw(t, conn, frame.Encode())
}

func sendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	frame, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("server sent invalid frame: %v", err)
	}
	return frame
}

// recvUntil reads frames until match accepts one, returning the frames seen
// before it and the match.
func recvUntil(t *testing.T, conn *websocket.Conn, match func(wire.Frame) bool) ([]wire.Frame, wire.Frame) {
	t.Helper()
	var seen []wire.Frame
	for {
		frame := recv(t, conn)
		if match(frame) {
			return seen, frame
		}
		seen = append(seen, frame)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTokenAuthentication(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		header     string
		wantStatus int
	}{
		{"valid query token", testToken, "", http.StatusSwitchingProtocols},
		{"valid bearer header", "", "Bearer " + testToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", "", http.StatusUnauthorized},
		{"invalid bearer header", "", "Bearer nope", http.StatusUnauthorized},
		{"missing token", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHub(t, Options{})

			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, th.url(tt.query), &websocket.DialOptions{HTTPHeader: header})
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if err == nil {
				conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("expected connection to be refused")
			}
		})
	}
}

func TestCheckTokenDisabled(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !CheckToken("", r) {
		t.Fatal("empty token should accept every request")
	}
	if CheckToken("x", r) {
		t.Fatal("missing credentials accepted")
	}
}

func TestHelloRequiredBeforeOtherFrames(t *testing.T) {
	th := newTestHub(t, Options{ServerVersion: "1.2.3"})
	conn := th.dial(t)

	// Ignored: no hello yet.
	send(t, conn, wire.Frame{Type: wire.TypePing, Payload: []byte("early")})
	send(t, conn, wire.NewHelloFrame(wire.HelloPayload{AuthMode: wire.AuthToken}))

	frame := recv(t, conn)
	if frame.Type != wire.TypeWelcome {
		t.Fatalf("first frame = %s, want welcome", frame.Type)
	}
	var welcome wire.WelcomePayload
	if err := json.Unmarshal(frame.Payload, &welcome); err != nil {
		t.Fatalf("welcome payload: %v", err)
	}
	if welcome.ServerVersion != "1.2.3" || welcome.ClientID == "" || welcome.Sessions != 0 {
		t.Fatalf("welcome = %+v", welcome)
	}

	send(t, conn, wire.Frame{Type: wire.TypePing, Payload: []byte("late")})
	if frame := recv(t, conn); frame.Type != wire.TypePong || string(frame.Payload) != "late" {
		t.Fatalf("ping answer = %s %q, want pong \"late\"", frame.Type, frame.Payload)
	}
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	th := newTestHub(t, Options{})
	conn := th.connect(t)

	sendRaw(t, conn, []byte{0x00, 0x01, 0x02})
	if frame := recv(t, conn); frame.Type != wire.TypeError {
		t.Fatalf("answer to garbage = %s, want error", frame.Type)
	}

	send(t, conn, wire.Frame{Type: wire.TypeStdout, SessionID: "s1"})
	if frame := recv(t, conn); frame.Type != wire.TypeError || !strings.Contains(string(frame.Payload), "unexpected") {
		t.Fatalf("answer to stdout frame = %s %q", frame.Type, frame.Payload)
	}

	send(t, conn, wire.Frame{Type: wire.TypePing})
	if frame := recv(t, conn); frame.Type != wire.TypePong {
		t.Fatalf("connection did not survive: got %s", frame.Type)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	th := newTestHub(t, Options{})
	conn := th.connect(t)

	send(t, conn, wire.Frame{Type: wire.TypeSubscribe, SessionID: "missing"})
	frame := recv(t, conn)
	if frame.Type != wire.TypeError || frame.SessionID != "missing" {
		t.Fatalf("answer = %s %q, want error for missing", frame.Type, frame.SessionID)
	}
	if !strings.Contains(string(frame.Payload), session.ErrNotFound.Error()) {
		t.Fatalf("error message = %q", frame.Payload)
	}
}

func TestSubscribeReplayThenLive(t *testing.T) {
	th := newTestHub(t, Options{})
	s, err := th.registry.Create(context.Background(), session.CreateOptions{Command: "cat", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	early, err := th.registry.Subscribe(s.ID(), wire.SubscribePayload{Flags: wire.FlagStdout})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := th.registry.SendInput(s.ID(), []byte("before\n")); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	// Echo plus the copy cat writes back.
	waitForOutput(t, early, "before", 2)
	early.Close()

	conn := th.connect(t)
	send(t, conn, wire.Frame{
		Type:      wire.TypeSubscribe,
		SessionID: s.ID(),
		Payload:   wire.SubscribePayload{Flags: wire.FlagStdout}.Encode(),
	})

	first := recv(t, conn)
	if first.Type != wire.TypeResize || first.SessionID != s.ID() {
		t.Fatalf("replay starts with %s, want resize", first.Type)
	}
	if cols, rows, err := wire.ParseResize(first.Payload); err != nil || cols != 80 || rows != 24 {
		t.Fatalf("replay size = %dx%d, %v", cols, rows, err)
	}

	send(t, conn, wire.Frame{Type: wire.TypeInputText, SessionID: s.ID(), Payload: []byte("live\n")})
	var output strings.Builder
	_, _ = recvUntil(t, conn, func(frame wire.Frame) bool {
		if frame.Type == wire.TypeError {
			t.Fatalf("unexpected error frame %q", frame.Payload)
		}
		if frame.Type == wire.TypeStdout {
			output.Write(frame.Payload)
		}
		return strings.Count(output.String(), "live") >= 2
	})
	if got := strings.Count(output.String(), "before"); got != 2 {
		t.Fatalf("replay plus live holds %d copies of the early output, want 2: %q", got, output.String())
	}
	if strings.Index(output.String(), "before") > strings.Index(output.String(), "live") {
		t.Fatalf("replayed output arrived after live output: %q", output.String())
	}
}

func waitForOutput(t *testing.T, sub *session.Subscriber, want string, count int) {
	t.Helper()
	var output strings.Builder
	timeout := time.After(5 * time.Second)
	for strings.Count(output.String(), want) < count {
		select {
		case frame := <-sub.Frames():
			output.Write(frame.Payload)
		case <-timeout:
			t.Fatalf("timed out waiting for %q, got %q", want, output.String())
		}
	}
}

func TestGlobalSubscriptionReceivesEvents(t *testing.T) {
	th := newTestHub(t, Options{})
	conn := th.connect(t)

	send(t, conn, wire.Frame{Type: wire.TypeSubscribe})
	// The ping round trip orders the subscription before the create.
	send(t, conn, wire.Frame{Type: wire.TypePing})
	if frame := recv(t, conn); frame.Type != wire.TypePong {
		t.Fatalf("got %s, want pong", frame.Type)
	}

	s, err := th.registry.Create(context.Background(), session.CreateOptions{Name: "watched", Command: "cat"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, frame := recvUntil(t, conn, func(frame wire.Frame) bool { return frame.Type == wire.TypeEvent })
	event, err := wire.ParseServerEvent(frame)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if event.Kind != wire.EventSessionCreated || event.SessionID != s.ID() || event.Name != "watched" {
		t.Fatalf("event = %+v", event)
	}
}

func TestKillFrameEndsSubscription(t *testing.T) {
	th := newTestHub(t, Options{})
	s, err := th.registry.Create(context.Background(), session.CreateOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := th.connect(t)
	send(t, conn, wire.Frame{
		Type:      wire.TypeSubscribe,
		SessionID: s.ID(),
		Payload:   wire.SubscribePayload{Flags: wire.FlagStdout | wire.FlagEvents}.Encode(),
	})
	send(t, conn, wire.Frame{Type: wire.TypeKill, SessionID: s.ID(), Payload: []byte("KILL")})

	_, frame := recvUntil(t, conn, func(frame wire.Frame) bool {
		if frame.Type != wire.TypeEvent {
			return false
		}
		event, err := wire.ParseServerEvent(frame)
		return err == nil && event.Kind == wire.EventSessionExited
	})
	event, _ := wire.ParseServerEvent(frame)
	if event.ExitCode == nil || *event.ExitCode != 137 {
		t.Fatalf("exit event = %+v, want code 137", event)
	}
}

func TestExitEventFollowsOutput(t *testing.T) {
	th := newTestHub(t, Options{SendBuffer: 4096})
	const size = 1500000
	s, err := th.registry.Create(context.Background(), session.CreateOptions{
		Command: `sh -c 'read x; head -c 1500000 /dev/zero | tr "\000" a; exit 3'`,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := th.connect(t)
	send(t, conn, wire.Frame{
		Type:      wire.TypeSubscribe,
		SessionID: s.ID(),
		Payload:   wire.SubscribePayload{Flags: wire.FlagStdout | wire.FlagEvents}.Encode(),
	})
	send(t, conn, wire.Frame{Type: wire.TypeInputText, SessionID: s.ID(), Payload: []byte("go\n")})

	seen, frame := recvUntil(t, conn, func(frame wire.Frame) bool {
		if frame.Type == wire.TypeError {
			t.Fatalf("unexpected error frame %q", frame.Payload)
		}
		if frame.Type != wire.TypeEvent {
			return false
		}
		event, err := wire.ParseServerEvent(frame)
		return err == nil && event.Kind == wire.EventSessionExited
	})
	event, _ := wire.ParseServerEvent(frame)
	if event.ExitCode == nil || *event.ExitCode != 3 {
		t.Fatalf("exit event = %+v, want code 3", event)
	}

	var before int
	for _, f := range seen {
		if f.Type == wire.TypeStdout {
			before += strings.Count(string(f.Payload), "a")
		}
	}
	if before != size {
		t.Fatalf("output before the exit event = %d bytes, want %d", before, size)
	}

	// The exit travelled in-stream; the broadcast copy is suppressed.
	send(t, conn, wire.Frame{Type: wire.TypePing})
	after, _ := recvUntil(t, conn, func(frame wire.Frame) bool { return frame.Type == wire.TypePong })
	for _, f := range after {
		if f.Type == wire.TypeStdout || f.Type == wire.TypeEvent {
			t.Fatalf("got %s frame after the exit event", f.Type)
		}
	}
}

func TestRemovedSessionFlushesBufferedOutput(t *testing.T) {
	th := newTestHub(t, Options{})
	s, err := th.registry.Create(context.Background(), session.CreateOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	sub, err := th.registry.Subscribe(s.ID(), wire.SubscribePayload{Flags: wire.FlagStdout})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := th.registry.SendInput(s.ID(), []byte("buffered\n")); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	waitFor(t, "buffered output", func() bool { return len(sub.Frames()) > 0 })

	if err := th.registry.Remove(context.Background(), s.ID()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber not finished after Remove")
	}

	c := newClient(nil, th.hub)
	c.forward(context.Background(), &subscription{payload: wire.SubscribePayload{Flags: wire.FlagStdout}, sub: sub})
	close(c.send)

	var (
		output strings.Builder
		ended  bool
	)
	for data := range c.send {
		frame, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		switch frame.Type {
		case wire.TypeStdout:
			if ended {
				t.Fatalf("stdout frame after the end of the subscription")
			}
			output.Write(frame.Payload)
		case wire.TypeError:
			if string(frame.Payload) != "subscription ended" {
				t.Fatalf("error frame = %q", frame.Payload)
			}
			ended = true
		}
	}
	if !ended {
		t.Fatal("no subscription ended frame")
	}
	if !strings.Contains(output.String(), "buffered") {
		t.Fatalf("output = %q, want the buffered input echo", output.String())
	}
}

func TestInputRateLimited(t *testing.T) {
	th := newTestHub(t, Options{InputRate: 0.001, InputBurst: 1})
	conn := th.connect(t)

	send(t, conn, wire.Frame{Type: wire.TypeInputKey, SessionID: "missing", Payload: []byte("Enter")})
	send(t, conn, wire.Frame{Type: wire.TypeInputKey, SessionID: "missing", Payload: []byte("Enter")})

	first, second := recv(t, conn), recv(t, conn)
	if first.Type != wire.TypeError || !strings.Contains(string(first.Payload), "not found") {
		t.Fatalf("first answer = %s %q, want not found", first.Type, first.Payload)
	}
	if second.Type != wire.TypeError || !strings.Contains(string(second.Payload), "rate limit") {
		t.Fatalf("second answer = %s %q, want rate limit", second.Type, second.Payload)
	}
}

func TestClientLifecycle(t *testing.T) {
	th := newTestHub(t, Options{})

	if th.hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", th.hub.ClientCount())
	}
	conn := th.connect(t)
	waitForClientCount(t, th.hub, 1, time.Second)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, th.hub, 0, time.Second)
}

func TestHighClientCountShutdown(t *testing.T) {
	reg := session.New(session.Options{DataDir: t.TempDir()})
	defer reg.Close(context.Background())
	hub := New(reg, Options{Token: testToken})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	waitFor(t, "hub to run", hub.running.Load)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], testToken)

	numClients := 20
	var conns []*websocket.Conn
	for i := 0; i < numClients; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		dialCancel()
		if err != nil {
			t.Fatalf("failed to connect client %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	waitForClientCount(t, hub, numClients, 2*time.Second)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}

	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}
