package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-claw/internal/router"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/store"
)

type fakeChatter struct {
	reply string
	err   error
	seen  []string
}

func (f *fakeChatter) Chat(_ context.Context, text string, emit router.Emitter) error {
	f.seen = append(f.seen, text)
	if f.err != nil {
		return f.err
	}
	emit(router.EventMessage, router.TextEvent{Text: f.reply})
	return nil
}

type fixedActivity int

func (a fixedActivity) ActiveCount() int { return int(a) }

func newTestStore(t *testing.T) (*store.GormStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	st, err := store.NewGormStore("sqlite", path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func newTestHandler(t *testing.T, chat *fakeChatter) (http.Handler, *store.GormStore) {
	t.Helper()
	st, path := newTestStore(t)
	if chat == nil {
		chat = &fakeChatter{reply: "hi there"}
	}
	srv := NewServer(nil, Options{
		Addr:           "127.0.0.1:0",
		AllowedOrigins: []string{"http://localhost:3000", "http://app.local"},
		WebChatJID:     "web:chat",
		DBPath:         path,
		Orphans:        []sandbox.Orphan{{Name: "crab-claw-main-1", Runtime: "docker"}},
	}, chat, st, fixedActivity(2))
	return srv.Handler, st
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got=%d want=200", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"status":"ok"}` {
		t.Fatalf("got=%s", body)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	cases := []struct {
		origin string
		want   string
	}{
		{"http://app.local", "http://app.local"},
		{"http://evil.example", "http://localhost:3000"},
		{"", "http://localhost:3000"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("origin=%q got=%d want=204", tc.origin, rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Fatalf("origin=%q got=%q want=%q", tc.origin, got, tc.want)
		}
	}
}

func TestChatStreamsSSE(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "hello <b>"}
	h, _ := newTestHandler(t, chat)
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("got content type %q", ct)
	}

	events := readSSE(t, resp)
	want := []string{"typing", "message", "done"}
	if len(events) != len(want) {
		t.Fatalf("got=%v want=%v", events, want)
	}
	for i := range want {
		if events[i].name != want[i] {
			t.Fatalf("event %d got=%s want=%s", i, events[i].name, want[i])
		}
	}
	var payload router.TextEvent
	if err := json.Unmarshal([]byte(events[1].data), &payload); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	if payload.Text != "hello <b>" {
		t.Fatalf("got=%q", payload.Text)
	}
	if events[0].data != "{}" {
		t.Fatalf("typing data got=%s want={}", events[0].data)
	}
	if len(chat.seen) != 1 || chat.seen[0] != "hi" {
		t.Fatalf("unexpected chat calls %v", chat.seen)
	}
}

func TestChatReportsHandlerError(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeChatter{err: errors.New("boom")})
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	events := readSSE(t, resp)
	if len(events) != 3 || events[1].name != "error" || !strings.Contains(events[1].data, "Internal error processing message") {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	cases := []struct {
		body string
		want string
	}{
		{`{not json`, "Invalid JSON"},
		{`{"message":"   "}`, "message is required"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tc.body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body=%s got=%d want=400", tc.body, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), tc.want) {
			t.Fatalf("body=%s got=%s want %q", tc.body, rr.Body.String(), tc.want)
		}
	}
}

func TestChatWebSocket(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeChatter{reply: "pong"})
	server := httptest.NewServer(h)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"message": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frames []struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	for len(frames) < 3 {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		frames = append(frames, frame)
	}
	if frames[0].Event != "typing" || frames[1].Event != "message" || frames[2].Event != "done" {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if string(frames[1].Data) != `{"text":"pong"}` {
		t.Fatalf("got=%s", frames[1].Data)
	}
}

func TestChatWebSocketRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	server := httptest.NewServer(h)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws"
	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", resp)
	}
}

func TestMessagesChronologicalWithLimit(t *testing.T) {
	t.Parallel()

	h, st := newTestHandler(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		if err := st.StoreMessage(ctx, store.Message{
			ID:        "web-" + text,
			ChatJID:   "web:chat",
			Sender:    "User",
			Content:   text,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("store message: %v", err)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages?limit=2", nil))
	var body struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 || body.Messages[0].Content != "two" || body.Messages[1].Content != "three" {
		t.Fatalf("unexpected messages %+v", body.Messages)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages?limit=bogus", nil))
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("got=%d want=3", len(body.Messages))
	}
}

func TestStateAndTasks(t *testing.T) {
	t.Parallel()

	h, st := newTestHandler(t, nil)
	ctx := context.Background()
	if _, err := st.PutConversation(ctx, store.Conversation{JID: "tg:1", Name: "Main", Folder: "main"}); err != nil {
		t.Fatalf("put conversation: %v", err)
	}
	if err := st.SetSession(ctx, "main", "sess-1"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	for _, task := range []store.Task{
		{ID: "task-1", GroupFolder: "main", ChatJID: "tg:1", Prompt: "a", ScheduleType: store.ScheduleInterval, ScheduleValue: "60000"},
		{ID: "task-2", GroupFolder: "main", ChatJID: "tg:1", Prompt: "b", ScheduleType: store.ScheduleOnce, ScheduleValue: "2026-03-01T10:00:00", Status: store.TaskPaused},
	} {
		if _, err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	if err := st.AppendRunLog(ctx, store.TaskRunLog{TaskID: "task-1", RunAt: time.Now().UTC(), Status: store.RunSuccess, Result: "ok"}); err != nil {
		t.Fatalf("append run log: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	var state stateResponse
	if err := json.NewDecoder(rr.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !state.DBExists || state.Sessions != 1 || state.ActiveSandboxes != 2 {
		t.Fatalf("unexpected state %+v", state)
	}
	if len(state.Groups) != 1 || state.Groups[0].Folder != "main" {
		t.Fatalf("unexpected groups %+v", state.Groups)
	}
	if state.TaskStats.Total != 2 || state.TaskStats.Active != 1 || state.TaskStats.Paused != 1 {
		t.Fatalf("unexpected task stats %+v", state.TaskStats)
	}
	if len(state.Orphans) != 1 || state.Orphans[0].Name != "crab-claw-main-1" {
		t.Fatalf("unexpected orphans %+v", state.Orphans)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	var tasks struct {
		Tasks   []store.Task       `json:"tasks"`
		RunLogs []store.TaskRunLog `json:"runLogs"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks.Tasks) != 2 || len(tasks.RunLogs) != 1 || tasks.RunLogs[0].TaskID != "task-1" {
		t.Fatalf("unexpected tasks body %+v", tasks)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	for _, path := range []string{"/api/health", "/api/messages", "/api/state", "/api/tasks"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(nil)))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("path=%s got=%d want=405", path, rr.Code)
		}
	}
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read sse: %v", err)
	}
	return events
}
