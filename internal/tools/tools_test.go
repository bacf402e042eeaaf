package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/store"
)

type nopSender struct{}

func (nopSender) Deliver(context.Context, string, string) error { return nil }

type fakeDirectory struct{}

func (fakeDirectory) ListChats(_ context.Context, limit int) ([]channels.ChatInfo, error) {
	return []channels.ChatInfo{
		{JID: "tgc:42", Name: "Alice", Type: channels.ChatTypeUser},
		{JID: "tgc:-100", Name: "News", Type: channels.ChatTypeChannel},
	}[:min(limit, 2)], nil
}

func (fakeDirectory) SearchChats(_ context.Context, query string, _ int) ([]channels.ChatInfo, error) {
	if query == "nothing" {
		return nil, nil
	}
	return []channels.ChatInfo{{JID: "tgc:7", Name: query, Type: channels.ChatTypeGroup}}, nil
}

func (fakeDirectory) FetchMessages(_ context.Context, jid string, limit int) ([]channels.HistoryMessage, error) {
	return []channels.HistoryMessage{
		{ID: 1, Text: "limit " + strconv.Itoa(limit), SenderName: "Bob", SenderID: "99", Date: "2026-03-01T09:00:00Z"},
	}, nil
}

type hostFixture struct {
	root  string
	store *store.GormStore
}

// newHost runs a real watcher and dispatcher against a temp store.
func newHost(t *testing.T) *hostFixture {
	t.Helper()

	base := t.TempDir()
	st, err := store.NewGormStore("sqlite", filepath.Join(base, "messages.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, conv := range []store.Conversation{
		{JID: "tg:1", Name: "Main", Folder: "main"},
		{JID: "tg:2", Name: "Team", Folder: "team", RequiresTrigger: true},
	} {
		if _, err := st.PutConversation(ctx, conv); err != nil {
			t.Fatalf("put conversation: %v", err)
		}
	}

	root := filepath.Join(base, "ipc")
	for _, folder := range []string{"main", "team"} {
		if _, err := ipc.EnsureNamespace(root, folder); err != nil {
			t.Fatalf("ensure namespace: %v", err)
		}
	}
	dispatcher := ipc.NewDispatcher(ipc.DispatcherConfig{
		Store:     st,
		Sender:    nopSender{},
		Directory: fakeDirectory{},
		GroupsDir: filepath.Join(base, "groups"),
		Location:  time.UTC,
	})
	watcher := ipc.NewWatcher(root, "main", 20*time.Millisecond, dispatcher, nil)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(watcher.Stop)
	return &hostFixture{root: root, store: st}
}

func (h *hostFixture) tools(folder, jid string, isMain bool) *Tools {
	env := config.SandboxEnv{
		ChatJID:     jid,
		GroupFolder: folder,
		IsMain:      isMain,
		IPCDir:      filepath.Join(h.root, folder),
	}
	return New(env, Options{RequestTimeout: 3 * time.Second, PollInterval: 10 * time.Millisecond})
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult, err error) (string, bool) {
	t.Helper()
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestSendMessageWritesEnvelope(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tl := New(config.SandboxEnv{ChatJID: "tg:2", GroupFolder: "team", IPCDir: dir}, Options{})

	text, isErr := resultText(t, tl.sendMessage(context.Background(), call(map[string]any{"text": "halfway there", "sender": " Researcher "})))
	if isErr || text != "Message sent." {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}

	msgDir := filepath.Join(dir, ipc.DirMessages)
	names, err := ipc.PendingFiles(msgDir)
	if err != nil || len(names) != 1 {
		t.Fatalf("pending files=%v err=%v", names, err)
	}
	raw, err := os.ReadFile(filepath.Join(msgDir, names[0]))
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var cmd ipc.MessageCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if cmd.Type != ipc.KindMessage || cmd.ChatJID != "tg:2" || cmd.Text != "halfway there" || cmd.Sender != "Researcher" || cmd.GroupFolder != "team" {
		t.Fatalf("unexpected envelope %+v", cmd)
	}

	_, isErr = resultText(t, tl.sendMessage(context.Background(), call(map[string]any{"text": "  "})))
	if !isErr {
		t.Fatalf("expected error for empty text")
	}
}

func TestSendToChatIsLimitedForNonMain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	team := New(config.SandboxEnv{ChatJID: "tg:2", GroupFolder: "team", IPCDir: dir}, Options{})
	text, isErr := resultText(t, team.sendToChat(context.Background(), call(map[string]any{"jid": "tgc:42", "text": "hi"})))
	if !isErr || !strings.Contains(text, "Only the main conversation") {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}
	if names, _ := ipc.PendingFiles(filepath.Join(dir, ipc.DirMessages)); len(names) != 0 {
		t.Fatalf("rejected send should not write, got %v", names)
	}

	main := New(config.SandboxEnv{ChatJID: "tg:1", GroupFolder: "main", IsMain: true, IPCDir: dir}, Options{})
	text, isErr = resultText(t, main.sendToChat(context.Background(), call(map[string]any{"jid": "tgc:42", "text": "hi"})))
	if isErr || text != "Message sent to tgc:42." {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}
}

func TestScheduleTaskRejectsInvalidScheduleWithoutWriting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tl := New(config.SandboxEnv{ChatJID: "tg:2", GroupFolder: "team", IPCDir: dir}, Options{})
	cases := []map[string]any{
		{"prompt": "x", "schedule_type": "cron", "schedule_value": "bogus"},
		{"prompt": "x", "schedule_type": "interval", "schedule_value": "-5"},
		{"prompt": "x", "schedule_type": "once", "schedule_value": "tomorrow"},
		{"prompt": "", "schedule_type": "interval", "schedule_value": "1000"},
	}
	for _, args := range cases {
		_, isErr := resultText(t, tl.scheduleTask(context.Background(), call(args)))
		if !isErr {
			t.Fatalf("args=%v expected error", args)
		}
	}
	if names, _ := ipc.PendingFiles(filepath.Join(dir, ipc.DirTasks)); len(names) != 0 {
		t.Fatalf("invalid schedules should not be written, got %v", names)
	}
}

func TestScheduleAndControlTaskThroughHost(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	ctx := context.Background()
	team := h.tools("team", "tg:2", false)

	text, isErr := resultText(t, team.scheduleTask(ctx, call(map[string]any{
		"prompt":           "summarize the day",
		"schedule_type":    "cron",
		"schedule_value":   "0 18 * * *",
		"target_group_jid": "tg:1",
	})))
	if isErr || !strings.HasPrefix(text, "Task scheduled (") || !strings.HasSuffix(text, "): cron - 0 18 * * *") {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}
	taskID := strings.TrimSuffix(strings.TrimPrefix(text, "Task scheduled ("), "): cron - 0 18 * * *")

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ChatJID != "tg:2" || task.GroupFolder != "team" || task.ContextMode != "group" {
		t.Fatalf("non-main target should be ignored, got %+v", task)
	}

	text, isErr = resultText(t, team.taskTransition(ipc.KindPauseTask, "paused")(ctx, call(map[string]any{"task_id": taskID})))
	if isErr || text != "Task "+taskID+" paused." {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}
	if task, _ = h.store.GetTask(ctx, taskID); task.Status != store.TaskPaused {
		t.Fatalf("status got=%s want=%s", task.Status, store.TaskPaused)
	}

	_, isErr = resultText(t, team.taskTransition(ipc.KindCancelTask, "cancelled")(ctx, call(map[string]any{"task_id": "missing"})))
	if !isErr {
		t.Fatalf("expected error for unknown task")
	}
}

func TestRegisterGroupIsMainOnly(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	ctx := context.Background()
	args := map[string]any{"jid": "tg:3", "name": "Family", "folder": "family", "trigger": "@Andy"}

	text, isErr := resultText(t, h.tools("team", "tg:2", false).registerGroup(ctx, call(args)))
	if !isErr || !strings.Contains(text, "Only the main conversation") {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}

	text, isErr = resultText(t, h.tools("main", "tg:1", true).registerGroup(ctx, call(args)))
	if isErr {
		t.Fatalf("register failed: %s", text)
	}
	conv, err := h.store.GetConversation(ctx, "tg:3")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Folder != "family" || conv.Name != "Family" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}

func TestListTasksFiltersByFolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snapshot := []ipc.TaskSnapshot{
		{ID: "t1", GroupFolder: "team", Prompt: strings.Repeat("p", 80), ScheduleType: "interval", ScheduleValue: "60000", Status: "active", NextRun: "2026-03-01T09:00:00Z"},
		{ID: "t2", GroupFolder: "main", Prompt: "main only", ScheduleType: "once", ScheduleValue: "2026-03-02T10:00:00", Status: "paused"},
	}
	if err := ipc.WriteJSONAtomic(filepath.Join(dir, ipc.TasksSnapshotFile), snapshot); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	team := New(config.SandboxEnv{GroupFolder: "team", IPCDir: dir}, Options{})
	text, _ := resultText(t, team.listTasks(context.Background(), call(nil)))
	if !strings.Contains(text, "[t1]") || strings.Contains(text, "[t2]") {
		t.Fatalf("team should only see own tasks, got %q", text)
	}
	if !strings.Contains(text, strings.Repeat("p", 49)+"…") {
		t.Fatalf("prompt should be truncated, got %q", text)
	}

	main := New(config.SandboxEnv{GroupFolder: "main", IsMain: true, IPCDir: dir}, Options{})
	text, _ = resultText(t, main.listTasks(context.Background(), call(nil)))
	if !strings.Contains(text, "[t1]") || !strings.Contains(text, "[t2]") || !strings.Contains(text, "next: N/A") {
		t.Fatalf("main should see all tasks, got %q", text)
	}

	empty := New(config.SandboxEnv{GroupFolder: "x", IPCDir: t.TempDir()}, Options{})
	if text, _ = resultText(t, empty.listTasks(context.Background(), call(nil))); text != "No scheduled tasks found." {
		t.Fatalf("got=%q", text)
	}
}

func TestDirectoryToolsFormatResults(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	ctx := context.Background()
	tl := h.tools("team", "tg:2", false)

	text, isErr := resultText(t, tl.listChats(ctx, call(map[string]any{"limit": 1})))
	if isErr || text != "Chats (1):\n[user] Alice — tgc:42" {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}

	text, isErr = resultText(t, tl.searchChats(ctx, call(map[string]any{"query": "golang"})))
	if isErr || !strings.Contains(text, "[group] golang — tgc:7") {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}
	text, _ = resultText(t, tl.searchChats(ctx, call(map[string]any{"query": "nothing"})))
	if text != `No results found for "nothing".` {
		t.Fatalf("got=%q", text)
	}

	text, isErr = resultText(t, tl.getMessages(ctx, call(map[string]any{"jid": "tgc:42", "limit": 500})))
	if isErr || !strings.Contains(text, "[2026-03-01T09:00:00Z] Bob (tgc:99): limit 100") {
		t.Fatalf("got=%q isError=%v", text, isErr)
	}
}
