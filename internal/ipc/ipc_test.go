package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/store"
)

type recordingSender struct {
	mu        sync.Mutex
	delivered []string
}

func (s *recordingSender) Deliver(_ context.Context, jid, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, jid+"|"+text)
	return nil
}

func (s *recordingSender) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

type stubDirectory struct{}

func (stubDirectory) ListChats(_ context.Context, limit int) ([]channels.ChatInfo, error) {
	return []channels.ChatInfo{{JID: "tgc:42", Name: "Alice", Type: channels.ChatTypeUser}}[:min(limit, 1)], nil
}

func (stubDirectory) SearchChats(_ context.Context, query string, _ int) ([]channels.ChatInfo, error) {
	return []channels.ChatInfo{{JID: "tgc:7", Name: query, Type: channels.ChatTypeChannel}}, nil
}

func (stubDirectory) FetchMessages(_ context.Context, jid string, limit int) ([]channels.HistoryMessage, error) {
	return []channels.HistoryMessage{{ID: int64(limit), Text: "hello from " + jid}}, nil
}

type fixture struct {
	root    string
	groups  string
	store   *store.GormStore
	sender  *recordingSender
	watcher *Watcher
}

func newFixture(t *testing.T) *fixture {
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

	f := &fixture{
		root:   filepath.Join(base, "ipc"),
		groups: filepath.Join(base, "groups"),
		store:  st,
		sender: &recordingSender{},
	}
	dispatcher := NewDispatcher(DispatcherConfig{
		Store:     st,
		Sender:    f.sender,
		Directory: stubDirectory{},
		GroupsDir: f.groups,
		Location:  time.UTC,
	})
	f.watcher = NewWatcher(f.root, "main", time.Second, dispatcher, nil)
	for _, folder := range []string{"main", "team"} {
		if _, err := EnsureNamespace(f.root, folder); err != nil {
			t.Fatalf("ensure namespace: %v", err)
		}
	}
	return f
}

func (f *fixture) write(t *testing.T, folder, sub string, v any) string {
	t.Helper()
	name, err := WriteEnvelope(filepath.Join(f.root, folder, sub), v)
	if err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	return name
}

func (f *fixture) response(t *testing.T, folder, requestID string) Response {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(f.root, folder, DirResponses, requestID+".json"))
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWriteEnvelopeIsAtomicAndOrdered(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := WriteEnvelope(dir, MessageCommand{Type: KindMessage, Text: "a"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := WriteEnvelope(dir, MessageCommand{Type: KindMessage, Text: "b"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	names, err := PendingFiles(dir)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(names) != 2 || names[0] != first || names[1] != second {
		t.Fatalf("got=%v want=[%s %s]", names, first, second)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	requester := NewRequester(filepath.Join(f.root, "team"), 2*time.Second)
	requester.interval = 20 * time.Millisecond

	go func() {
		time.Sleep(200 * time.Millisecond)
		f.watcher.Scan(context.Background())
	}()

	start := time.Now()
	data, err := requester.Do(context.Background(), Request{Type: KindListChats, RequestID: "req-1", Limit: 5})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("response arrived before the host answered: %s", elapsed)
	}
	var chats []channels.ChatInfo
	if err := json.Unmarshal(data, &chats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chats) != 1 || chats[0].JID != "tgc:42" {
		t.Fatalf("unexpected chats %+v", chats)
	}
	if exists(filepath.Join(f.root, "team", DirResponses, "req-1.json")) {
		t.Fatalf("response file should be consumed")
	}
	names, _ := PendingFiles(filepath.Join(f.root, "team", DirRequests))
	if len(names) != 0 {
		t.Fatalf("request files left behind: %v", names)
	}
}

func TestRequesterReturnsHostError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	requester := NewRequester(filepath.Join(f.root, "team"), 2*time.Second)
	requester.interval = 20 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.watcher.Scan(context.Background())
	}()

	_, err := requester.Do(context.Background(), Request{Type: KindSearchChats, RequestID: "req-2"})
	if err == nil || err.Error() != "query is required" {
		t.Fatalf("got=%v want=query is required", err)
	}
}

func TestCommandRoundTripReturnsAck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	requester := NewRequester(filepath.Join(f.root, "team"), 2*time.Second)
	requester.interval = 20 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.watcher.Scan(context.Background())
	}()

	ack, err := requester.Command(context.Background(), TaskCommand{
		Type:          KindScheduleTask,
		Prompt:        "water the plants",
		ScheduleType:  "interval",
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if ack.TaskID == "" {
		t.Fatalf("expected task id in ack")
	}
	task, err := f.store.GetTask(context.Background(), ack.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.GroupFolder != "team" || task.ChatJID != "tg:2" {
		t.Fatalf("unexpected task %+v", task)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.watcher.Scan(context.Background())
	}()
	if _, err := requester.Command(context.Background(), TaskCommand{Type: KindPauseTask, TaskID: "missing"}); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestRequesterTimeout(t *testing.T) {
	t.Parallel()

	requester := NewRequester(t.TempDir(), 100*time.Millisecond)
	requester.interval = 10 * time.Millisecond
	_, err := requester.Do(context.Background(), Request{Type: KindListChats})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got=%v want=%v", err, ErrTimeout)
	}
}

func TestNonMainMessagesAreLimitedToOwnChat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rejected := f.write(t, "team", DirMessages, MessageCommand{Type: KindMessage, ChatJID: "tg:1", Text: "spoof"})
	f.write(t, "team", DirMessages, MessageCommand{Type: KindMessage, ChatJID: "tg:2", Text: "own"})
	f.write(t, "main", DirMessages, MessageCommand{Type: KindMessage, ChatJID: "tg:2", Text: "from main"})

	f.watcher.Scan(context.Background())

	got := f.sender.snapshot()
	want := []string{"tg:1|spoof"}
	for _, entry := range got {
		if entry == want[0] {
			t.Fatalf("non-main message to another chat was delivered: %v", got)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got=%v want two deliveries", got)
	}
	if !exists(filepath.Join(f.root, DirErrors, "team-"+rejected)) {
		t.Fatalf("rejected file not moved to errors")
	}
	for _, folder := range []string{"main", "team"} {
		names, _ := PendingFiles(filepath.Join(f.root, folder, DirMessages))
		if len(names) != 0 {
			t.Fatalf("folder=%s files left behind: %v", folder, names)
		}
	}
}

func TestMalformedFileMovesToErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := filepath.Join(f.root, "main", DirTasks, "1-bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.watcher.Scan(context.Background())
	if exists(path) {
		t.Fatalf("malformed file still pending")
	}
	if !exists(filepath.Join(f.root, DirErrors, "main-1-bad.json")) {
		t.Fatalf("malformed file not moved to errors")
	}
}

func TestScheduleTaskValidationAndAck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "team", DirTasks, TaskCommand{
		Type:          KindScheduleTask,
		RequestID:     "bad",
		Prompt:        "p",
		ScheduleType:  "interval",
		ScheduleValue: "-5",
	})
	f.write(t, "team", DirTasks, TaskCommand{
		Type:          KindScheduleTask,
		RequestID:     "good",
		Prompt:        "check",
		ScheduleType:  "cron",
		ScheduleValue: "0 9 * * *",
		ContextMode:   "isolated",
	})
	f.watcher.Scan(ctx)

	if resp := f.response(t, "team", "bad"); resp.OK || resp.Error == "" {
		t.Fatalf("invalid schedule accepted: %+v", resp)
	}
	resp := f.response(t, "team", "good")
	if !resp.OK {
		t.Fatalf("valid schedule rejected: %s", resp.Error)
	}
	var ack TaskAck
	if err := json.Unmarshal(resp.Data, &ack); err != nil || ack.TaskID == "" {
		t.Fatalf("unexpected ack %s err=%v", resp.Data, err)
	}

	tasks, err := f.store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got=%d tasks want=1", len(tasks))
	}
	task := tasks[0]
	if task.ID != ack.TaskID || task.GroupFolder != "team" || task.ChatJID != "tg:2" || task.CreatedBy != "team" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.ContextMode != store.ContextIsolated || task.NextRun == nil || task.NextRun.UTC().Hour() != 9 {
		t.Fatalf("unexpected task schedule %+v", task)
	}
}

func TestNonMainCannotScheduleForOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "team", DirTasks, TaskCommand{
		Type:          KindScheduleTask,
		RequestID:     "r",
		Prompt:        "p",
		ScheduleType:  "interval",
		ScheduleValue: "60000",
		TargetJID:     "tg:1",
	})
	f.watcher.Scan(context.Background())

	if resp := f.response(t, "team", "r"); resp.OK {
		t.Fatalf("cross-conversation schedule accepted")
	}
	tasks, _ := f.store.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Fatalf("got=%d tasks want=0", len(tasks))
	}
}

func TestTaskLifecycleCommandsRespectOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	for _, task := range []store.Task{
		{ID: "task-main", GroupFolder: "main", ChatJID: "tg:1", Prompt: "p", ScheduleType: store.ScheduleInterval, ScheduleValue: "60000", NextRun: &next},
		{ID: "task-team", GroupFolder: "team", ChatJID: "tg:2", Prompt: "p", ScheduleType: store.ScheduleInterval, ScheduleValue: "60000", NextRun: &next},
	} {
		if _, err := f.store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	f.write(t, "team", DirTasks, TaskCommand{Type: KindPauseTask, TaskID: "task-main", RequestID: "steal"})
	f.write(t, "team", DirTasks, TaskCommand{Type: KindPauseTask, TaskID: "task-team"})
	f.write(t, "main", DirTasks, TaskCommand{Type: KindCancelTask, TaskID: "task-team"})
	f.watcher.Scan(ctx)

	if resp := f.response(t, "team", "steal"); resp.OK {
		t.Fatalf("team paused a main task")
	}
	mainTask, _ := f.store.GetTask(ctx, "task-main")
	if mainTask.Status != store.TaskActive {
		t.Fatalf("got=%s want=%s", mainTask.Status, store.TaskActive)
	}
	teamTask, _ := f.store.GetTask(ctx, "task-team")
	if teamTask.Status != store.TaskCancelled {
		t.Fatalf("got=%s want=%s", teamTask.Status, store.TaskCancelled)
	}

	f.write(t, "team", DirTasks, TaskCommand{Type: KindResumeTask, TaskID: "task-team", RequestID: "resume"})
	f.watcher.Scan(ctx)
	if resp := f.response(t, "team", "resume"); resp.OK {
		t.Fatalf("cancelled task resumed")
	}
}

func TestRegisterGroupIsMainOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "team", DirTasks, TaskCommand{Type: KindRegisterGroup, JID: "tg:3", Name: "Sneaky", Folder: "sneaky"})
	f.watcher.Scan(ctx)
	if _, err := f.store.GetConversation(ctx, "tg:3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("non-main registration applied: %v", err)
	}

	f.write(t, "main", DirTasks, TaskCommand{Type: KindRegisterGroup, JID: "tg:3", Name: "Family", Folder: "family", Trigger: "@Andy"})
	f.watcher.Scan(ctx)
	conv, err := f.store.GetConversation(ctx, "tg:3")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Folder != "family" || conv.TriggerPattern != "@Andy" || !conv.RequiresTrigger {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if !exists(filepath.Join(f.groups, "family", "CLAUDE.md")) {
		t.Fatalf("group prompt file not created")
	}

	f.write(t, "main", DirTasks, TaskCommand{Type: KindRegisterGroup, JID: "tg:3", Name: "Family", Folder: "renamed", RequestID: "rename"})
	f.watcher.Scan(ctx)
	if resp := f.response(t, "main", "rename"); resp.OK {
		t.Fatalf("folder change accepted")
	}
}
