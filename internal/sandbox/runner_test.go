package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/sandbox/sandboxtest"
	"crabstack.local/projects/crab-claw/internal/store"
)

type staticSnapshots struct {
	tasks []store.Task
	chats []store.Chat
	convs []store.Conversation
}

func (s staticSnapshots) ListTasks(context.Context) ([]store.Task, error) { return s.tasks, nil }
func (s staticSnapshots) ListChats(context.Context) ([]store.Chat, error) { return s.chats, nil }
func (s staticSnapshots) ListConversations(context.Context) ([]store.Conversation, error) {
	return s.convs, nil
}

func newRunner(t *testing.T, sup sandbox.Supervisor, snapshots sandbox.SnapshotSource, mutate func(*sandbox.RunnerConfig)) (*sandbox.Runner, sandbox.RunnerConfig) {
	t.Helper()
	root := t.TempDir()
	cfg := sandbox.RunnerConfig{
		GroupsDir:     filepath.Join(root, "groups"),
		IPCDir:        filepath.Join(root, "data", "ipc"),
		SessionsDir:   filepath.Join(root, "data", "sessions"),
		ProjectRoot:   root,
		MainFolder:    "main",
		AssistantName: "Andy",
		Timeout:       5 * time.Second,
		IdleTimeout:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return sandbox.NewRunner(cfg, sup, snapshots, nil), cfg
}

func teamInvocation() sandbox.Invocation {
	return sandbox.Invocation{
		Conversation: store.Conversation{JID: "tg:2", Name: "Team", Folder: "team"},
		ChatJID:      "tg:2",
		Prompt:       "<messages></messages>",
		SessionID:    "sess-old",
	}
}

func TestRunDeliversBlocksAndSession(t *testing.T) {
	t.Parallel()

	sup := &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
		_ = p.Out.Write(sandbox.Block{StreamText: "Hel"})
		_ = p.Out.Write(sandbox.Block{StreamText: "lo"})
		chunk := sandbox.TextResult(sandbox.StatusSuccess, "Hello")
		chunk.IsStreamChunk = true
		_ = p.Out.Write(chunk)
		final := sandbox.TextResult(sandbox.StatusSuccess, "Hello there")
		final.NewSessionID = "sess-new"
		_ = p.Out.Write(final)
		fmt.Fprintln(p.Stderr, "agent log line")
		return 0
	}}
	runner, cfg := newRunner(t, sup, nil, nil)

	var (
		mu       sync.Mutex
		streamed []string
		results  []sandbox.Block
		sessions []string
		spawned  string
	)
	out := runner.Run(context.Background(), teamInvocation(), sandbox.Hooks{
		OnSpawn: func(h sandbox.Handle, inputDir string) { spawned = inputDir },
		OnStreamText: func(text string) {
			mu.Lock()
			streamed = append(streamed, text)
			mu.Unlock()
		},
		OnResult: func(b sandbox.Block) {
			mu.Lock()
			results = append(results, b)
			mu.Unlock()
		},
		OnSession: func(id string) { sessions = append(sessions, id) },
	})

	if out.Failed() || out.Result != "Hello there" || out.NewSessionID != "sess-new" {
		t.Fatalf("unexpected output %+v", out)
	}
	if strings.Join(streamed, "") != "Hello" {
		t.Fatalf("got=%q want=Hello", streamed)
	}
	if len(results) != 2 || !results[0].IsStreamChunk || results[1].IsStreamChunk {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(sessions) != 1 || sessions[0] != "sess-new" {
		t.Fatalf("got=%v want=[sess-new]", sessions)
	}
	if spawned != filepath.Join(cfg.IPCDir, "team", ipc.DirInput) {
		t.Fatalf("got=%s want input dir", spawned)
	}

	var input struct {
		Prompt      string `json:"prompt"`
		SessionID   string `json:"sessionId"`
		GroupFolder string `json:"groupFolder"`
		ChatJID     string `json:"chatJid"`
		IsMain      bool   `json:"isMain"`
	}
	inputs := sup.Inputs()
	if len(inputs) != 1 {
		t.Fatalf("got=%d inputs want=1", len(inputs))
	}
	if err := json.Unmarshal(inputs[0], &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if input.SessionID != "sess-old" || input.GroupFolder != "team" || input.ChatJID != "tg:2" || input.IsMain {
		t.Fatalf("unexpected input %+v", input)
	}

	logs, _ := filepath.Glob(filepath.Join(cfg.GroupsDir, "team", "logs", "sandbox-*.log"))
	if len(logs) != 1 {
		t.Fatalf("got=%d run logs want=1", len(logs))
	}
	raw, _ := os.ReadFile(logs[0])
	if !strings.Contains(string(raw), "agent log line") {
		t.Fatalf("run log missing stderr: %s", raw)
	}
}

func TestRunMountsAndEnv(t *testing.T) {
	sup := &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
		_ = p.Out.Write(sandbox.TextResult(sandbox.StatusSuccess, "ok"))
		return 0
	}}
	t.Setenv("CRABCLAW_TEST_SECRET", "s3cret")
	runner, cfg := newRunner(t, sup, nil, func(c *sandbox.RunnerConfig) {
		c.ExtraMounts = []sandbox.Mount{{HostPath: "/srv/vault", ContainerPath: "vault"}}
		c.PassEnv = []string{"CRABCLAW_TEST_SECRET", "CRABCLAW_TEST_UNSET"}
	})

	inv := teamInvocation()
	inv.Conversation.Sandbox.AdditionalMounts = []store.Mount{{HostPath: "/srv/docs", ContainerPath: "/docs", ReadOnly: true}}
	runner.Run(context.Background(), inv, sandbox.Hooks{})

	main := teamInvocation()
	main.Conversation = store.Conversation{JID: "tg:1", Folder: "main"}
	main.IsScheduledTask = true
	runner.Run(context.Background(), main, sandbox.Hooks{})

	spawns := sup.Spawns()
	if len(spawns) != 2 {
		t.Fatalf("got=%d spawns want=2", len(spawns))
	}

	team := mountsByTarget(spawns[0].Mounts)
	if team[config.DefaultSandboxGroupDir].HostPath != filepath.Join(cfg.GroupsDir, "team") {
		t.Fatalf("unexpected group mount %+v", team[config.DefaultSandboxGroupDir])
	}
	if team[config.DefaultSandboxIPCDir].HostPath != filepath.Join(cfg.IPCDir, "team") {
		t.Fatalf("unexpected ipc mount %+v", team[config.DefaultSandboxIPCDir])
	}
	if _, ok := team[config.DefaultSandboxProjectDir]; ok {
		t.Fatalf("non-main conversation got the project mount")
	}
	if m := team["/workspace/extra/vault"]; m.HostPath != "/srv/vault" {
		t.Fatalf("extra mount not resolved: %+v", spawns[0].Mounts)
	}
	if m := team["/docs"]; !m.ReadOnly {
		t.Fatalf("conversation mount missing: %+v", spawns[0].Mounts)
	}

	mainMounts := mountsByTarget(spawns[1].Mounts)
	if m, ok := mainMounts[config.DefaultSandboxProjectDir]; !ok || !m.ReadOnly {
		t.Fatalf("main conversation needs a read-only project mount: %+v", spawns[1].Mounts)
	}

	env := strings.Join(spawns[1].Env, "\n")
	for _, want := range []string{
		"CRABCLAW_CHAT_JID=tg:2",
		"CRABCLAW_GROUP_FOLDER=main",
		"CRABCLAW_IS_MAIN=1",
		"CRABCLAW_ASSISTANT_NAME=Andy",
		"CRABCLAW_IS_SCHEDULED_TASK=1",
		"CRABCLAW_TEST_SECRET=s3cret",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %s: %v", want, spawns[1].Env)
		}
	}
	if strings.Contains(env, "CRABCLAW_TEST_UNSET") {
		t.Fatalf("unset variable passed through")
	}
}

func mountsByTarget(mounts []sandbox.Mount) map[string]sandbox.Mount {
	out := make(map[string]sandbox.Mount, len(mounts))
	for _, m := range mounts {
		out[m.ContainerPath] = m
	}
	return out
}

func TestRunWritesCloseSentinelAfterIdle(t *testing.T) {
	t.Parallel()

	closed := make(chan bool, 1)
	sup := &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
		_ = p.Out.Write(sandbox.TextResult(sandbox.StatusSuccess, "done"))
		_, gotClose := p.WaitInput(3 * time.Second)
		closed <- gotClose
		return 0
	}}
	runner, _ := newRunner(t, sup, nil, func(c *sandbox.RunnerConfig) {
		c.IdleTimeout = 50 * time.Millisecond
	})

	out := runner.Run(context.Background(), teamInvocation(), sandbox.Hooks{})
	if out.Failed() || out.Result != "done" {
		t.Fatalf("unexpected output %+v", out)
	}
	if !<-closed {
		t.Fatalf("sandbox was not asked to close")
	}
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		sup     *sandboxtest.Supervisor
		timeout time.Duration
		wantErr string
	}{
		{
			name:    "spawn",
			sup:     &sandboxtest.Supervisor{SpawnErr: errors.New("no runtime")},
			wantErr: "spawn sandbox",
		},
		{
			name: "exit code",
			sup: &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
				fmt.Fprintln(p.Stderr, "boom")
				return 2
			}},
			wantErr: "code 2",
		},
		{
			name: "malformed",
			sup: &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
				fmt.Fprintf(p.Stdout, "%s\n{oops\n%s\n", sandbox.OutputStartMarker, sandbox.OutputEndMarker)
				return 0
			}},
			wantErr: "malformed",
		},
		{
			name: "no result",
			sup: &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
				return 0
			}},
			wantErr: "without a result",
		},
		{
			name: "timeout",
			sup: &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
				<-p.Killed
				return 137
			}},
			timeout: 100 * time.Millisecond,
			wantErr: "timed out",
		},
		{
			name: "error block",
			sup: &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
				b := sandbox.TextResult(sandbox.StatusError, "")
				b.Error = "model overloaded"
				_ = p.Out.Write(b)
				return 1
			}},
			wantErr: "model overloaded",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner, _ := newRunner(t, tc.sup, nil, func(c *sandbox.RunnerConfig) {
				if tc.timeout > 0 {
					c.Timeout = tc.timeout
				}
			})
			out := runner.Run(context.Background(), teamInvocation(), sandbox.Hooks{})
			if out.Status != sandbox.StatusError || !strings.Contains(out.Error, tc.wantErr) {
				t.Fatalf("got=%+v want error containing %q", out, tc.wantErr)
			}
		})
	}
}

func TestSnapshotsAreScopedToFolder(t *testing.T) {
	t.Parallel()

	next := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	snapshots := staticSnapshots{
		tasks: []store.Task{
			{ID: "t-main", GroupFolder: "main", Prompt: "a", ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *", Status: store.TaskActive, NextRun: &next},
			{ID: "t-team", GroupFolder: "team", Prompt: "b", ScheduleType: store.ScheduleOnce, ScheduleValue: "2026-03-01T09:00:00", Status: store.TaskPaused},
		},
		chats: []store.Chat{{JID: "tg:1", Name: "Main"}, {JID: "tgc:9", Name: "Stranger"}},
		convs: []store.Conversation{{JID: "tg:1", Folder: "main"}},
	}
	sup := &sandboxtest.Supervisor{Script: func(p *sandboxtest.Process) int {
		_ = p.Out.Write(sandbox.TextResult(sandbox.StatusSuccess, "ok"))
		return 0
	}}
	runner, cfg := newRunner(t, sup, snapshots, nil)

	runner.Run(context.Background(), teamInvocation(), sandbox.Hooks{})
	var teamTasks []ipc.TaskSnapshot
	readJSON(t, filepath.Join(cfg.IPCDir, "team", ipc.TasksSnapshotFile), &teamTasks)
	if len(teamTasks) != 1 || teamTasks[0].ID != "t-team" {
		t.Fatalf("unexpected team tasks %+v", teamTasks)
	}
	var teamGroups ipc.GroupsSnapshot
	readJSON(t, filepath.Join(cfg.IPCDir, "team", ipc.GroupsSnapshotFile), &teamGroups)
	if len(teamGroups.Groups) != 0 {
		t.Fatalf("non-main conversation received the chat list")
	}

	main := teamInvocation()
	main.Conversation = store.Conversation{JID: "tg:1", Folder: "main"}
	runner.Run(context.Background(), main, sandbox.Hooks{})
	var mainTasks []ipc.TaskSnapshot
	readJSON(t, filepath.Join(cfg.IPCDir, "main", ipc.TasksSnapshotFile), &mainTasks)
	if len(mainTasks) != 2 {
		t.Fatalf("got=%d main tasks want=2", len(mainTasks))
	}
	var mainGroups ipc.GroupsSnapshot
	readJSON(t, filepath.Join(cfg.IPCDir, "main", ipc.GroupsSnapshotFile), &mainGroups)
	if len(mainGroups.Groups) != 2 || !mainGroups.Groups[0].IsRegistered || mainGroups.Groups[1].IsRegistered {
		t.Fatalf("unexpected main groups %+v", mainGroups.Groups)
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}
