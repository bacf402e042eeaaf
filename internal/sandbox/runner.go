package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/store"
)

const maxLoggedStderr = 64 * 1024

// SnapshotSource feeds the per-run task and chat snapshots.
type SnapshotSource interface {
	ListTasks(ctx context.Context) ([]store.Task, error)
	ListChats(ctx context.Context) ([]store.Chat, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
}

type RunnerConfig struct {
	GroupsDir     string
	IPCDir        string
	SessionsDir   string
	ProjectRoot   string
	MainFolder    string
	AssistantName string
	NamePrefix    string
	Timeout       time.Duration
	IdleTimeout   time.Duration
	ExtraMounts   []Mount
	// PassEnv names host variables copied into the sandbox when set.
	PassEnv []string
}

// Invocation is one request to run the agent for a conversation.
type Invocation struct {
	Conversation    store.Conversation
	ChatJID         string
	Prompt          string
	SessionID       string
	IsScheduledTask bool
}

// Hooks are called from the runner goroutines while the sandbox runs.
type Hooks struct {
	// OnSpawn receives the live handle and its input directory.
	OnSpawn      func(h Handle, inputDir string)
	OnResult     func(b Block)
	OnStreamText func(text string)
	OnSession    func(sessionID string)
}

type Output struct {
	Status       string
	Result       string
	NewSessionID string
	Error        string
}

func (o Output) Failed() bool {
	return o.Status != StatusSuccess
}

type agentInput struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

type Runner struct {
	cfg        RunnerConfig
	supervisor Supervisor
	snapshots  SnapshotSource
	logger     *log.Logger
	now        func() time.Time
}

func NewRunner(cfg RunnerConfig, supervisor Supervisor, snapshots SnapshotSource, logger *log.Logger) *Runner {
	if supervisor == nil {
		panic("sandbox: supervisor is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultSandboxTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSandboxIdleTimeout
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = config.DefaultSandboxNamePrefix
	}
	return &Runner{
		cfg:        cfg,
		supervisor: supervisor,
		snapshots:  snapshots,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes one invocation to completion. Failures are reported through
// Output, never as a Go error.
func (r *Runner) Run(ctx context.Context, inv Invocation, hooks Hooks) Output {
	if ctx == nil {
		ctx = context.Background()
	}
	conv := inv.Conversation
	folder := conv.Folder
	isMain := folder == r.cfg.MainFolder
	started := r.now()

	paths, err := r.prepare(folder)
	if err != nil {
		return r.fail(folder, "prepare sandbox directories", err)
	}
	r.writeSnapshots(ctx, paths.ipc, folder, isMain)

	name := r.sandboxName(folder, started)
	spec := Spec{
		Name:    name,
		WorkDir: paths.group,
		Mounts:  r.mounts(conv, paths, isMain),
		Env:     r.env(inv, isMain),
	}

	timeout := r.cfg.Timeout
	if conv.Sandbox.TimeoutMS > 0 {
		timeout = time.Duration(conv.Sandbox.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := r.supervisor.Spawn(runCtx, spec)
	if err != nil {
		return r.fail(folder, "spawn sandbox", err)
	}
	if hooks.OnSpawn != nil {
		hooks.OnSpawn(handle, paths.input)
	}

	input, err := json.Marshal(agentInput{
		Prompt:          inv.Prompt,
		SessionID:       inv.SessionID,
		GroupFolder:     folder,
		ChatJID:         inv.ChatJID,
		IsMain:          isMain,
		IsScheduledTask: inv.IsScheduledTask,
	})
	if err == nil {
		_, err = handle.Stdin().Write(input)
	}
	if closeErr := handle.Stdin().Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = handle.Kill()
		_, _ = handle.Wait()
		return r.fail(folder, "write sandbox input", err)
	}

	var (
		mu         sync.Mutex
		last       *Block
		sessionID  string
		gotResult  bool
		idleTimer  *time.Timer
		idleClosed bool
	)
	armIdle := func() {
		mu.Lock()
		defer mu.Unlock()
		if idleTimer != nil {
			idleTimer.Stop()
		}
		idleTimer = time.AfterFunc(r.cfg.IdleTimeout, func() {
			mu.Lock()
			idleClosed = true
			mu.Unlock()
			if err := writeCloseSentinel(paths.input); err != nil {
				r.logger.Printf("write close sentinel failed folder=%s err=%v", folder, err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if idleTimer != nil {
			idleTimer.Stop()
		}
		mu.Unlock()
	}()

	stderrBuf := &limitedBuffer{limit: maxLoggedStderr}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stderrBuf, handle.Stderr())
	}()

	done := make(chan struct{})
	watchDone := make(chan struct{})
	var killedByCtx bool
	go func() {
		defer close(watchDone)
		select {
		case <-runCtx.Done():
			_ = handle.Kill()
			mu.Lock()
			killedByCtx = true
			mu.Unlock()
		case <-done:
		}
	}()

	malformed, scanErr := ScanBlocks(handle.Stdout(), func(b Block) {
		if b.NewSessionID != "" {
			mu.Lock()
			sessionID = b.NewSessionID
			mu.Unlock()
			if hooks.OnSession != nil {
				hooks.OnSession(b.NewSessionID)
			}
		}
		if b.IsStreamText() {
			if hooks.OnStreamText != nil {
				hooks.OnStreamText(b.StreamText)
			}
			return
		}
		if !b.IsStreamChunk {
			mu.Lock()
			copied := b
			last = &copied
			gotResult = true
			mu.Unlock()
			armIdle()
		}
		if hooks.OnResult != nil {
			hooks.OnResult(b)
		}
	}, nil)
	wg.Wait()
	code, waitErr := handle.Wait()

	close(done)
	<-watchDone

	duration := r.now().Sub(started)
	mu.Lock()
	timedOut := killedByCtx && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	out := Output{Status: StatusSuccess, NewSessionID: sessionID}
	if last != nil {
		out.Result = last.ResultText()
		if last.Status == StatusError {
			out.Status = StatusError
			out.Error = last.Error
		}
	}
	switch {
	case timedOut && !gotResult:
		out.Status = StatusError
		out.Error = fmt.Sprintf("sandbox timed out after %s", timeout)
	case ctx.Err() != nil && !gotResult:
		out.Status = StatusError
		out.Error = "sandbox cancelled"
	case waitErr != nil:
		out.Status = StatusError
		out.Error = fmt.Sprintf("wait for sandbox: %v", waitErr)
	case code != 0 && !gotResult && !timedOut:
		out.Status = StatusError
		out.Error = fmt.Sprintf("sandbox exited with code %d: %s", code, lastLine(stderrBuf.String()))
	case malformed > 0 && !gotResult:
		out.Status = StatusError
		out.Error = fmt.Sprintf("sandbox produced %d malformed output blocks", malformed)
	case scanErr != nil && !gotResult:
		out.Status = StatusError
		out.Error = fmt.Sprintf("read sandbox output: %v", scanErr)
	case !gotResult && out.Status == StatusSuccess:
		out.Status = StatusError
		out.Error = "sandbox exited without a result"
	}
	closedIdle := idleClosed
	mu.Unlock()

	r.logger.Printf("sandbox exited folder=%s name=%s code=%d duration=%s status=%s idle_closed=%t timed_out=%t",
		folder, name, code, duration.Round(time.Millisecond), out.Status, closedIdle, timedOut)
	r.writeRunLog(paths.logs, runLog{
		name:      name,
		folder:    folder,
		started:   started,
		duration:  duration,
		code:      code,
		timedOut:  timedOut,
		malformed: malformed,
		inv:       inv,
		out:       out,
		stderr:    stderrBuf.String(),
	})
	return out
}

func (r *Runner) fail(folder, op string, err error) Output {
	r.logger.Printf("sandbox failed folder=%s op=%q err=%v", folder, op, err)
	return Output{Status: StatusError, Error: fmt.Sprintf("%s: %v", op, err)}
}

type runPaths struct {
	group    string
	logs     string
	ipc      string
	input    string
	sessions string
}

func (r *Runner) prepare(folder string) (runPaths, error) {
	p := runPaths{
		group:    filepath.Join(r.cfg.GroupsDir, folder),
		sessions: filepath.Join(r.cfg.SessionsDir, folder),
	}
	p.logs = filepath.Join(p.group, "logs")
	for _, dir := range []string{p.group, p.logs, p.sessions} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return runPaths{}, err
		}
	}
	ns, err := ipc.EnsureNamespace(r.cfg.IPCDir, folder)
	if err != nil {
		return runPaths{}, err
	}
	p.ipc = ns
	p.input = filepath.Join(ns, ipc.DirInput)
	// A sentinel left over from a previous run would close this one at once.
	_ = os.Remove(filepath.Join(p.input, ipc.CloseSentinel))
	return p, nil
}

func (r *Runner) writeSnapshots(ctx context.Context, nsDir, folder string, isMain bool) {
	if r.snapshots == nil {
		return
	}
	tasks, err := r.snapshots.ListTasks(ctx)
	if err != nil {
		r.logger.Printf("task snapshot failed folder=%s err=%v", folder, err)
	} else {
		snap := make([]ipc.TaskSnapshot, 0, len(tasks))
		for _, t := range tasks {
			if !isMain && t.GroupFolder != folder {
				continue
			}
			entry := ipc.TaskSnapshot{
				ID:            t.ID,
				GroupFolder:   t.GroupFolder,
				Prompt:        t.Prompt,
				ScheduleType:  string(t.ScheduleType),
				ScheduleValue: t.ScheduleValue,
				Status:        string(t.Status),
			}
			if t.NextRun != nil {
				entry.NextRun = ipc.Timestamp(*t.NextRun)
			}
			snap = append(snap, entry)
		}
		if err := ipc.WriteJSONAtomic(filepath.Join(nsDir, ipc.TasksSnapshotFile), snap); err != nil {
			r.logger.Printf("write task snapshot failed folder=%s err=%v", folder, err)
		}
	}

	groups := ipc.GroupsSnapshot{Groups: []ipc.GroupSnapshot{}, LastSync: ipc.Timestamp(r.now())}
	if isMain {
		groups.Groups = r.chatSnapshot(ctx, folder)
	}
	if err := ipc.WriteJSONAtomic(filepath.Join(nsDir, ipc.GroupsSnapshotFile), groups); err != nil {
		r.logger.Printf("write groups snapshot failed folder=%s err=%v", folder, err)
	}
}

func (r *Runner) chatSnapshot(ctx context.Context, folder string) []ipc.GroupSnapshot {
	chats, err := r.snapshots.ListChats(ctx)
	if err != nil {
		r.logger.Printf("chat snapshot failed folder=%s err=%v", folder, err)
		return []ipc.GroupSnapshot{}
	}
	registered := map[string]struct{}{}
	if convs, err := r.snapshots.ListConversations(ctx); err == nil {
		for _, conv := range convs {
			registered[conv.JID] = struct{}{}
		}
	}
	out := make([]ipc.GroupSnapshot, 0, len(chats))
	for _, chat := range chats {
		_, ok := registered[chat.JID]
		out = append(out, ipc.GroupSnapshot{
			JID:          chat.JID,
			Name:         chat.Name,
			LastActivity: ipc.Timestamp(chat.LastMessageTime),
			IsRegistered: ok,
		})
	}
	return out
}

func (r *Runner) mounts(conv store.Conversation, p runPaths, isMain bool) []Mount {
	mounts := []Mount{
		{HostPath: p.group, ContainerPath: config.DefaultSandboxGroupDir},
		{HostPath: p.ipc, ContainerPath: config.DefaultSandboxIPCDir},
		{HostPath: p.sessions, ContainerPath: config.DefaultSandboxSessionsDir},
	}
	if isMain && r.cfg.ProjectRoot != "" {
		mounts = append(mounts, Mount{HostPath: r.cfg.ProjectRoot, ContainerPath: config.DefaultSandboxProjectDir, ReadOnly: true})
	}
	for _, m := range r.cfg.ExtraMounts {
		mounts = append(mounts, resolveMount(m))
	}
	for _, m := range conv.Sandbox.AdditionalMounts {
		mounts = append(mounts, resolveMount(Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly}))
	}
	return mounts
}

// resolveMount places relative container paths under the extra mount root.
func resolveMount(m Mount) Mount {
	if m.ContainerPath == "" {
		m.ContainerPath = filepath.Base(m.HostPath)
	}
	if !strings.HasPrefix(m.ContainerPath, "/") {
		m.ContainerPath = config.DefaultSandboxExtraDir + "/" + m.ContainerPath
	}
	return m
}

func (r *Runner) env(inv Invocation, isMain bool) []string {
	env := config.SandboxEnv{
		ChatJID:         inv.ChatJID,
		GroupFolder:     inv.Conversation.Folder,
		IsMain:          isMain,
		AssistantName:   r.cfg.AssistantName,
		IsScheduledTask: inv.IsScheduledTask,
		IPCDir:          config.DefaultSandboxIPCDir,
	}.Vars()
	for _, key := range r.cfg.PassEnv {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func (r *Runner) sandboxName(folder string, at time.Time) string {
	return fmt.Sprintf("%s%s-%d", r.cfg.NamePrefix, folder, at.UnixMilli())
}

func writeCloseSentinel(inputDir string) error {
	return os.WriteFile(filepath.Join(inputDir, ipc.CloseSentinel), nil, 0o644)
}

type runLog struct {
	name      string
	folder    string
	started   time.Time
	duration  time.Duration
	code      int
	timedOut  bool
	malformed int
	inv       Invocation
	out       Output
	stderr    string
}

func (r *Runner) writeRunLog(dir string, entry runLog) {
	path := filepath.Join(dir, "sandbox-"+entry.started.UTC().Format("20060102T150405.000Z")+".log")
	var b strings.Builder
	fmt.Fprintf(&b, "=== sandbox run ===\n")
	fmt.Fprintf(&b, "name: %s\nfolder: %s\nchat: %s\n", entry.name, entry.folder, entry.inv.ChatJID)
	fmt.Fprintf(&b, "started: %s\nduration: %s\n", entry.started.UTC().Format(time.RFC3339), entry.duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "scheduled: %t\nsession: %t\n", entry.inv.IsScheduledTask, entry.inv.SessionID != "")
	fmt.Fprintf(&b, "exit code: %d\ntimed out: %t\nmalformed blocks: %d\n", entry.code, entry.timedOut, entry.malformed)
	fmt.Fprintf(&b, "status: %s\n", entry.out.Status)
	if entry.out.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", entry.out.Error)
	}
	fmt.Fprintf(&b, "prompt length: %d\nresult length: %d\n", len(entry.inv.Prompt), len(entry.out.Result))
	if entry.stderr != "" {
		fmt.Fprintf(&b, "\n=== stderr ===\n%s\n", entry.stderr)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		r.logger.Printf("write run log failed folder=%s err=%v", entry.folder, err)
	}
}

// limitedBuffer keeps the last limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
