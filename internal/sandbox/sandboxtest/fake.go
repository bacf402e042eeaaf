// Package sandboxtest provides an in-process Supervisor for tests.
package sandboxtest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/sandbox"
)

// Run is the scripted body of a fake sandbox. It returns the exit code.
type Run func(p *Process) int

// Process is what a script sees of its sandbox.
type Process struct {
	Spec   sandbox.Spec
	Input  []byte
	Out    *sandbox.BlockWriter
	Stdout io.Writer
	Stderr io.Writer
	Killed <-chan struct{}
}

// Env returns the value of key in the spawn environment.
func (p *Process) Env(key string) string {
	prefix := key + "="
	for _, kv := range p.Spec.Env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

// IPCDir is the host directory mounted as the sandbox IPC namespace.
func (p *Process) IPCDir() string {
	for _, m := range p.Spec.Mounts {
		if m.ContainerPath == config.DefaultSandboxIPCDir {
			return m.HostPath
		}
	}
	return ""
}

// WaitInput waits for forwarded messages or the close sentinel. It returns
// the forwarded texts and whether the sandbox was asked to close.
func (p *Process) WaitInput(timeout time.Duration) ([]string, bool) {
	dir := filepath.Join(p.IPCDir(), ipc.DirInput)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, ipc.CloseSentinel)); err == nil {
			_ = os.Remove(filepath.Join(dir, ipc.CloseSentinel))
			return nil, true
		}
		names, _ := ipc.PendingFiles(dir)
		if len(names) > 0 {
			var texts []string
			for _, name := range names {
				path := filepath.Join(dir, name)
				raw, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				var msg ipc.InputMessage
				if json.Unmarshal(raw, &msg) == nil {
					texts = append(texts, msg.Text)
				}
				_ = os.Remove(path)
			}
			return texts, false
		}
		select {
		case <-p.Killed:
			return nil, true
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, false
}

type Supervisor struct {
	Script    Run
	SpawnErr  error
	EnsureErr error
	Orphaned  []sandbox.Orphan

	mu        sync.Mutex
	spawns    []sandbox.Spec
	inputs    [][]byte
	active    int
	maxActive int
}

func (s *Supervisor) Ensure(context.Context) error {
	return s.EnsureErr
}

func (s *Supervisor) Orphans(context.Context) ([]sandbox.Orphan, error) {
	return s.Orphaned, nil
}

func (s *Supervisor) Spawn(_ context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if s.SpawnErr != nil {
		return nil, s.SpawnErr
	}
	s.mu.Lock()
	s.spawns = append(s.spawns, spec)
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()

	h := newHandle(spec)
	go func() {
		select {
		case <-h.stdinClosed:
		case <-h.killed:
		}
		proc := &Process{
			Spec:   spec,
			Input:  h.stdin.Bytes(),
			Out:    sandbox.NewBlockWriter(h.stdoutW),
			Stdout: h.stdoutW,
			Stderr: h.stderrW,
			Killed: h.killed,
		}
		s.mu.Lock()
		s.inputs = append(s.inputs, proc.Input)
		s.mu.Unlock()

		code := 0
		if s.Script != nil {
			code = s.Script(proc)
		}
		_ = h.stdoutW.Close()
		_ = h.stderrW.Close()

		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		h.finish(code)
	}()
	return h, nil
}

func (s *Supervisor) Spawns() []sandbox.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sandbox.Spec(nil), s.spawns...)
}

func (s *Supervisor) Inputs() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.inputs...)
}

// MaxActive is the highest number of sandboxes that ran at once.
func (s *Supervisor) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

type handle struct {
	name string

	stdin       *stdinBuffer
	stdinClosed chan struct{}
	stdoutR     *io.PipeReader
	stdoutW     *io.PipeWriter
	stderrR     *io.PipeReader
	stderrW     *io.PipeWriter

	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	code     int
}

func newHandle(spec sandbox.Spec) *handle {
	h := &handle{
		name:        spec.Name,
		stdinClosed: make(chan struct{}),
		killed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	h.stdin = &stdinBuffer{closed: h.stdinClosed}
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	return h
}

func (h *handle) Name() string          { return h.name }
func (h *handle) Stdin() io.WriteCloser { return h.stdin }
func (h *handle) Stdout() io.Reader     { return h.stdoutR }
func (h *handle) Stderr() io.Reader     { return h.stderrR }

func (h *handle) Wait() (int, error) {
	<-h.done
	select {
	case <-h.killed:
		return 137, nil
	default:
	}
	return h.code, nil
}

func (h *handle) Kill() error {
	h.killOnce.Do(func() {
		close(h.killed)
		_ = h.stdoutW.Close()
		_ = h.stderrW.Close()
	})
	return nil
}

func (h *handle) finish(code int) {
	h.code = code
	close(h.done)
}

type stdinBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	once   sync.Once
	closed chan struct{}
}

func (b *stdinBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *stdinBuffer) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *stdinBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
