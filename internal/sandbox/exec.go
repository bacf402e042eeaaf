package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	RuntimeDocker    = "docker"
	RuntimePodman    = "podman"
	RuntimeContainer = "container"
	RuntimeLocal     = "local"
)

var ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")

type ExecConfig struct {
	Runtime string
	// Binary overrides the runtime executable name.
	Binary     string
	Image      string
	Command    []string
	NamePrefix string
	// PIDDir holds pid files for the local runtime.
	PIDDir string
}

// ExecSupervisor runs sandboxes through a container CLI, or directly on the
// host for the local runtime.
type ExecSupervisor struct {
	cfg    ExecConfig
	logger *log.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewExecSupervisor(cfg ExecConfig, logger *log.Logger) *ExecSupervisor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg.Runtime = strings.ToLower(strings.TrimSpace(cfg.Runtime))
	if cfg.Runtime == "" {
		cfg.Runtime = RuntimeDocker
	}
	if cfg.Binary == "" && cfg.Runtime != RuntimeLocal {
		cfg.Binary = cfg.Runtime
	}
	return &ExecSupervisor{
		cfg:    cfg,
		logger: logger,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (s *ExecSupervisor) Runtime() string {
	return s.cfg.Runtime
}

func (s *ExecSupervisor) Ensure(ctx context.Context) error {
	if s.cfg.Runtime == RuntimeLocal {
		if len(s.cfg.Command) == 0 {
			return fmt.Errorf("%w: local runtime needs a sandbox command", ErrRuntimeUnavailable)
		}
		if _, err := exec.LookPath(s.cfg.Command[0]); err != nil {
			return fmt.Errorf("%w: %s not found: %v", ErrRuntimeUnavailable, s.cfg.Command[0], err)
		}
		return nil
	}

	if _, err := exec.LookPath(s.cfg.Binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrRuntimeUnavailable, s.cfg.Binary)
	}
	switch s.cfg.Runtime {
	case RuntimeContainer:
		if _, err := s.run(ctx, s.cfg.Binary, "system", "status"); err == nil {
			return nil
		}
		s.logger.Printf("starting container system")
		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if out, err := s.run(startCtx, s.cfg.Binary, "system", "start"); err != nil {
			return fmt.Errorf("%w: container system start: %v: %s", ErrRuntimeUnavailable, err, bytes.TrimSpace(out))
		}
	default:
		if out, err := s.run(ctx, s.cfg.Binary, "info"); err != nil {
			return fmt.Errorf("%w: %s info: %v: %s", ErrRuntimeUnavailable, s.cfg.Binary, err, firstLine(out))
		}
	}
	return nil
}

// RunArgs builds the container CLI arguments for spec.
func (s *ExecSupervisor) RunArgs(spec Spec) []string {
	args := []string{"run", "-i", "--rm", "--name", spec.Name}
	for _, m := range spec.Mounts {
		volume := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			volume += ":ro"
		}
		args = append(args, "-v", volume)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, s.cfg.Image)
	return append(args, s.cfg.Command...)
}

func (s *ExecSupervisor) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("sandbox name is required")
	}

	var cmd *exec.Cmd
	if s.cfg.Runtime == RuntimeLocal {
		if len(s.cfg.Command) == 0 {
			return nil, fmt.Errorf("%w: local runtime needs a sandbox command", ErrRuntimeUnavailable)
		}
		cmd = exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
		cmd.Dir = spec.WorkDir
		cmd.Env = append(os.Environ(), localEnv(spec)...)
	} else {
		cmd = exec.Command(s.cfg.Binary, s.RunArgs(spec)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox %s: %w", spec.Name, err)
	}

	h := &execHandle{
		name:       spec.Name,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		supervisor: s,
	}
	if s.cfg.Runtime == RuntimeLocal {
		h.pidFile = s.writePIDFile(spec.Name, cmd.Process.Pid)
	}
	s.logger.Printf("sandbox spawned name=%s runtime=%s", spec.Name, s.cfg.Runtime)
	return h, nil
}

// Orphans lists sandboxes with our name prefix that are still running.
func (s *ExecSupervisor) Orphans(ctx context.Context) ([]Orphan, error) {
	if s.cfg.Runtime == RuntimeLocal {
		return s.localOrphans()
	}
	var args []string
	switch s.cfg.Runtime {
	case RuntimeContainer:
		args = []string{"ls", "--quiet"}
	default:
		args = []string{"ps", "--filter", "name=" + s.cfg.NamePrefix, "--format", "{{.Names}}"}
	}
	out, err := s.run(ctx, s.cfg.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	var orphans []Orphan
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || !strings.HasPrefix(name, s.cfg.NamePrefix) {
			continue
		}
		orphans = append(orphans, Orphan{Name: name, Runtime: s.cfg.Runtime})
	}
	return orphans, nil
}

func (s *ExecSupervisor) localOrphans() ([]Orphan, error) {
	if s.cfg.PIDDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.cfg.PIDDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid directory: %w", err)
	}
	var orphans []Orphan
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".pid")
		if !ok {
			continue
		}
		path := filepath.Join(s.cfg.PIDDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || !processAlive(pid) {
			_ = os.Remove(path)
			continue
		}
		orphans = append(orphans, Orphan{Name: name, Runtime: RuntimeLocal, PID: pid})
	}
	return orphans, nil
}

func (s *ExecSupervisor) writePIDFile(name string, pid int) string {
	if s.cfg.PIDDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.cfg.PIDDir, 0o755); err != nil {
		s.logger.Printf("pid directory unavailable dir=%s err=%v", s.cfg.PIDDir, err)
		return ""
	}
	path := filepath.Join(s.cfg.PIDDir, name+".pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		s.logger.Printf("write pid file failed name=%s err=%v", name, err)
		return ""
	}
	return path
}

// stop asks the runtime to stop a named container.
func (s *ExecSupervisor) stop(name string) {
	if s.cfg.Runtime == RuntimeLocal {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if out, err := s.run(ctx, s.cfg.Binary, "stop", name); err != nil {
		s.logger.Printf("sandbox stop failed name=%s err=%v out=%s", name, err, firstLine(out))
	}
}

type execHandle struct {
	name       string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderr     io.Reader
	pidFile    string
	supervisor *ExecSupervisor

	killOnce sync.Once
}

func (h *execHandle) Name() string          { return h.name }
func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.Reader     { return h.stdout }
func (h *execHandle) Stderr() io.Reader     { return h.stderr }

func (h *execHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if h.pidFile != "" {
		_ = os.Remove(h.pidFile)
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (h *execHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		h.supervisor.stop(h.name)
		if h.cmd.Process != nil {
			if killErr := h.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
		}
	})
	return err
}

// localEnv points container paths in the env at their host mounts, since the
// local runtime has no bind mounts.
func localEnv(spec Spec) []string {
	out := make([]string, 0, len(spec.Env))
	for _, kv := range spec.Env {
		key, value, ok := strings.Cut(kv, "=")
		if ok {
			for _, m := range spec.Mounts {
				if value == m.ContainerPath {
					kv = key + "=" + m.HostPath
					break
				}
			}
		}
		out = append(out, kv)
	}
	return out
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}
