// Package queue serializes agent work per conversation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/ids"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/sandbox"
)

var (
	ErrShuttingDown    = errors.New("queue is shutting down")
	ErrShutdownTimeout = errors.New("queue shutdown timed out")
)

// MessageProcessor runs one message pass for a key and reports success.
type MessageProcessor func(ctx context.Context, key string) bool

type Config struct {
	// IdleWindow delays a pass on an idle key so bursts coalesce. Zero starts
	// immediately.
	IdleWindow time.Duration
	// MaxConcurrent bounds running keys across the queue. Zero is unbounded.
	MaxConcurrent int
	// IPCDir is the root of the per-folder IPC namespaces.
	IPCDir string
}

type GroupQueue struct {
	cfg     Config
	logger  *log.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	process MessageProcessor

	mu           sync.Mutex
	groups       map[string]*groupState
	active       int
	waiting      []string
	shuttingDown bool
	wg           sync.WaitGroup
}

type groupState struct {
	running         bool
	waiting         bool
	timer           *time.Timer
	pendingMessages bool
	pendingTasks    []queuedTask
	taskIDs         map[string]struct{}
	current         *queuedTask
	process         *liveProcess
}

type queuedTask struct {
	id  string
	run func(ctx context.Context)
}

type liveProcess struct {
	handle   sandbox.Handle
	name     string
	folder   string
	inputDir string
	// forwardable is false for task runs, which never take chat input.
	forwardable bool
}

func NewGroupQueue(cfg Config, logger *log.Logger) *GroupQueue {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.IdleWindow < 0 {
		cfg.IdleWindow = 0
	}
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]*groupState),
	}
}

// SetMessageProcessor installs the pass run for message checks.
func (q *GroupQueue) SetMessageProcessor(fn MessageProcessor) {
	q.mu.Lock()
	q.process = fn
	q.mu.Unlock()
}

// EnqueueMessageCheck schedules a message pass for key unless one is already
// pending or running.
func (q *GroupQueue) EnqueueMessageCheck(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	g := q.state(key)
	g.pendingMessages = true
	if g.running || g.waiting || g.timer != nil {
		return
	}
	if q.cfg.IdleWindow == 0 {
		q.tryStartLocked(key)
		return
	}
	g.timer = time.AfterFunc(q.cfg.IdleWindow, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		g.timer = nil
		if !q.shuttingDown {
			q.tryStartLocked(key)
		}
	})
}

// EnqueueTask queues fn for key. Task ids already queued or running are
// ignored. It reports whether the task was accepted.
func (q *GroupQueue) EnqueueTask(key, taskID string, fn func(ctx context.Context)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return false
	}
	g := q.state(key)
	if _, dup := g.taskIDs[taskID]; dup {
		return false
	}
	g.taskIDs[taskID] = struct{}{}
	g.pendingTasks = append(g.pendingTasks, queuedTask{id: taskID, run: fn})
	q.tryStartLocked(key)
	return true
}

// Run blocks until fn has run exclusively for key. If ctx ends before fn
// starts, fn is skipped and ctx's error is returned.
func (q *GroupQueue) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	const (
		pending = iota
		started
		abandoned
	)
	var (
		mu    sync.Mutex
		state = pending
		done  = make(chan error, 1)
	)
	accepted := q.EnqueueTask(key, "run-"+ids.New(), func(context.Context) {
		mu.Lock()
		if state == abandoned {
			mu.Unlock()
			return
		}
		state = started
		mu.Unlock()
		done <- fn(ctx)
	})
	if !accepted {
		return ErrShuttingDown
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		mu.Lock()
		if state == pending {
			state = abandoned
			mu.Unlock()
			return ctx.Err()
		}
		mu.Unlock()
		return <-done
	}
}

// RegisterProcess records the sandbox serving key so messages can be
// forwarded to it and shutdown can kill it.
func (q *GroupQueue) RegisterProcess(key string, handle sandbox.Handle, sandboxName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.state(key)
	g.process = &liveProcess{
		handle:      handle,
		name:        sandboxName,
		folder:      folder,
		inputDir:    filepath.Join(q.cfg.IPCDir, folder, ipc.DirInput),
		forwardable: g.running && g.current == nil,
	}
}

// ForwardIfLive hands text to the live message sandbox of key. When there is
// none it enqueues a message check instead and returns false.
func (q *GroupQueue) ForwardIfLive(key, text string) bool {
	q.mu.Lock()
	g := q.state(key)
	proc := g.process
	q.mu.Unlock()

	if proc != nil && proc.forwardable && !closing(proc.inputDir) {
		_, err := ipc.WriteEnvelope(proc.inputDir, ipc.InputMessage{Type: ipc.KindMessage, Text: text})
		if err == nil {
			q.logger.Printf("message forwarded key=%s sandbox=%s", key, proc.name)
			return true
		}
		q.logger.Printf("forward failed key=%s sandbox=%s err=%v", key, proc.name, err)
	}
	q.EnqueueMessageCheck(key)
	return false
}

func closing(inputDir string) bool {
	_, err := os.Stat(filepath.Join(inputDir, ipc.CloseSentinel))
	return err == nil
}

func (q *GroupQueue) IsActive(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[key]
	return ok && g.running
}

func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Shutdown stops accepting work and waits up to timeout for running work.
// Processes still registered after that are killed.
func (q *GroupQueue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil
	}
	q.shuttingDown = true
	for _, g := range q.groups {
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
		g.pendingMessages = false
		g.pendingTasks = nil
		g.waiting = false
	}
	q.waiting = nil
	running := q.active
	q.mu.Unlock()

	q.logger.Printf("queue shutting down active=%d timeout=%s", running, timeout)
	if waitTimeout(&q.wg, timeout) {
		q.cancel()
		return nil
	}

	q.mu.Lock()
	var procs []*liveProcess
	for _, g := range q.groups {
		if g.process != nil {
			procs = append(procs, g.process)
		}
	}
	q.mu.Unlock()
	for _, p := range procs {
		q.logger.Printf("killing sandbox name=%s folder=%s", p.name, p.folder)
		if err := p.handle.Kill(); err != nil {
			q.logger.Printf("kill failed name=%s err=%v", p.name, err)
		}
	}
	q.cancel()
	if !waitTimeout(&q.wg, timeout) {
		return fmt.Errorf("%w: %d keys still running", ErrShutdownTimeout, q.ActiveCount())
	}
	return fmt.Errorf("%w: killed %d sandboxes", ErrShutdownTimeout, len(procs))
}

func (q *GroupQueue) state(key string) *groupState {
	g, ok := q.groups[key]
	if !ok {
		g = &groupState{taskIDs: make(map[string]struct{})}
		q.groups[key] = g
	}
	return g
}

func (q *GroupQueue) tryStartLocked(key string) {
	g := q.state(key)
	if g.running || (!g.pendingMessages && len(g.pendingTasks) == 0) {
		return
	}
	if q.cfg.MaxConcurrent > 0 && q.active >= q.cfg.MaxConcurrent {
		if !g.waiting {
			g.waiting = true
			q.waiting = append(q.waiting, key)
		}
		return
	}
	g.waiting = false
	g.running = true
	q.active++
	q.wg.Add(1)
	go q.drain(key, g)
}

func (q *GroupQueue) startWaitingLocked() {
	for len(q.waiting) > 0 && (q.cfg.MaxConcurrent == 0 || q.active < q.cfg.MaxConcurrent) {
		key := q.waiting[0]
		q.waiting = q.waiting[1:]
		g := q.state(key)
		g.waiting = false
		q.tryStartLocked(key)
	}
}

// drain owns key until it has no pending work. Tasks go before messages.
func (q *GroupQueue) drain(key string, g *groupState) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var task *queuedTask
		runMessages := false
		switch {
		case len(g.pendingTasks) > 0:
			next := g.pendingTasks[0]
			g.pendingTasks = g.pendingTasks[1:]
			task = &next
		case g.pendingMessages:
			g.pendingMessages = false
			runMessages = true
		default:
			g.running = false
			g.current = nil
			g.process = nil
			q.active--
			q.startWaitingLocked()
			q.mu.Unlock()
			return
		}
		g.current = task
		process := q.process
		q.mu.Unlock()

		if task != nil {
			task.run(q.ctx)
		} else if runMessages && process != nil {
			if ok := process(q.ctx, key); !ok {
				q.logger.Printf("message pass failed key=%s", key)
			}
		}

		q.mu.Lock()
		if task != nil {
			delete(g.taskIDs, task.id)
		}
		g.current = nil
		g.process = nil
		q.mu.Unlock()
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
