// Package scheduler fires scheduled agent tasks through the group queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/router"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/schedule"
	"crabstack.local/projects/crab-claw/internal/store"
)

const lastResultLimit = 200

var ErrSchedulerAlreadyStarted = errors.New("scheduler already started")

type TaskStore interface {
	DueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	GetTask(ctx context.Context, id string) (store.Task, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	GetSession(ctx context.Context, folder string) (string, error)
	SetSession(ctx context.Context, folder, sessionID string) error
	RecordTaskRun(ctx context.Context, id string, update store.TaskRunUpdate) error
	AppendRunLog(ctx context.Context, entry store.TaskRunLog) error
}

type TaskQueue interface {
	EnqueueTask(key, taskID string, fn func(ctx context.Context)) bool
	RegisterProcess(key string, handle sandbox.Handle, sandboxName, folder string)
}

type AgentRunner interface {
	Run(ctx context.Context, inv sandbox.Invocation, hooks sandbox.Hooks) sandbox.Output
}

type Sender interface {
	Deliver(ctx context.Context, jid, text string) error
}

type Config struct {
	PollInterval time.Duration
	Location     *time.Location
}

type Scheduler struct {
	cfg    Config
	store  TaskStore
	queue  TaskQueue
	runner AgentRunner
	sender Sender
	logger *log.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	now           func() time.Time
	tickerFactory func(interval time.Duration) schedulerTicker
}

func NewScheduler(cfg Config, st TaskStore, q TaskQueue, runner AgentRunner, sender Sender, logger *log.Logger) *Scheduler {
	if st == nil {
		panic("scheduler: store is required")
	}
	if q == nil {
		panic("scheduler: queue is required")
	}
	if runner == nil {
		panic("scheduler: runner is required")
	}
	if sender == nil {
		panic("scheduler: sender is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		queue:    q,
		runner:   runner,
		sender:   sender,
		logger:   logger,
		inFlight: make(map[string]struct{}),
		now:      time.Now,
		tickerFactory: func(interval time.Duration) schedulerTicker {
			return newRealTicker(interval)
		},
	}
}

// Start evaluates due tasks immediately and then on every poll interval.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := s.tickerFactory(s.cfg.PollInterval)
	s.running = true
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	s.logger.Printf("scheduler started interval=%s", s.cfg.PollInterval)
	go s.run(ctx, ticker, stopCh, doneCh)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(ctx context.Context, ticker schedulerTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick queues every due task that is not already queued or running. It
// returns the number of tasks queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		s.logger.Printf("list due tasks failed err=%v", err)
		return 0
	}

	queued := 0
	for _, task := range due {
		id := task.ID
		s.mu.Lock()
		if _, busy := s.inFlight[id]; busy {
			s.mu.Unlock()
			continue
		}
		s.inFlight[id] = struct{}{}
		s.mu.Unlock()

		accepted := s.queue.EnqueueTask(task.ChatJID, id, func(ctx context.Context) {
			defer s.release(id)
			s.runTask(ctx, id)
		})
		if !accepted {
			s.release(id)
			continue
		}
		queued++
		s.logger.Printf("task queued id=%s folder=%s", id, task.GroupFolder)
	}
	return queued
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) runTask(ctx context.Context, id string) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.logger.Printf("load task failed id=%s err=%v", id, err)
		return
	}
	if task.Status != store.TaskActive {
		s.logger.Printf("task no longer active id=%s status=%s", id, task.Status)
		return
	}

	firedAt := s.now()
	spec, specErr := schedule.Parse(task.ScheduleType, task.ScheduleValue, s.cfg.Location)

	result, runErr := s.invoke(ctx, task)
	if runErr == nil && specErr != nil {
		runErr = specErr
	}

	duration := s.now().Sub(firedAt)
	entry := store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      firedAt,
		DurationMS: duration.Milliseconds(),
		Status:     store.RunSuccess,
		Result:     result,
	}
	summary := channels.Truncate(result, lastResultLimit)
	if runErr != nil {
		entry.Status = store.RunError
		entry.Error = runErr.Error()
		summary = "Error: " + runErr.Error()
	}
	if err := s.store.AppendRunLog(ctx, entry); err != nil {
		s.logger.Printf("append run log failed id=%s err=%v", task.ID, err)
	}

	update := store.TaskRunUpdate{RanAt: firedAt, LastResult: summary}
	if specErr == nil && spec.Recurring() {
		update.NextRun = spec.After(firedAt)
	} else {
		update.Completed = specErr == nil
	}
	if err := s.store.RecordTaskRun(ctx, task.ID, update); err != nil {
		s.logger.Printf("record task run failed id=%s err=%v", task.ID, err)
	}
	s.logger.Printf("task finished id=%s status=%s duration=%s", task.ID, entry.Status, duration)
}

// invoke runs the task prompt and delivers each final reply to the task chat.
func (s *Scheduler) invoke(ctx context.Context, task store.Task) (string, error) {
	conv, err := s.conversationFor(ctx, task.GroupFolder)
	if err != nil {
		return "", err
	}

	groupContext := task.ContextMode != store.ContextIsolated
	var sessionID string
	if groupContext {
		sessionID, err = s.store.GetSession(ctx, conv.Folder)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("read session failed folder=%s err=%v", conv.Folder, err)
		}
	}

	var (
		mu     sync.Mutex
		result string
	)
	out := s.runner.Run(ctx, sandbox.Invocation{
		Conversation:    conv,
		ChatJID:         task.ChatJID,
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		IsScheduledTask: true,
	}, sandbox.Hooks{
		OnSpawn: func(h sandbox.Handle, _ string) {
			s.queue.RegisterProcess(task.ChatJID, h, h.Name(), conv.Folder)
		},
		OnSession: func(id string) {
			if !groupContext {
				return
			}
			if err := s.store.SetSession(ctx, conv.Folder, id); err != nil {
				s.logger.Printf("save session failed folder=%s err=%v", conv.Folder, err)
			}
		},
		OnResult: func(b sandbox.Block) {
			if b.IsStreamChunk {
				return
			}
			text := router.StripInternal(b.ResultText())
			if text == "" {
				return
			}
			mu.Lock()
			result = text
			mu.Unlock()
			if err := s.sender.Deliver(ctx, task.ChatJID, text); err != nil {
				s.logger.Printf("deliver task result failed id=%s jid=%s err=%v", task.ID, task.ChatJID, err)
			}
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if out.Failed() {
		if out.Error == "" {
			return result, errors.New("agent run failed")
		}
		return result, errors.New(out.Error)
	}
	return result, nil
}

func (s *Scheduler) conversationFor(ctx context.Context, folder string) (store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range convs {
		if conv.Folder == folder {
			return conv, nil
		}
	}
	return store.Conversation{}, fmt.Errorf("group not found: %s", folder)
}

type schedulerTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
