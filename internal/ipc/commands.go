package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/ids"
	"crabstack.local/projects/crab-claw/internal/schedule"
	"crabstack.local/projects/crab-claw/internal/store"
)

var (
	ErrForbidden   = errors.New("not permitted for this conversation")
	ErrUnavailable = errors.New("chat directory is not available")
)

const (
	defaultListLimit    = 100
	defaultSearchLimit  = 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Store is the subset of the durable store the bus mutates.
type Store interface {
	GetConversation(ctx context.Context, jid string) (store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	PutConversation(ctx context.Context, conv store.Conversation) (store.Conversation, error)
	CreateTask(ctx context.Context, task store.Task) (store.Task, error)
	GetTask(ctx context.Context, id string) (store.Task, error)
	SetTaskStatus(ctx context.Context, id string, status store.TaskStatus) error
	SetTaskNextRun(ctx context.Context, id string, next *time.Time) error
}

// Sender delivers outbound text to a chat.
type Sender interface {
	Deliver(ctx context.Context, jid, text string) error
}

type DispatcherConfig struct {
	Store     Store
	Sender    Sender
	Directory channels.Directory
	GroupsDir string
	Location  *time.Location
	Logger    *log.Logger
	// OnRegister runs after a conversation is registered or updated.
	OnRegister func(conv store.Conversation)
}

// Dispatcher authorizes and applies bus commands on the host.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *log.Logger
	now    func() time.Time
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Store == nil {
		panic("ipc: store is required")
	}
	if cfg.Sender == nil {
		panic("ipc: sender is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{cfg: cfg, logger: logger, now: time.Now}
}

// SetDirectory attaches a chat directory once its channel has connected.
func (d *Dispatcher) SetDirectory(dir channels.Directory) {
	d.cfg.Directory = dir
}

func (d *Dispatcher) HandleMessage(ctx context.Context, src Source, cmd MessageCommand) error {
	jid := strings.TrimSpace(cmd.ChatJID)
	if jid == "" {
		return fmt.Errorf("chatJid is required")
	}
	if strings.TrimSpace(cmd.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if !src.IsMain {
		own, err := d.ownConversation(ctx, src.Folder)
		if err != nil {
			return err
		}
		if own.JID != jid {
			return fmt.Errorf("message to %s: %w", jid, ErrForbidden)
		}
	}
	if err := d.cfg.Sender.Deliver(ctx, jid, cmd.Text); err != nil {
		return fmt.Errorf("deliver to %s: %w", jid, err)
	}
	d.logger.Printf("ipc message delivered folder=%s jid=%s", src.Folder, jid)
	return nil
}

func (d *Dispatcher) HandleTask(ctx context.Context, src Source, cmd TaskCommand) (TaskAck, error) {
	switch cmd.Type {
	case KindScheduleTask:
		return d.scheduleTask(ctx, src, cmd)
	case KindPauseTask:
		return d.transition(ctx, src, cmd.TaskID, store.TaskPaused)
	case KindResumeTask:
		return d.transition(ctx, src, cmd.TaskID, store.TaskActive)
	case KindCancelTask:
		return d.transition(ctx, src, cmd.TaskID, store.TaskCancelled)
	case KindRegisterGroup:
		return TaskAck{}, d.registerGroup(ctx, src, cmd)
	default:
		return TaskAck{}, fmt.Errorf("unknown task command type %q", cmd.Type)
	}
}

func (d *Dispatcher) HandleRequest(ctx context.Context, src Source, req Request) (any, error) {
	dir := d.cfg.Directory
	if dir == nil {
		return nil, ErrUnavailable
	}
	switch req.Type {
	case KindListChats:
		return dir.ListChats(ctx, limitOr(req.Limit, defaultListLimit, 0))
	case KindSearchChats:
		if strings.TrimSpace(req.Query) == "" {
			return nil, fmt.Errorf("query is required")
		}
		return dir.SearchChats(ctx, req.Query, limitOr(req.Limit, defaultSearchLimit, 0))
	case KindGetMessages:
		if strings.TrimSpace(req.JID) == "" {
			return nil, fmt.Errorf("jid is required")
		}
		return dir.FetchMessages(ctx, req.JID, limitOr(req.Limit, defaultHistoryLimit, maxHistoryLimit))
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (d *Dispatcher) scheduleTask(ctx context.Context, src Source, cmd TaskCommand) (TaskAck, error) {
	if strings.TrimSpace(cmd.Prompt) == "" {
		return TaskAck{}, fmt.Errorf("prompt is required")
	}
	kind := store.ScheduleType(strings.TrimSpace(cmd.ScheduleType))
	spec, err := schedule.Parse(kind, cmd.ScheduleValue, d.cfg.Location)
	if err != nil {
		return TaskAck{}, err
	}
	mode := store.ContextMode(strings.TrimSpace(cmd.ContextMode))
	switch mode {
	case "":
		mode = store.ContextGroup
	case store.ContextGroup, store.ContextIsolated:
	default:
		return TaskAck{}, fmt.Errorf("context_mode must be group or isolated, got %q", cmd.ContextMode)
	}

	target, err := d.targetConversation(ctx, src, strings.TrimSpace(cmd.TargetJID))
	if err != nil {
		return TaskAck{}, err
	}

	now := d.now()
	task, err := d.cfg.Store.CreateTask(ctx, store.Task{
		ID:            ids.Prefixed("task"),
		GroupFolder:   target.Folder,
		ChatJID:       target.JID,
		Prompt:        cmd.Prompt,
		ScheduleType:  kind,
		ScheduleValue: spec.Value,
		ContextMode:   mode,
		Status:        store.TaskActive,
		NextRun:       spec.First(now),
		CreatedAt:     now,
		CreatedBy:     src.Folder,
	})
	if err != nil {
		return TaskAck{}, fmt.Errorf("create task: %w", err)
	}
	d.logger.Printf("task scheduled id=%s folder=%s type=%s value=%q", task.ID, task.GroupFolder, task.ScheduleType, task.ScheduleValue)
	return TaskAck{TaskID: task.ID}, nil
}

func (d *Dispatcher) targetConversation(ctx context.Context, src Source, targetJID string) (store.Conversation, error) {
	if targetJID == "" {
		return d.ownConversation(ctx, src.Folder)
	}
	target, err := d.cfg.Store.GetConversation(ctx, targetJID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Conversation{}, fmt.Errorf("target %s is not registered", targetJID)
		}
		return store.Conversation{}, err
	}
	if !src.IsMain && target.Folder != src.Folder {
		return store.Conversation{}, fmt.Errorf("schedule for %s: %w", targetJID, ErrForbidden)
	}
	return target, nil
}

func (d *Dispatcher) transition(ctx context.Context, src Source, taskID string, to store.TaskStatus) (TaskAck, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskAck{}, fmt.Errorf("taskId is required")
	}
	task, err := d.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TaskAck{}, fmt.Errorf("task %s not found", taskID)
		}
		return TaskAck{}, err
	}
	if !src.IsMain && task.GroupFolder != src.Folder {
		return TaskAck{}, fmt.Errorf("task %s: %w", taskID, ErrForbidden)
	}

	switch to {
	case store.TaskPaused:
		if task.Status != store.TaskActive {
			return TaskAck{}, fmt.Errorf("task %s is %s, only active tasks can be paused", taskID, task.Status)
		}
	case store.TaskActive:
		if task.Status != store.TaskPaused {
			return TaskAck{}, fmt.Errorf("task %s is %s, only paused tasks can be resumed", taskID, task.Status)
		}
		if task.NextRun == nil {
			spec, err := schedule.Parse(task.ScheduleType, task.ScheduleValue, d.cfg.Location)
			if err != nil {
				return TaskAck{}, err
			}
			if err := d.cfg.Store.SetTaskNextRun(ctx, taskID, spec.First(d.now())); err != nil {
				return TaskAck{}, fmt.Errorf("set next run: %w", err)
			}
		}
	case store.TaskCancelled:
		if task.Status == store.TaskCancelled {
			return TaskAck{TaskID: taskID}, nil
		}
	}

	if err := d.cfg.Store.SetTaskStatus(ctx, taskID, to); err != nil {
		return TaskAck{}, fmt.Errorf("set task status: %w", err)
	}
	d.logger.Printf("task status changed id=%s from=%s to=%s by=%s", taskID, task.Status, to, src.Folder)
	return TaskAck{TaskID: taskID}, nil
}

func (d *Dispatcher) registerGroup(ctx context.Context, src Source, cmd TaskCommand) error {
	if !src.IsMain {
		return fmt.Errorf("register_group: %w", ErrForbidden)
	}
	jid := strings.TrimSpace(cmd.JID)
	name := strings.TrimSpace(cmd.Name)
	folder := strings.TrimSpace(cmd.Folder)
	if jid == "" || name == "" || folder == "" {
		return fmt.Errorf("jid, name and folder are required")
	}
	if !folderPattern.MatchString(folder) || folder == DirErrors {
		return fmt.Errorf("folder %q must be lowercase letters, digits, hyphens or underscores", folder)
	}

	requiresTrigger := true
	if cmd.RequiresTrigger != nil {
		requiresTrigger = *cmd.RequiresTrigger
	}
	next := store.Conversation{
		JID:             jid,
		Name:            name,
		Folder:          folder,
		TriggerPattern:  strings.TrimSpace(cmd.Trigger),
		RequiresTrigger: requiresTrigger,
		AddedAt:         d.now(),
	}
	if existing, err := d.cfg.Store.GetConversation(ctx, jid); err == nil {
		next.Sandbox = existing.Sandbox
	}
	conv, err := d.cfg.Store.PutConversation(ctx, next)
	if err != nil {
		return fmt.Errorf("register %s: %w", jid, err)
	}
	if err := EnsureGroupDir(d.cfg.GroupsDir, conv.Folder); err != nil {
		return err
	}
	d.logger.Printf("conversation registered jid=%s folder=%s", conv.JID, conv.Folder)
	if d.cfg.OnRegister != nil {
		d.cfg.OnRegister(conv)
	}
	return nil
}

func (d *Dispatcher) ownConversation(ctx context.Context, folder string) (store.Conversation, error) {
	convs, err := d.cfg.Store.ListConversations(ctx)
	if err != nil {
		return store.Conversation{}, err
	}
	for _, conv := range convs {
		if conv.Folder == folder {
			return conv, nil
		}
	}
	return store.Conversation{}, fmt.Errorf("folder %s has no registered conversation", folder)
}

// EnsureGroupDir creates groups/<folder>/ with its logs directory and an empty
// CLAUDE.md prompt file when missing.
func EnsureGroupDir(groupsDir, folder string) error {
	if groupsDir == "" {
		return nil
	}
	dir := filepath.Join(groupsDir, folder)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return fmt.Errorf("create group directory: %w", err)
	}
	prompt := filepath.Join(dir, "CLAUDE.md")
	f, err := os.OpenFile(prompt, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("create %s: %w", prompt, err)
	}
	return f.Close()
}

func limitOr(v, fallback, max int) int {
	if v <= 0 {
		v = fallback
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}
