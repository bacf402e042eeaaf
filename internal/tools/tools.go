// Package tools is the agent-facing MCP tool server that runs inside a
// sandbox and talks to the host over the IPC directories.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/schedule"
)

const (
	ServerName          = "crab-claw"
	defaultListLimit    = 100
	defaultSearchLimit  = 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	taskPromptPreview   = 50
)

type Options struct {
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

// Tools holds the sandbox identity every tool call acts under.
type Tools struct {
	env       config.SandboxEnv
	requester *ipc.Requester
	now       func() time.Time
}

func New(env config.SandboxEnv, opts Options) *Tools {
	requester := ipc.NewRequester(env.IPCDir, opts.RequestTimeout)
	requester.SetPollInterval(opts.PollInterval)
	return &Tools{env: env, requester: requester, now: time.Now}
}

// NewServer builds an MCP server with every tool registered.
func NewServer(env config.SandboxEnv, opts Options, version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false))
	New(env, opts).Register(s)
	return s
}

type SendMessageArgs struct {
	Text   string `json:"text" jsonschema:"description=The message text to send"`
	Sender string `json:"sender,omitempty" jsonschema:"description=Optional role or identity name shown as the sender"`
}

type ScheduleTaskArgs struct {
	Prompt         string `json:"prompt" jsonschema:"description=What the agent should do when the task runs. For isolated mode include all needed context here."`
	ScheduleType   string `json:"schedule_type" jsonschema:"enum=cron,enum=interval,enum=once,description=cron=recurring at specific times; interval=every N milliseconds; once=single local time"`
	ScheduleValue  string `json:"schedule_value" jsonschema:"description=cron: \"*/5 * * * *\" | interval: milliseconds like \"300000\" | once: local time like \"2026-02-01T15:30:00\" without Z"`
	ContextMode    string `json:"context_mode,omitempty" jsonschema:"enum=group,enum=isolated,description=group=runs with chat history and memory; isolated=fresh session"`
	TargetGroupJID string `json:"target_group_jid,omitempty" jsonschema:"description=(Main conversation only) JID to schedule the task for. Defaults to the current conversation."`
}

type TaskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"description=The task ID"`
}

type RegisterGroupArgs struct {
	JID             string `json:"jid" jsonschema:"description=Channel-qualified chat JID such as tg:-1001234567890"`
	Name            string `json:"name" jsonschema:"description=Display name for the conversation"`
	Folder          string `json:"folder" jsonschema:"description=Folder name for conversation files (lowercase with hyphens, e.g. family-chat)"`
	Trigger         string `json:"trigger" jsonschema:"description=Trigger word such as @Andy"`
	RequiresTrigger *bool  `json:"requires_trigger,omitempty" jsonschema:"description=Whether messages must start with the trigger (default true)"`
}

type LimitArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum number of results"`
}

type GetMessagesArgs struct {
	JID   string `json:"jid" jsonschema:"description=Chat JID such as tgc:1234567890. Use list_chats to find JIDs."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Number of recent messages (default 50, max 100)"`
}

type SearchChatsArgs struct {
	Query string `json:"query" jsonschema:"description=Search keyword such as a channel or group name"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 20)"`
}

type SendToChatArgs struct {
	JID  string `json:"jid" jsonschema:"description=Chat JID such as tgc:1234567890"`
	Text string `json:"text" jsonschema:"description=The message text to send"`
}

func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to the current chat immediately while you are still running. Use it for progress updates or several messages. When running as a scheduled task your final output is delivered too; wrap text in <internal> tags to keep it private."),
		mcp.WithInputSchema[SendMessageArgs](),
	), t.sendMessage)

	s.AddTool(mcp.NewTool("schedule_task",
		mcp.WithDescription(`Schedule a recurring or one-time task that runs as a full agent.

Context mode: "group" runs with the conversation's history and session; "isolated" starts fresh, so put all needed context in the prompt.

Schedule values use LOCAL time:
- cron: standard five-field expression, e.g. "0 9 * * *"
- interval: milliseconds between runs, e.g. "3600000"
- once: local timestamp without Z, e.g. "2026-02-01T15:30:00"`),
		mcp.WithInputSchema[ScheduleTaskArgs](),
	), t.scheduleTask)

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List scheduled tasks. The main conversation sees all tasks; others see only their own."),
	), t.listTasks)

	s.AddTool(mcp.NewTool("pause_task",
		mcp.WithDescription("Pause an active task. It will not run until resumed."),
		mcp.WithInputSchema[TaskIDArgs](),
	), t.taskTransition(ipc.KindPauseTask, "paused"))

	s.AddTool(mcp.NewTool("resume_task",
		mcp.WithDescription("Resume a paused task."),
		mcp.WithInputSchema[TaskIDArgs](),
	), t.taskTransition(ipc.KindResumeTask, "resumed"))

	s.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a scheduled task permanently."),
		mcp.WithInputSchema[TaskIDArgs](),
	), t.taskTransition(ipc.KindCancelTask, "cancelled"))

	s.AddTool(mcp.NewTool("register_group",
		mcp.WithDescription("Register a chat so the assistant responds there. Main conversation only. Use available_groups.json to find JIDs."),
		mcp.WithInputSchema[RegisterGroupArgs](),
	), t.registerGroup)

	s.AddTool(mcp.NewTool("list_chats",
		mcp.WithDescription("List chats, groups and channels the connected user account belongs to. Returns JID, name and type."),
		mcp.WithInputSchema[LimitArgs](),
	), t.listChats)

	s.AddTool(mcp.NewTool("get_messages",
		mcp.WithDescription("Fetch recent messages from a chat by JID. Each line carries the sender ID, usable as a JID to message them directly."),
		mcp.WithInputSchema[GetMessagesArgs](),
	), t.getMessages)

	s.AddTool(mcp.NewTool("search_chats",
		mcp.WithDescription("Search public channels, groups and users by keyword, including ones the account has not joined."),
		mcp.WithInputSchema[SearchChatsArgs](),
	), t.searchChats)

	s.AddTool(mcp.NewTool("send_to_chat",
		mcp.WithDescription("Send a message to another chat by JID. Only the main conversation may target chats other than its own."),
		mcp.WithInputSchema[SendToChatArgs](),
	), t.sendToChat)
}

func (t *Tools) sendMessage(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args SendMessageArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	if strings.TrimSpace(args.Text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	if err := t.writeMessage(t.env.ChatJID, args.Text, args.Sender); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Message sent."), nil
}

func (t *Tools) sendToChat(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args SendToChatArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	jid := strings.TrimSpace(args.JID)
	if jid == "" || strings.TrimSpace(args.Text) == "" {
		return mcp.NewToolResultError("jid and text are required"), nil
	}
	if !t.env.IsMain && jid != t.env.ChatJID {
		return mcp.NewToolResultError("Only the main conversation can send to other chats."), nil
	}
	if err := t.writeMessage(jid, args.Text, ""); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message sent to %s.", jid)), nil
}

func (t *Tools) writeMessage(jid, text, sender string) error {
	_, err := ipc.WriteEnvelope(filepath.Join(t.env.IPCDir, ipc.DirMessages), ipc.MessageCommand{
		Type:        ipc.KindMessage,
		ChatJID:     jid,
		Text:        text,
		Sender:      strings.TrimSpace(sender),
		GroupFolder: t.env.GroupFolder,
		Timestamp:   ipc.Timestamp(t.now()),
	})
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *Tools) scheduleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ScheduleTaskArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	if err := schedule.Validate(args.ScheduleType, args.ScheduleValue); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode := strings.TrimSpace(args.ContextMode)
	if mode == "" {
		mode = "group"
	}
	target := t.env.ChatJID
	if t.env.IsMain && strings.TrimSpace(args.TargetGroupJID) != "" {
		target = strings.TrimSpace(args.TargetGroupJID)
	}

	ack, err := t.requester.Command(ctx, ipc.TaskCommand{
		Type:          ipc.KindScheduleTask,
		Prompt:        args.Prompt,
		ScheduleType:  strings.TrimSpace(args.ScheduleType),
		ScheduleValue: strings.TrimSpace(args.ScheduleValue),
		ContextMode:   mode,
		TargetJID:     target,
		CreatedBy:     t.env.GroupFolder,
		GroupFolder:   t.env.GroupFolder,
	})
	if err != nil {
		return requestFailed(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task scheduled (%s): %s - %s", ack.TaskID, args.ScheduleType, args.ScheduleValue)), nil
}

func (t *Tools) taskTransition(kind ipc.Kind, verb string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args TaskIDArgs
		if err := request.BindArguments(&args); err != nil {
			return invalidArgs(err), nil
		}
		taskID := strings.TrimSpace(args.TaskID)
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		if _, err := t.requester.Command(ctx, ipc.TaskCommand{
			Type:        kind,
			TaskID:      taskID,
			GroupFolder: t.env.GroupFolder,
		}); err != nil {
			return requestFailed(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %s %s.", taskID, verb)), nil
	}
}

func (t *Tools) registerGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !t.env.IsMain {
		return mcp.NewToolResultError("Only the main conversation can register new groups."), nil
	}
	var args RegisterGroupArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	if _, err := t.requester.Command(ctx, ipc.TaskCommand{
		Type:            ipc.KindRegisterGroup,
		JID:             strings.TrimSpace(args.JID),
		Name:            strings.TrimSpace(args.Name),
		Folder:          strings.TrimSpace(args.Folder),
		Trigger:         strings.TrimSpace(args.Trigger),
		RequiresTrigger: args.RequiresTrigger,
		GroupFolder:     t.env.GroupFolder,
	}); err != nil {
		return requestFailed(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Group %q registered. It will start receiving messages immediately.", args.Name)), nil
}

func (t *Tools) listTasks(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := os.ReadFile(filepath.Join(t.env.IPCDir, ipc.TasksSnapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mcp.NewToolResultText("No scheduled tasks found."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Error reading tasks: %v", err)), nil
	}
	var all []ipc.TaskSnapshot
	if err := json.Unmarshal(raw, &all); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error reading tasks: %v", err)), nil
	}

	var lines []string
	for _, task := range all {
		if !t.env.IsMain && task.GroupFolder != t.env.GroupFolder {
			continue
		}
		next := task.NextRun
		if next == "" {
			next = "N/A"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s (%s: %s) - %s, next: %s",
			task.ID, channels.Truncate(task.Prompt, taskPromptPreview), task.ScheduleType, task.ScheduleValue, task.Status, next))
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("No scheduled tasks found."), nil
	}
	return mcp.NewToolResultText("Scheduled tasks:\n" + strings.Join(lines, "\n")), nil
}

func (t *Tools) listChats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args LimitArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	var chats []channels.ChatInfo
	if err := t.request(ctx, ipc.Request{Type: ipc.KindListChats, Limit: limitOr(args.Limit, defaultListLimit, 0)}, &chats); err != nil {
		return requestFailed(err), nil
	}
	if len(chats) == 0 {
		return mcp.NewToolResultText("No chats found."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Chats (%d):\n%s", len(chats), formatChats(chats))), nil
}

func (t *Tools) searchChats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args SearchChatsArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	var chats []channels.ChatInfo
	if err := t.request(ctx, ipc.Request{Type: ipc.KindSearchChats, Query: query, Limit: limitOr(args.Limit, defaultSearchLimit, 0)}, &chats); err != nil {
		return requestFailed(err), nil
	}
	if len(chats) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No results found for %q.", query)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Search results for %q (%d):\n%s", query, len(chats), formatChats(chats))), nil
}

func (t *Tools) getMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args GetMessagesArgs
	if err := request.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	jid := strings.TrimSpace(args.JID)
	if jid == "" {
		return mcp.NewToolResultError("jid is required"), nil
	}
	var msgs []channels.HistoryMessage
	req := ipc.Request{Type: ipc.KindGetMessages, JID: jid, Limit: limitOr(args.Limit, defaultHistoryLimit, maxHistoryLimit)}
	if err := t.request(ctx, req, &msgs); err != nil {
		return requestFailed(err), nil
	}
	if len(msgs) == 0 {
		return mcp.NewToolResultText("No messages found."), nil
	}
	prefix := jidPrefix(jid)
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("[%s] %s (%s%s): %s", m.Date, m.SenderName, prefix, m.SenderID, m.Text))
	}
	return mcp.NewToolResultText(fmt.Sprintf("Messages from %s:\n%s", jid, strings.Join(lines, "\n"))), nil
}

func (t *Tools) request(ctx context.Context, req ipc.Request, out any) error {
	req.GroupFolder = t.env.GroupFolder
	data, err := t.requester.Do(ctx, req)
	if err != nil {
		return err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Type, err)
	}
	return nil
}

func formatChats(chats []channels.ChatInfo) string {
	lines := make([]string, 0, len(chats))
	for _, c := range chats {
		lines = append(lines, fmt.Sprintf("[%s] %s — %s", c.Type, c.Name, c.JID))
	}
	return strings.Join(lines, "\n")
}

// jidPrefix returns the channel prefix of jid including the colon.
func jidPrefix(jid string) string {
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		return jid[:i+1]
	}
	return ""
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

func invalidArgs(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
}

func requestFailed(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError("Error: " + err.Error())
}
