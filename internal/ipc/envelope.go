package ipc

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindMessage       Kind = "message"
	KindScheduleTask  Kind = "schedule_task"
	KindPauseTask     Kind = "pause_task"
	KindResumeTask    Kind = "resume_task"
	KindCancelTask    Kind = "cancel_task"
	KindRegisterGroup Kind = "register_group"
	KindListChats     Kind = "list_chats"
	KindSearchChats   Kind = "search_chats"
	KindGetMessages   Kind = "get_messages"
)

// Namespace subdirectories under data/ipc/<folder>/.
const (
	DirMessages  = "messages"
	DirTasks     = "tasks"
	DirInput     = "input"
	DirRequests  = "requests"
	DirResponses = "responses"
	DirErrors    = "errors"
)

// Files the host writes into a namespace before each run.
const (
	TasksSnapshotFile  = "current_tasks.json"
	GroupsSnapshotFile = "available_groups.json"
)

// CloseSentinel asks a live sandbox to finish once its current turn is done.
const CloseSentinel = "_close"

// MessageCommand is written to messages/ by the agent.
type MessageCommand struct {
	Type        Kind   `json:"type"`
	ChatJID     string `json:"chatJid"`
	Text        string `json:"text"`
	Sender      string `json:"sender,omitempty"`
	GroupFolder string `json:"groupFolder,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// TaskCommand is written to tasks/ by the agent. The set of meaningful fields
// depends on Type.
type TaskCommand struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`

	TaskID        string `json:"taskId,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetJID     string `json:"targetJid,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`

	JID             string `json:"jid,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
}

// Request is written to requests/ and answered in responses/<requestId>.json.
type Request struct {
	Type        Kind   `json:"type"`
	RequestID   string `json:"requestId"`
	Query       string `json:"query,omitempty"`
	JID         string `json:"jid,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	GroupFolder string `json:"groupFolder,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// InputMessage is forwarded into a live sandbox through input/.
type InputMessage struct {
	Type Kind   `json:"type"`
	Text string `json:"text"`
}

// TaskAck is the data of a successful task command acknowledgement.
type TaskAck struct {
	TaskID string `json:"taskId,omitempty"`
}

// TaskSnapshot is one entry of current_tasks.json.
type TaskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
}

// GroupSnapshot is one entry of available_groups.json.
type GroupSnapshot struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

type GroupsSnapshot struct {
	Groups   []GroupSnapshot `json:"groups"`
	LastSync string          `json:"lastSync"`
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
