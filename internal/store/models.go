package store

import "time"

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readonly,omitempty"`
}

// SandboxConfig holds per-conversation overrides for the sandbox spawn.
type SandboxConfig struct {
	AdditionalMounts []Mount `json:"additionalMounts,omitempty"`
	TimeoutMS        int64   `json:"timeoutMs,omitempty"`
}

type Conversation struct {
	JID             string        `json:"jid"`
	Name            string        `json:"name"`
	Folder          string        `json:"folder"`
	TriggerPattern  string        `json:"trigger_pattern"`
	RequiresTrigger bool          `json:"requires_trigger"`
	Sandbox         SandboxConfig `json:"sandbox_config"`
	AddedAt         time.Time     `json:"added_at"`
}

type Chat struct {
	JID             string    `json:"jid"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
}

type Message struct {
	ID           string    `json:"id"`
	ChatJID      string    `json:"chat_jid"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"sender_name"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	IsFromMe     bool      `json:"is_from_me"`
	IsBotMessage bool      `json:"is_bot_message"`
}

type Task struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	ChatJID       string       `json:"chat_jid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"next_run"`
	LastRun       *time.Time   `json:"last_run"`
	LastResult    string       `json:"last_result"`
	CreatedAt     time.Time    `json:"created_at"`
	CreatedBy     string       `json:"created_by"`
}

type TaskRunLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMS int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result"`
	Error      string    `json:"error"`
}

// TaskRunUpdate is applied to a task after one firing.
type TaskRunUpdate struct {
	RanAt      time.Time
	NextRun    *time.Time
	LastResult string
	Completed  bool
}

type TaskStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// Cursor marks how far a conversation has been processed: the newest
// processed timestamp and the ids already processed at exactly that time.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	IDs       []string  `json:"ids,omitempty"`
}

func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && len(c.IDs) == 0
}

// Covers reports whether msg is at or behind the cursor.
func (c Cursor) Covers(msg Message) bool {
	if msg.Timestamp.Before(c.Timestamp) {
		return true
	}
	if !msg.Timestamp.Equal(c.Timestamp) {
		return false
	}
	for _, id := range c.IDs {
		if id == msg.ID {
			return true
		}
	}
	return false
}

// Advance returns the cursor moved past msg. Older messages leave it as is.
func (c Cursor) Advance(msg Message) Cursor {
	switch {
	case msg.Timestamp.Before(c.Timestamp) || c.Covers(msg):
		return c
	case msg.Timestamp.Equal(c.Timestamp):
		ids := append(append([]string(nil), c.IDs...), msg.ID)
		return Cursor{Timestamp: c.Timestamp, IDs: ids}
	default:
		return Cursor{Timestamp: msg.Timestamp.UTC(), IDs: []string{msg.ID}}
	}
}

// Merge combines two cursors into the furthest of both.
func (c Cursor) Merge(o Cursor) Cursor {
	switch {
	case o.Timestamp.After(c.Timestamp):
		return o
	case c.Timestamp.After(o.Timestamp):
		return c
	}
	out := c
	for _, id := range o.IDs {
		out = out.Advance(Message{ID: id, Timestamp: c.Timestamp})
	}
	return out
}
