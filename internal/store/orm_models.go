package store

import (
	"encoding/json"
	"time"
)

type chatRow struct {
	JID             string    `gorm:"column:jid;primaryKey;size:191"`
	Name            string    `gorm:"size:512"`
	LastMessageTime time.Time `gorm:"index"`
}

func (chatRow) TableName() string {
	return "chats"
}

func (r chatRow) toRecord() Chat {
	return Chat{JID: r.JID, Name: r.Name, LastMessageTime: r.LastMessageTime}
}

type messageRow struct {
	ID           string    `gorm:"primaryKey;size:191"`
	ChatJID      string    `gorm:"column:chat_jid;primaryKey;size:191;index:idx_messages_chat_time,priority:1"`
	Sender       string    `gorm:"size:191"`
	SenderName   string    `gorm:"size:512"`
	Content      string    `gorm:"type:text"`
	Timestamp    time.Time `gorm:"not null;index:idx_messages_chat_time,priority:2"`
	IsFromMe     bool      `gorm:"not null"`
	IsBotMessage bool      `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (r messageRow) toRecord() Message {
	return Message{
		ID:           r.ID,
		ChatJID:      r.ChatJID,
		Sender:       r.Sender,
		SenderName:   r.SenderName,
		Content:      r.Content,
		Timestamp:    r.Timestamp,
		IsFromMe:     r.IsFromMe,
		IsBotMessage: r.IsBotMessage,
	}
}

func messageRowFromRecord(rec Message) messageRow {
	return messageRow{
		ID:           rec.ID,
		ChatJID:      rec.ChatJID,
		Sender:       rec.Sender,
		SenderName:   rec.SenderName,
		Content:      rec.Content,
		Timestamp:    rec.Timestamp.UTC(),
		IsFromMe:     rec.IsFromMe,
		IsBotMessage: rec.IsBotMessage,
	}
}

type sessionRow struct {
	GroupFolder string    `gorm:"primaryKey;size:191"`
	SessionID   string    `gorm:"size:191;not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

type conversationRow struct {
	JID             string    `gorm:"column:jid;primaryKey;size:191"`
	Name            string    `gorm:"size:512;not null"`
	Folder          string    `gorm:"size:191;not null;uniqueIndex"`
	TriggerPattern  string    `gorm:"size:512"`
	RequiresTrigger bool      `gorm:"not null"`
	SandboxConfig   string    `gorm:"type:text"`
	AddedAt         time.Time `gorm:"not null"`
}

func (conversationRow) TableName() string {
	return "registered_groups"
}

func (r conversationRow) toRecord() Conversation {
	rec := Conversation{
		JID:             r.JID,
		Name:            r.Name,
		Folder:          r.Folder,
		TriggerPattern:  r.TriggerPattern,
		RequiresTrigger: r.RequiresTrigger,
		AddedAt:         r.AddedAt,
	}
	if r.SandboxConfig != "" {
		_ = json.Unmarshal([]byte(r.SandboxConfig), &rec.Sandbox)
	}
	return rec
}

func conversationRowFromRecord(rec Conversation) (conversationRow, error) {
	row := conversationRow{
		JID:             rec.JID,
		Name:            rec.Name,
		Folder:          rec.Folder,
		TriggerPattern:  rec.TriggerPattern,
		RequiresTrigger: rec.RequiresTrigger,
		AddedAt:         rec.AddedAt.UTC(),
	}
	if len(rec.Sandbox.AdditionalMounts) > 0 || rec.Sandbox.TimeoutMS > 0 {
		encoded, err := json.Marshal(rec.Sandbox)
		if err != nil {
			return conversationRow{}, err
		}
		row.SandboxConfig = string(encoded)
	}
	return row, nil
}

type taskRow struct {
	ID            string     `gorm:"primaryKey;size:191"`
	GroupFolder   string     `gorm:"size:191;not null;index"`
	ChatJID       string     `gorm:"column:chat_jid;size:191;not null"`
	Prompt        string     `gorm:"type:text;not null"`
	ScheduleType  string     `gorm:"size:32;not null"`
	ScheduleValue string     `gorm:"size:191;not null"`
	ContextMode   string     `gorm:"size:32;not null;default:group"`
	Status        string     `gorm:"size:32;not null;index:idx_tasks_due,priority:1"`
	NextRun       *time.Time `gorm:"index:idx_tasks_due,priority:2"`
	LastRun       *time.Time
	LastResult    string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null"`
	CreatedBy     string    `gorm:"size:191"`
}

func (taskRow) TableName() string {
	return "scheduled_tasks"
}

func (r taskRow) toRecord() Task {
	return Task{
		ID:            r.ID,
		GroupFolder:   r.GroupFolder,
		ChatJID:       r.ChatJID,
		Prompt:        r.Prompt,
		ScheduleType:  ScheduleType(r.ScheduleType),
		ScheduleValue: r.ScheduleValue,
		ContextMode:   ContextMode(r.ContextMode),
		Status:        TaskStatus(r.Status),
		NextRun:       r.NextRun,
		LastRun:       r.LastRun,
		LastResult:    r.LastResult,
		CreatedAt:     r.CreatedAt,
		CreatedBy:     r.CreatedBy,
	}
}

func taskRowFromRecord(rec Task) taskRow {
	return taskRow{
		ID:            rec.ID,
		GroupFolder:   rec.GroupFolder,
		ChatJID:       rec.ChatJID,
		Prompt:        rec.Prompt,
		ScheduleType:  string(rec.ScheduleType),
		ScheduleValue: rec.ScheduleValue,
		ContextMode:   string(rec.ContextMode),
		Status:        string(rec.Status),
		NextRun:       utcPtr(rec.NextRun),
		LastRun:       utcPtr(rec.LastRun),
		LastResult:    rec.LastResult,
		CreatedAt:     rec.CreatedAt.UTC(),
		CreatedBy:     rec.CreatedBy,
	}
}

type runLogRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	TaskID     string    `gorm:"size:191;not null;index"`
	RunAt      time.Time `gorm:"not null;index"`
	DurationMS int64     `gorm:"column:duration_ms;not null"`
	Status     string    `gorm:"size:32;not null"`
	Result     string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
}

func (runLogRow) TableName() string {
	return "task_run_logs"
}

func (r runLogRow) toRecord() TaskRunLog {
	return TaskRunLog{
		ID:         r.ID,
		TaskID:     r.TaskID,
		RunAt:      r.RunAt,
		DurationMS: r.DurationMS,
		Status:     RunStatus(r.Status),
		Result:     r.Result,
		Error:      r.Error,
	}
}

type cursorRow struct {
	ChatJID       string    `gorm:"column:chat_jid;primaryKey;size:191"`
	LastTimestamp time.Time `gorm:"not null"`
	ProcessedIDs  string    `gorm:"column:processed_ids;type:text"`
}

func (cursorRow) TableName() string {
	return "router_cursors"
}

func (r cursorRow) toRecord() Cursor {
	rec := Cursor{Timestamp: r.LastTimestamp}
	if r.ProcessedIDs != "" {
		_ = json.Unmarshal([]byte(r.ProcessedIDs), &rec.IDs)
	}
	return rec
}

func cursorRowFromRecord(jid string, rec Cursor) (cursorRow, error) {
	row := cursorRow{ChatJID: jid, LastTimestamp: rec.Timestamp.UTC()}
	if len(rec.IDs) > 0 {
		encoded, err := json.Marshal(rec.IDs)
		if err != nil {
			return cursorRow{}, err
		}
		row.ProcessedIDs = string(encoded)
	}
	return row, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
