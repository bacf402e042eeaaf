package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-claw/internal/db"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrFolderImmutable = errors.New("conversation folder cannot change")
	ErrFolderTaken     = errors.New("conversation folder already in use")
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(
		&chatRow{},
		&messageRow{},
		&sessionRow{},
		&conversationRow{},
		&taskRow{},
		&runLogRow{},
		&cursorRow{},
	); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// RecordChat upserts chat metadata. An empty name keeps the stored one and the
// last message time never moves backwards.
func (s *GormStore) RecordChat(ctx context.Context, jid, name string, at time.Time) error {
	jid = strings.TrimSpace(jid)
	if jid == "" {
		return fmt.Errorf("chat jid is required")
	}
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current chatRow
		err := tx.Where("jid = ?", jid).Take(&current).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("get chat: %w", err)
			}
			row := chatRow{JID: jid, Name: strings.TrimSpace(name), LastMessageTime: at}
			if row.Name == "" {
				row.Name = jid
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create chat: %w", err)
			}
			return nil
		}

		if trimmed := strings.TrimSpace(name); trimmed != "" {
			current.Name = trimmed
		}
		if at.After(current.LastMessageTime) {
			current.LastMessageTime = at
		}
		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("update chat: %w", err)
		}
		return nil
	})
}

func (s *GormStore) ListChats(ctx context.Context) ([]Chat, error) {
	var rows []chatRow
	if err := s.db.WithContext(ctx).Order("last_message_time DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make([]Chat, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// StoreMessage appends a message; a duplicate id within a chat is ignored.
func (s *GormStore) StoreMessage(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.ChatJID) == "" {
		return fmt.Errorf("message id and chat jid are required")
	}
	row := messageRowFromRecord(msg)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// NewMessages returns messages for jid past the cursor, oldest first,
// excluding bot-authored rows. The returned cursor covers every row read, or
// is since when nothing matched.
func (s *GormStore) NewMessages(ctx context.Context, jid string, since Cursor, botPrefix string) ([]Message, Cursor, error) {
	query := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("chat_jid = ? AND timestamp >= ? AND is_bot_message = ?", jid, since.Timestamp.UTC(), false)
	var rows []messageRow
	if err := query.Order("timestamp ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, since, fmt.Errorf("get new messages: %w", err)
	}

	prefix := strings.TrimSpace(botPrefix)
	next := since
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg := row.toRecord()
		if since.Covers(msg) {
			continue
		}
		next = next.Advance(msg)
		if prefix != "" && strings.HasPrefix(row.Content, prefix+":") {
			continue
		}
		out = append(out, msg)
	}
	return out, next, nil
}

// RecentMessages returns up to limit messages for jid, oldest first.
func (s *GormStore) RecentMessages(ctx context.Context, jid string, limit int) ([]Message, error) {
	query := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("chat_jid = ?", jid).
		Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	out := make([]Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.toRecord()
	}
	return out, nil
}

func (s *GormStore) GetSession(ctx context.Context, folder string) (string, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("group_folder = ?", folder).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get session: %w", err)
	}
	return row.SessionID, nil
}

func (s *GormStore) SetSession(ctx context.Context, folder, sessionID string) error {
	if strings.TrimSpace(folder) == "" || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session folder and id are required")
	}
	row := sessionRow{GroupFolder: folder, SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_folder"}},
			DoUpdates: clause.AssignmentColumns([]string{"session_id", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *GormStore) CountSessions(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&sessionRow{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(count), nil
}

// PutConversation registers or updates a conversation. The folder of an
// existing registration cannot change and folders are unique.
func (s *GormStore) PutConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if strings.TrimSpace(conv.JID) == "" || strings.TrimSpace(conv.Folder) == "" {
		return Conversation{}, fmt.Errorf("conversation jid and folder are required")
	}
	if conv.AddedAt.IsZero() {
		conv.AddedAt = time.Now().UTC()
	}

	var out Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current conversationRow
		err := tx.Where("jid = ?", conv.JID).Take(&current).Error
		switch {
		case err == nil:
			if current.Folder != conv.Folder {
				return ErrFolderImmutable
			}
			conv.AddedAt = current.AddedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			var taken int64
			if err := tx.Model(&conversationRow{}).Where("folder = ?", conv.Folder).Count(&taken).Error; err != nil {
				return fmt.Errorf("check folder: %w", err)
			}
			if taken > 0 {
				return ErrFolderTaken
			}
		default:
			return fmt.Errorf("get conversation: %w", err)
		}

		row, err := conversationRowFromRecord(conv)
		if err != nil {
			return fmt.Errorf("encode sandbox config: %w", err)
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return out, nil
}

func (s *GormStore) GetConversation(ctx context.Context, jid string) (Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("jid = ?", jid).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	var rows []conversationRow
	if err := s.db.WithContext(ctx).Order("added_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskActive
	}
	if task.ContextMode == "" {
		task.ContextMode = ContextGroup
	}
	row := taskRowFromRecord(task)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) GetTask(ctx context.Context, id string) (Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListTasks(ctx context.Context) ([]Task, error) {
	return s.findTasks(s.db.WithContext(ctx).Order("created_at DESC"))
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *GormStore) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	return s.findTasks(s.db.WithContext(ctx).
		Where("status = ? AND next_run IS NOT NULL AND next_run <= ?", string(TaskActive), now.UTC()).
		Order("next_run ASC"))
}

func (s *GormStore) findTasks(query *gorm.DB) ([]Task, error) {
	var rows []taskRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("set task status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskNextRun replaces next_run, used when a paused task resumes.
func (s *GormStore) SetTaskNextRun(ctx context.Context, id string, next *time.Time) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Update("next_run", utcPtr(next))
	if res.Error != nil {
		return fmt.Errorf("set task next run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskRun applies the outcome of one firing. Completion only moves an
// active task; a task paused or cancelled mid-run keeps its status.
func (s *GormStore) RecordTaskRun(ctx context.Context, id string, update TaskRunUpdate) error {
	ranAt := update.RanAt.UTC()
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(map[string]any{
		"last_run":    &ranAt,
		"last_result": update.LastResult,
		"next_run":    utcPtr(update.NextRun),
	})
	if res.Error != nil {
		return fmt.Errorf("record task run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if !update.Completed {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(TaskActive)).
		Update("status", string(TaskCompleted)).Error
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (s *GormStore) AppendRunLog(ctx context.Context, entry TaskRunLog) error {
	row := runLogRow{
		TaskID:     entry.TaskID,
		RunAt:      entry.RunAt.UTC(),
		DurationMS: entry.DurationMS,
		Status:     string(entry.Status),
		Result:     entry.Result,
		Error:      entry.Error,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

func (s *GormStore) RecentRunLogs(ctx context.Context, limit int) ([]TaskRunLog, error) {
	query := s.db.WithContext(ctx).Model(&runLogRow{}).Order("run_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []runLogRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get run logs: %w", err)
	}
	out := make([]TaskRunLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) TaskRunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	query := s.db.WithContext(ctx).Model(&runLogRow{}).Where("task_id = ?", taskID).Order("run_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []runLogRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get task run logs: %w", err)
	}
	out := make([]TaskRunLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) TaskStats(ctx context.Context) (TaskStats, error) {
	type statusCount struct {
		Status string
		Count  int
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).
		Model(&taskRow{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	var stats TaskStats
	for _, c := range counts {
		stats.Total += c.Count
		switch TaskStatus(c.Status) {
		case TaskActive:
			stats.Active = c.Count
		case TaskPaused:
			stats.Paused = c.Count
		case TaskCompleted:
			stats.Completed = c.Count
		case TaskCancelled:
			stats.Cancelled = c.Count
		}
	}
	return stats, nil
}

// Cursor returns the processed position for jid, zero when unset.
func (s *GormStore) Cursor(ctx context.Context, jid string) (Cursor, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).Where("chat_jid = ?", jid).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("get cursor: %w", err)
	}
	return row.toRecord(), nil
}

// AdvanceCursor merges next into the cursor for jid and returns the stored
// value. A cursor never moves backwards.
func (s *GormStore) AdvanceCursor(ctx context.Context, jid string, next Cursor) (Cursor, error) {
	var out Cursor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current cursorRow
		err := tx.Where("chat_jid = ?", jid).Take(&current).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("get cursor: %w", err)
		}
		merged := next
		if err == nil {
			merged = current.toRecord().Merge(next)
		}
		row, err := cursorRowFromRecord(jid, merged)
		if err != nil {
			return fmt.Errorf("encode cursor: %w", err)
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Cursor{}, err
	}
	return out, nil
}
