package channels

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Channel is one chat transport. JIDs are channel-qualified ("tg:123").
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, jid, text string) error
	IsConnected() bool
	OwnsJID(jid string) bool
	Disconnect(ctx context.Context) error
}

// Streamer is implemented by channels that can edit a sent message in place.
type Streamer interface {
	SendAndGetID(ctx context.Context, jid, text string) (string, error)
	EditMessage(ctx context.Context, jid, messageID, text string) error
}

type Typer interface {
	SetTyping(ctx context.Context, jid string, on bool) error
}

// Directory is implemented by channels that can browse chats beyond the
// registered ones.
type Directory interface {
	ListChats(ctx context.Context, limit int) ([]ChatInfo, error)
	SearchChats(ctx context.Context, query string, limit int) ([]ChatInfo, error)
	FetchMessages(ctx context.Context, jid string, limit int) ([]HistoryMessage, error)
}

type ChatInfo struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type HistoryMessage struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
	SenderID   string `json:"senderId"`
	Date       string `json:"date"`
}

// Inbound is one message received by a channel.
type Inbound struct {
	ChatJID    string
	ChatName   string
	MessageID  string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsFromMe   bool
}

// InboundHandler receives every message a channel observes.
type InboundHandler func(ctx context.Context, msg Inbound)

const (
	ChatTypeUser    = "user"
	ChatTypeGroup   = "group"
	ChatTypeChannel = "channel"
)

// Limiter is implemented by channels with a per-message size limit in runes.
type Limiter interface {
	MessageLimit() int
}

// OwnsPrefix reports whether jid starts with prefix followed by a non-empty id.
func OwnsPrefix(jid, prefix string) bool {
	return strings.HasPrefix(jid, prefix) && len(jid) > len(prefix)
}

// SplitText cuts text into chunks of at most limit runes, preferring line
// breaks.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// Truncate shortens text to limit runes, ending with an ellipsis when cut.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}
