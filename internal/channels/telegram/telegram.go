// Package telegram is the Telegram bot channel ("tg:" jids).
package telegram

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"crabstack.local/projects/crab-claw/internal/channels"
)

const (
	JIDPrefix        = "tg:"
	MaxMessageLength = 4096
	pollTimeout      = 30
)

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Config struct {
	Token         string
	AssistantName string
	// Trigger decides whether a bot mention already reads as a trigger.
	Trigger *regexp.Regexp
}

type Channel struct {
	cfg       Config
	onMessage channels.InboundHandler
	logger    *log.Logger
	newBot    func(token string) (botAPI, string, error)

	mu          sync.Mutex
	bot         botAPI
	botUsername string
	doneCh      chan struct{}
}

func New(cfg Config, onMessage channels.InboundHandler, logger *log.Logger) *Channel {
	if onMessage == nil {
		panic("telegram: message handler is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Channel{
		cfg:       cfg,
		onMessage: onMessage,
		logger:    logger,
		newBot: func(token string) (botAPI, string, error) {
			bot, err := tgbotapi.NewBotAPI(token)
			if err != nil {
				return nil, "", err
			}
			return bot, bot.Self.UserName, nil
		},
	}
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) MessageLimit() int { return MaxMessageLength }

func (c *Channel) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return fmt.Errorf("telegram channel already connected")
	}

	bot, username, err := c.newBot(strings.TrimSpace(c.cfg.Token))
	if err != nil {
		return fmt.Errorf("connect telegram bot: %w", err)
	}
	update := tgbotapi.NewUpdate(0)
	update.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(update)

	c.bot = bot
	c.botUsername = strings.ToLower(username)
	c.doneCh = make(chan struct{})
	go c.receive(ctx, updates, c.doneCh)

	c.logger.Printf("telegram bot connected username=@%s", username)
	return nil
}

func (c *Channel) receive(ctx context.Context, updates tgbotapi.UpdatesChannel, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message != nil {
				c.handleMessage(ctx, upd.Message)
			}
		}
	}
}

func (c *Channel) Disconnect(context.Context) error {
	c.mu.Lock()
	bot := c.bot
	doneCh := c.doneCh
	c.bot = nil
	c.doneCh = nil
	c.mu.Unlock()

	if bot == nil {
		return nil
	}
	bot.StopReceivingUpdates()
	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(pollTimeout * time.Second):
		}
	}
	c.logger.Printf("telegram bot stopped")
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot != nil
}

func (c *Channel) OwnsJID(jid string) bool {
	return channels.OwnsPrefix(jid, JIDPrefix)
}

func (c *Channel) SendMessage(_ context.Context, jid, text string) error {
	bot, chatID, err := c.target(jid)
	if err != nil {
		return err
	}
	for _, chunk := range channels.SplitText(text, MaxMessageLength) {
		if _, err := sendWithFallback(bot, chatID, chunk); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	c.logger.Printf("telegram message sent jid=%s length=%d", jid, len(text))
	return nil
}

func (c *Channel) SendAndGetID(_ context.Context, jid, text string) (string, error) {
	bot, chatID, err := c.target(jid)
	if err != nil {
		return "", err
	}
	msg, err := sendWithFallback(bot, chatID, channels.Truncate(text, MaxMessageLength))
	if err != nil {
		return "", fmt.Errorf("send telegram message: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (c *Channel) EditMessage(_ context.Context, jid, messageID, text string) error {
	bot, chatID, err := c.target(jid)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q", messageID)
	}
	trimmed := channels.Truncate(text, MaxMessageLength)
	edit := tgbotapi.NewEditMessageText(chatID, id, trimmed)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := bot.Request(edit); err != nil {
		if notModified(err) {
			return nil
		}
		edit.ParseMode = ""
		if _, err := bot.Request(edit); err != nil && !notModified(err) {
			return fmt.Errorf("edit telegram message: %w", err)
		}
	}
	return nil
}

func (c *Channel) SetTyping(_ context.Context, jid string, on bool) error {
	if !on {
		return nil
	}
	bot, chatID, err := c.target(jid)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("send telegram typing: %w", err)
	}
	return nil
}

func (c *Channel) target(jid string) (botAPI, int64, error) {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return nil, 0, fmt.Errorf("telegram bot not connected")
	}
	chatID, err := strconv.ParseInt(strings.TrimPrefix(jid, JIDPrefix), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid telegram jid %q", jid)
	}
	return bot, chatID, nil
}

func (c *Channel) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	if m.IsCommand() {
		c.handleCommand(m)
		return
	}

	content, ok := messageContent(m)
	if !ok {
		return
	}
	if m.Text != "" {
		content = c.rewriteMention(m, content)
	}

	jid := JIDPrefix + strconv.FormatInt(m.Chat.ID, 10)
	senderName, senderID := sender(m.From)
	chatName := m.Chat.Title
	if m.Chat.IsPrivate() {
		chatName = senderName
	}
	if chatName == "" {
		chatName = jid
	}

	c.onMessage(ctx, channels.Inbound{
		ChatJID:    jid,
		ChatName:   chatName,
		MessageID:  strconv.Itoa(m.MessageID),
		Sender:     senderID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  m.Time().UTC(),
	})
}

func (c *Channel) handleCommand(m *tgbotapi.Message) {
	bot, _, err := c.target(JIDPrefix + strconv.FormatInt(m.Chat.ID, 10))
	if err != nil {
		return
	}
	var reply tgbotapi.MessageConfig
	switch m.Command() {
	case "chatid":
		name := m.Chat.Title
		if m.Chat.IsPrivate() {
			name = "Private"
			if m.From != nil && m.From.FirstName != "" {
				name = m.From.FirstName
			}
		}
		if name == "" {
			name = "Unknown"
		}
		reply = tgbotapi.NewMessage(m.Chat.ID, fmt.Sprintf("Chat ID: `tg:%d`\nName: %s\nType: %s", m.Chat.ID, name, m.Chat.Type))
		reply.ParseMode = tgbotapi.ModeMarkdown
	case "ping":
		reply = tgbotapi.NewMessage(m.Chat.ID, c.cfg.AssistantName+" is online.")
	default:
		return
	}
	if _, err := bot.Send(reply); err != nil {
		c.logger.Printf("telegram command reply failed command=%s err=%v", m.Command(), err)
	}
}

// rewriteMention turns an @bot_username mention into the trigger form.
func (c *Channel) rewriteMention(m *tgbotapi.Message, content string) string {
	c.mu.Lock()
	username := c.botUsername
	c.mu.Unlock()
	if username == "" {
		return content
	}
	units := utf16.Encode([]rune(m.Text))
	mentioned := false
	for _, entity := range m.Entities {
		if entity.Type != "mention" || entity.Offset < 0 || entity.Offset+entity.Length > len(units) {
			continue
		}
		text := string(utf16.Decode(units[entity.Offset : entity.Offset+entity.Length]))
		if strings.EqualFold(text, "@"+username) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return content
	}
	if c.cfg.Trigger != nil && c.cfg.Trigger.MatchString(content) {
		return content
	}
	return "@" + c.cfg.AssistantName + " " + content
}

// messageContent renders text or a placeholder for media messages.
func messageContent(m *tgbotapi.Message) (string, bool) {
	if m.Text != "" {
		return m.Text, true
	}
	var placeholder string
	switch {
	case len(m.Photo) > 0:
		placeholder = "[Photo]"
	case m.Video != nil:
		placeholder = "[Video]"
	case m.Voice != nil:
		placeholder = "[Voice message]"
	case m.Audio != nil:
		placeholder = "[Audio]"
	case m.Document != nil:
		name := m.Document.FileName
		if name == "" {
			name = "file"
		}
		placeholder = "[Document: " + name + "]"
	case m.Sticker != nil:
		placeholder = "[Sticker " + m.Sticker.Emoji + "]"
	case m.Location != nil:
		placeholder = "[Location]"
	case m.Contact != nil:
		placeholder = "[Contact]"
	default:
		return "", false
	}
	if m.Caption != "" {
		return placeholder + " " + m.Caption, true
	}
	return placeholder, true
}

func sender(u *tgbotapi.User) (name, id string) {
	if u == nil {
		return "Unknown", ""
	}
	id = strconv.FormatInt(u.ID, 10)
	switch {
	case u.FirstName != "":
		name = u.FirstName
	case u.UserName != "":
		name = u.UserName
	default:
		name = id
	}
	return name, id
}

func sendWithFallback(bot botAPI, chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := bot.Send(msg)
	if err == nil {
		return sent, nil
	}
	msg.ParseMode = ""
	return bot.Send(msg)
}

func notModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
