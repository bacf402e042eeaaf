// Package discord is the Discord bot channel ("dc:" jids).
package discord

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-claw/internal/channels"
)

const (
	JIDPrefix        = "dc:"
	MaxMessageLength = 2000
)

// messenger is the subset of *discordgo.Session used for outbound calls.
type messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type Config struct {
	BotToken      string
	AssistantName string
	Trigger       *regexp.Regexp
}

type Channel struct {
	cfg       Config
	onMessage channels.InboundHandler
	logger    *log.Logger

	mu      sync.Mutex
	ctx     context.Context
	session *discordgo.Session
	out     messenger
	botID   string
}

func New(cfg Config, onMessage channels.InboundHandler, logger *log.Logger) *Channel {
	if onMessage == nil {
		panic("discord: message handler is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Channel{cfg: cfg, onMessage: onMessage, logger: logger, ctx: context.Background()}
}

func (c *Channel) Name() string { return "discord" }

func (c *Channel) MessageLimit() int { return MaxMessageLength }

func (c *Channel) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out != nil {
		return fmt.Errorf("discord channel already connected")
	}

	s, err := discordgo.New(normalizeBotToken(c.cfg.BotToken))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.AddHandler(c.handleMessage)
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.ctx = ctx
	c.session = s
	c.out = s
	if s.State != nil && s.State.User != nil {
		c.botID = s.State.User.ID
		c.logger.Printf("discord bot connected user=%s", s.State.User.Username)
	} else {
		c.logger.Printf("discord bot connected")
	}
	return nil
}

func (c *Channel) Disconnect(context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.out = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	c.logger.Printf("discord bot stopped")
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

func (c *Channel) OwnsJID(jid string) bool {
	return channels.OwnsPrefix(jid, JIDPrefix)
}

func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	out, channelID, err := c.target(jid)
	if err != nil {
		return err
	}
	for _, chunk := range channels.SplitText(text, MaxMessageLength) {
		if _, err := out.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	c.logger.Printf("discord message sent jid=%s length=%d", jid, len(text))
	return nil
}

func (c *Channel) SendAndGetID(ctx context.Context, jid, text string) (string, error) {
	out, channelID, err := c.target(jid)
	if err != nil {
		return "", err
	}
	msg, err := out.ChannelMessageSend(channelID, channels.Truncate(text, MaxMessageLength), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send discord message: %w", err)
	}
	return msg.ID, nil
}

func (c *Channel) EditMessage(ctx context.Context, jid, messageID, text string) error {
	out, channelID, err := c.target(jid)
	if err != nil {
		return err
	}
	if _, err := out.ChannelMessageEdit(channelID, messageID, channels.Truncate(text, MaxMessageLength), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on {
		return nil
	}
	out, channelID, err := c.target(jid)
	if err != nil {
		return err
	}
	if err := out.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord typing: %w", err)
	}
	return nil
}

func (c *Channel) target(jid string) (messenger, string, error) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return nil, "", fmt.Errorf("discord bot not connected")
	}
	if !c.OwnsJID(jid) {
		return nil, "", fmt.Errorf("invalid discord jid %q", jid)
	}
	return out, strings.TrimPrefix(jid, JIDPrefix), nil
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot {
		return
	}

	content := strings.TrimSpace(c.rewriteMention(m.Message))
	if notes := attachmentNotes(m.Attachments); notes != "" {
		if content != "" {
			content += "\n"
		}
		content += notes
	}
	if content == "" {
		return
	}

	occurredAt := m.Timestamp.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	senderName := m.Author.GlobalName
	if senderName == "" {
		senderName = m.Author.Username
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	c.onMessage(ctx, channels.Inbound{
		ChatJID:    JIDPrefix + m.ChannelID,
		ChatName:   chatName(s, m.Message, senderName),
		MessageID:  m.ID,
		Sender:     m.Author.ID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  occurredAt,
	})
}

// rewriteMention replaces a <@bot> mention with the trigger form.
func (c *Channel) rewriteMention(m *discordgo.Message) string {
	c.mu.Lock()
	botID := c.botID
	c.mu.Unlock()

	content := m.Content
	if botID == "" {
		return content
	}
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return content
	}
	content = strings.TrimSpace(strings.NewReplacer("<@"+botID+">", "", "<@!"+botID+">", "").Replace(content))
	if c.cfg.Trigger != nil && c.cfg.Trigger.MatchString(content) {
		return content
	}
	return "@" + c.cfg.AssistantName + " " + content
}

func chatName(s *discordgo.Session, m *discordgo.Message, senderName string) string {
	if m.GuildID == "" {
		return senderName
	}
	if s != nil && s.State != nil {
		if ch, err := s.State.Channel(m.ChannelID); err == nil && ch.Name != "" {
			return "#" + ch.Name
		}
	}
	return JIDPrefix + m.ChannelID
}

func attachmentNotes(attachments []*discordgo.MessageAttachment) string {
	var notes []string
	for _, a := range attachments {
		if a == nil {
			continue
		}
		notes = append(notes, "["+attachmentKind(a.ContentType)+": "+a.Filename+"]")
	}
	return strings.Join(notes, "\n")
}

func attachmentKind(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "Image"
	case strings.HasPrefix(contentType, "audio/"):
		return "Audio"
	case strings.HasPrefix(contentType, "video/"):
		return "Video"
	default:
		return "File"
	}
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
