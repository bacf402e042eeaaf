// Package tgclient is the Telegram user-account channel ("tgc:" jids).
package tgclient

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"crabstack.local/projects/crab-claw/internal/channels"
)

const (
	JIDPrefix        = "tgc:"
	MaxMessageLength = 4096
	connectTimeout   = 30 * time.Second
)

var ErrNotAuthorized = errors.New("telegram client session is not authorized")

// api is the subset of *tg.Client the channel calls.
type api interface {
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	ContactsSearch(ctx context.Context, request *tg.ContactsSearchRequest) (*tg.ContactsFound, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesEditMessage(ctx context.Context, request *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error)
	MessagesSetTyping(ctx context.Context, request *tg.MessagesSetTypingRequest) (bool, error)
}

type Config struct {
	APIID         int
	APIHash       string
	SessionPath   string
	AssistantName string
	Trigger       *regexp.Regexp
}

type Channel struct {
	cfg       Config
	onMessage channels.InboundHandler
	logger    *log.Logger
	peers     *peerCache

	mu     sync.Mutex
	api    api
	cancel context.CancelFunc
	doneCh chan struct{}
}

func New(cfg Config, onMessage channels.InboundHandler, logger *log.Logger) *Channel {
	if onMessage == nil {
		panic("tgclient: message handler is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Channel{cfg: cfg, onMessage: onMessage, logger: logger, peers: newPeerCache()}
}

func (c *Channel) Name() string { return "telegram-client" }

func (c *Channel) MessageLimit() int { return MaxMessageLength }

// Connect starts the MTProto client on a previously authorized session.
func (c *Channel) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.api != nil {
		c.mu.Unlock()
		return fmt.Errorf("telegram client already connected")
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.cfg.SessionPath), 0o755); err != nil {
		return fmt.Errorf("create telegram session dir: %w", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.handleUpdate(ctx, e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.handleUpdate(ctx, e, u.Message)
		return nil
	})

	client := telegram.NewClient(c.cfg.APIID, c.cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.cfg.SessionPath},
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}
			username := "unknown"
			if status.User != nil && status.User.Username != "" {
				username = status.User.Username
			}
			c.mu.Lock()
			c.api = client.API()
			c.mu.Unlock()
			c.logger.Printf("telegram client connected username=@%s", username)
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case ready <- err:
		default:
		}
		c.mu.Lock()
		c.api = nil
		c.mu.Unlock()
	}()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return fmt.Errorf("connect telegram client: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-timer.C:
		cancel()
		return fmt.Errorf("connect telegram client: timed out after %s", connectTimeout)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.doneCh = doneCh
	c.mu.Unlock()
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	doneCh := c.doneCh
	c.cancel = nil
	c.doneCh = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Printf("telegram client disconnected")
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api != nil
}

func (c *Channel) OwnsJID(jid string) bool {
	return channels.OwnsPrefix(jid, JIDPrefix)
}

func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	for _, chunk := range channels.SplitText(text, MaxMessageLength) {
		if _, err := c.send(ctx, jid, chunk); err != nil {
			return err
		}
	}
	c.logger.Printf("telegram client message sent jid=%s length=%d", jid, len(text))
	return nil
}

func (c *Channel) SendAndGetID(ctx context.Context, jid, text string) (string, error) {
	id, err := c.send(ctx, jid, channels.Truncate(text, MaxMessageLength))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

func (c *Channel) EditMessage(ctx context.Context, jid, messageID, text string) error {
	client, peer, err := c.target(ctx, jid)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q", messageID)
	}
	_, err = client.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      id,
		Message: channels.Truncate(text, MaxMessageLength),
	})
	if err != nil && !strings.Contains(err.Error(), "MESSAGE_NOT_MODIFIED") {
		return fmt.Errorf("edit telegram client message: %w", err)
	}
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on {
		return nil
	}
	client, peer, err := c.target(ctx, jid)
	if err != nil {
		return err
	}
	if _, err := client.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	}); err != nil {
		return fmt.Errorf("send telegram client typing: %w", err)
	}
	return nil
}

func (c *Channel) ListChats(ctx context.Context, limit int) ([]channels.ChatInfo, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return c.loadDialogs(ctx, client, limit)
}

func (c *Channel) SearchChats(ctx context.Context, query string, limit int) ([]channels.ChatInfo, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	found, err := client.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("search telegram chats: %w", err)
	}
	c.peers.addChats(found.Chats)
	c.peers.addUsers(found.Users)

	var out []channels.ChatInfo
	for _, chat := range found.Chats {
		if p, ok := peerFromChat(chat); ok {
			out = append(out, p.info())
		}
	}
	for _, user := range found.Users {
		if p, ok := peerFromUser(user); ok {
			out = append(out, p.info())
		}
	}
	return out, nil
}

func (c *Channel) FetchMessages(ctx context.Context, jid string, limit int) ([]channels.HistoryMessage, error) {
	client, peer, err := c.target(ctx, jid)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	res, err := client.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("fetch telegram messages: %w", err)
	}

	var (
		msgs  []tg.MessageClass
		chats []tg.ChatClass
		users []tg.UserClass
	)
	switch r := res.(type) {
	case *tg.MessagesMessages:
		msgs, chats, users = r.Messages, r.Chats, r.Users
	case *tg.MessagesMessagesSlice:
		msgs, chats, users = r.Messages, r.Chats, r.Users
	case *tg.MessagesChannelMessages:
		msgs, chats, users = r.Messages, r.Chats, r.Users
	}
	c.peers.addChats(chats)
	c.peers.addUsers(users)

	out := make([]channels.HistoryMessage, 0, len(msgs))
	for _, mc := range msgs {
		m, ok := mc.(*tg.Message)
		if !ok || m.Message == "" {
			continue
		}
		senderID := c.senderID(m)
		senderName := senderID
		if p, ok := c.peers.get(senderID); ok {
			senderName = p.name
		}
		out = append(out, channels.HistoryMessage{
			ID:         int64(m.ID),
			Text:       m.Message,
			SenderName: senderName,
			SenderID:   senderID,
			Date:       time.Unix(int64(m.Date), 0).UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

func (c *Channel) loadDialogs(ctx context.Context, client api, limit int) ([]channels.ChatInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := client.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list telegram dialogs: %w", err)
	}

	var (
		dialogs []tg.DialogClass
		chats   []tg.ChatClass
		users   []tg.UserClass
	)
	switch r := res.(type) {
	case *tg.MessagesDialogs:
		dialogs, chats, users = r.Dialogs, r.Chats, r.Users
	case *tg.MessagesDialogsSlice:
		dialogs, chats, users = r.Dialogs, r.Chats, r.Users
	}
	c.peers.addChats(chats)
	c.peers.addUsers(users)

	out := make([]channels.ChatInfo, 0, len(dialogs))
	for _, dc := range dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		id, ok := peerID(d.Peer)
		if !ok {
			continue
		}
		if p, ok := c.peers.get(id); ok {
			out = append(out, p.info())
		}
	}
	return out, nil
}

func (c *Channel) send(ctx context.Context, jid, text string) (int, error) {
	client, peer, err := c.target(ctx, jid)
	if err != nil {
		return 0, err
	}
	randomID, err := newRandomID()
	if err != nil {
		return 0, err
	}
	upd, err := client.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID,
	})
	if err != nil {
		return 0, fmt.Errorf("send telegram client message: %w", err)
	}
	return sentMessageID(upd, randomID), nil
}

func (c *Channel) client() (api, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, fmt.Errorf("telegram client not connected")
	}
	return c.api, nil
}

// target resolves jid to an input peer, refreshing dialogs once on a miss.
func (c *Channel) target(ctx context.Context, jid string) (api, tg.InputPeerClass, error) {
	client, err := c.client()
	if err != nil {
		return nil, nil, err
	}
	if !c.OwnsJID(jid) {
		return nil, nil, fmt.Errorf("invalid telegram client jid %q", jid)
	}
	id := strings.TrimPrefix(jid, JIDPrefix)
	if p, ok := c.peers.get(id); ok {
		return client, p.input, nil
	}
	if _, err := c.loadDialogs(ctx, client, 0); err != nil {
		return nil, nil, err
	}
	if p, ok := c.peers.get(id); ok {
		return client, p.input, nil
	}
	return nil, nil, fmt.Errorf("unknown telegram chat %s", jid)
}

func (c *Channel) handleUpdate(ctx context.Context, e tg.Entities, mc tg.MessageClass) {
	m, ok := mc.(*tg.Message)
	if !ok || m.Out {
		return
	}
	c.peers.addEntities(e)

	chatID, ok := peerID(m.PeerID)
	if !ok {
		return
	}
	jid := JIDPrefix + chatID
	chatName := jid
	if p, ok := c.peers.get(chatID); ok && p.name != "" {
		chatName = p.name
	}
	senderID := c.senderID(m)
	senderName := senderID
	if p, ok := c.peers.get(senderID); ok && p.name != "" {
		senderName = p.name
	}

	c.onMessage(ctx, channels.Inbound{
		ChatJID:    jid,
		ChatName:   chatName,
		MessageID:  strconv.Itoa(m.ID),
		Sender:     senderID,
		SenderName: senderName,
		Content:    c.rewriteMention(m.Message),
		Timestamp:  time.Unix(int64(m.Date), 0).UTC(),
	})
}

// senderID is the author of m; private messages without from_id come from
// the peer itself.
func (c *Channel) senderID(m *tg.Message) string {
	if m.FromID != nil {
		if id, ok := peerID(m.FromID); ok {
			return id
		}
	}
	id, _ := peerID(m.PeerID)
	return id
}

// rewriteMention prefixes the trigger when the text names the assistant.
func (c *Channel) rewriteMention(content string) string {
	if content == "" || c.cfg.AssistantName == "" {
		return content
	}
	if c.cfg.Trigger != nil && c.cfg.Trigger.MatchString(content) {
		return content
	}
	if strings.Contains(strings.ToLower(content), "@"+strings.ToLower(c.cfg.AssistantName)) {
		return "@" + c.cfg.AssistantName + " " + content
	}
	return content
}

func sentMessageID(upd tg.UpdatesClass, randomID int64) int {
	switch u := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		for _, item := range u.Updates {
			if mid, ok := item.(*tg.UpdateMessageID); ok && mid.RandomID == randomID {
				return mid.ID
			}
		}
	}
	return 0
}

func newRandomID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate random id: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}
