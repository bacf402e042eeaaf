// Package router moves chat messages between channels and sandboxed agents.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/store"
)

var (
	ErrRouterAlreadyStarted = errors.New("router already started")
	ErrNoChannel            = errors.New("no channel owns jid")
)

type Store interface {
	RecordChat(ctx context.Context, jid, name string, at time.Time) error
	StoreMessage(ctx context.Context, msg store.Message) error
	NewMessages(ctx context.Context, jid string, since store.Cursor, botPrefix string) ([]store.Message, store.Cursor, error)
	Cursor(ctx context.Context, jid string) (store.Cursor, error)
	AdvanceCursor(ctx context.Context, jid string, next store.Cursor) (store.Cursor, error)
	GetConversation(ctx context.Context, jid string) (store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	GetSession(ctx context.Context, folder string) (string, error)
	SetSession(ctx context.Context, folder, sessionID string) error
}

type Queue interface {
	EnqueueMessageCheck(key string)
	ForwardIfLive(key, text string) bool
	RegisterProcess(key string, handle sandbox.Handle, sandboxName, folder string)
	Run(ctx context.Context, key string, fn func(ctx context.Context) error) error
	IsActive(key string) bool
}

type AgentRunner interface {
	Run(ctx context.Context, inv sandbox.Invocation, hooks sandbox.Hooks) sandbox.Output
}

type Config struct {
	AssistantName      string
	Trigger            *regexp.Regexp
	WebChatJID         string
	PollInterval       time.Duration
	StreamEditInterval time.Duration
}

type Router struct {
	cfg    Config
	store  Store
	queue  Queue
	runner AgentRunner
	logger *log.Logger

	chMu     sync.RWMutex
	channels []channels.Channel

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now           func() time.Time
	tickerFactory func(interval time.Duration) pollTicker
}

func New(cfg Config, st Store, q Queue, runner AgentRunner, logger *log.Logger) *Router {
	if st == nil {
		panic("router: store is required")
	}
	if q == nil {
		panic("router: queue is required")
	}
	if runner == nil {
		panic("router: runner is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StreamEditInterval <= 0 {
		cfg.StreamEditInterval = 2 * time.Second
	}
	return &Router{
		cfg:    cfg,
		store:  st,
		queue:  q,
		runner: runner,
		logger: logger,
		now:    time.Now,
		tickerFactory: func(interval time.Duration) pollTicker {
			return newRealTicker(interval)
		},
	}
}

func (r *Router) AddChannel(ch channels.Channel) {
	r.chMu.Lock()
	r.channels = append(r.channels, ch)
	r.chMu.Unlock()
}

func (r *Router) Channels() []channels.Channel {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	return append([]channels.Channel(nil), r.channels...)
}

func (r *Router) findChannel(jid string) channels.Channel {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// HandleInbound records an inbound message and either forwards it to a live
// sandbox or marks the conversation for the next pass.
func (r *Router) HandleInbound(ctx context.Context, in channels.Inbound) {
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now()
	}
	if err := r.store.RecordChat(ctx, in.ChatJID, in.ChatName, in.Timestamp); err != nil {
		r.logger.Printf("record chat failed jid=%s err=%v", in.ChatJID, err)
	}
	if _, err := r.store.GetConversation(ctx, in.ChatJID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Printf("lookup conversation failed jid=%s err=%v", in.ChatJID, err)
		}
		return
	}

	msg := store.Message{
		ID:         in.MessageID,
		ChatJID:    in.ChatJID,
		Sender:     in.Sender,
		SenderName: in.SenderName,
		Content:    in.Content,
		Timestamp:  in.Timestamp,
		IsFromMe:   in.IsFromMe,
	}
	if err := r.store.StoreMessage(ctx, msg); err != nil {
		r.logger.Printf("store message failed jid=%s id=%s err=%v", in.ChatJID, in.MessageID, err)
		return
	}

	if r.queue.ForwardIfLive(in.ChatJID, FormatMessages([]store.Message{msg})) {
		r.advance(ctx, in.ChatJID, store.Cursor{}.Advance(msg))
	}
}

// ProcessConversation runs one message pass for jid. It reports false when
// the agent invocation failed.
func (r *Router) ProcessConversation(ctx context.Context, jid string) bool {
	conv, err := r.store.GetConversation(ctx, jid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Printf("lookup conversation failed jid=%s err=%v", jid, err)
		}
		return true
	}

	since, err := r.store.Cursor(ctx, jid)
	if err != nil {
		r.logger.Printf("read cursor failed jid=%s err=%v", jid, err)
		return true
	}
	msgs, newest, err := r.store.NewMessages(ctx, jid, since, r.cfg.AssistantName)
	if err != nil {
		r.logger.Printf("read messages failed jid=%s err=%v", jid, err)
		return true
	}
	if len(msgs) == 0 {
		return true
	}

	if conv.RequiresTrigger && !anyTriggered(msgs, CompileTrigger(conv.TriggerPattern, r.cfg.Trigger)) {
		r.advance(ctx, jid, newest)
		r.logger.Printf("untriggered batch skipped jid=%s count=%d", jid, len(msgs))
		return true
	}

	ch := r.findChannel(jid)
	if ch == nil {
		r.logger.Printf("no channel found jid=%s", jid)
		return true
	}

	r.setTyping(ctx, ch, jid, true)
	relay := NewStreamRelay(ctx, ch, jid, r.cfg.StreamEditInterval, r.now, r.logger)
	out := r.invoke(ctx, conv, jid, FormatMessages(msgs), sandbox.Hooks{
		OnStreamText: relay.OnStreamText,
		OnResult: func(b sandbox.Block) {
			if text := relay.OnResult(b); text != "" {
				r.storeBotMessage(ctx, jid, text)
			}
		},
	})
	r.setTyping(ctx, ch, jid, false)
	r.advance(ctx, jid, newest)

	if out.Failed() {
		r.logger.Printf("agent run failed jid=%s folder=%s err=%s", jid, conv.Folder, out.Error)
		return false
	}
	return true
}

// invoke runs the agent for conv with the folder session, registering the
// sandbox with the queue and persisting new sessions.
func (r *Router) invoke(ctx context.Context, conv store.Conversation, jid, prompt string, hooks sandbox.Hooks) sandbox.Output {
	sessionID, err := r.store.GetSession(ctx, conv.Folder)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Printf("read session failed folder=%s err=%v", conv.Folder, err)
	}
	hooks.OnSpawn = func(h sandbox.Handle, _ string) {
		r.queue.RegisterProcess(jid, h, h.Name(), conv.Folder)
	}
	hooks.OnSession = func(id string) {
		if err := r.store.SetSession(ctx, conv.Folder, id); err != nil {
			r.logger.Printf("save session failed folder=%s err=%v", conv.Folder, err)
		}
	}
	return r.runner.Run(ctx, sandbox.Invocation{
		Conversation: conv,
		ChatJID:      jid,
		Prompt:       prompt,
		SessionID:    sessionID,
	}, hooks)
}

// Deliver sends text to jid on the owning channel. Replies to the web chat
// are stored for the HTTP surface instead.
func (r *Router) Deliver(ctx context.Context, jid, text string) error {
	if jid == r.cfg.WebChatJID && jid != "" {
		r.storeBotMessage(ctx, jid, text)
		return nil
	}
	ch := r.findChannel(jid)
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, jid)
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		return fmt.Errorf("send to %s: %w", jid, err)
	}
	return nil
}

func (r *Router) storeBotMessage(ctx context.Context, jid, text string) {
	at := r.now()
	msg := store.Message{
		ID:           fmt.Sprintf("bot-%d", at.UnixMilli()),
		ChatJID:      jid,
		Sender:       "bot",
		SenderName:   r.cfg.AssistantName,
		Content:      text,
		Timestamp:    at,
		IsFromMe:     true,
		IsBotMessage: true,
	}
	if err := r.store.StoreMessage(ctx, msg); err != nil {
		r.logger.Printf("store reply failed jid=%s err=%v", jid, err)
	}
}

func (r *Router) advance(ctx context.Context, jid string, next store.Cursor) {
	if _, err := r.store.AdvanceCursor(ctx, jid, next); err != nil {
		r.logger.Printf("advance cursor failed jid=%s err=%v", jid, err)
	}
}

func (r *Router) setTyping(ctx context.Context, ch channels.Channel, jid string, on bool) {
	typer, ok := ch.(channels.Typer)
	if !ok {
		return
	}
	if err := typer.SetTyping(ctx, jid, on); err != nil {
		r.logger.Printf("typing failed jid=%s on=%t err=%v", jid, on, err)
	}
}

func (r *Router) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRouterAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := r.tickerFactory(r.cfg.PollInterval)
	r.running = true
	r.stopCh = stopCh
	r.doneCh = doneCh
	r.mu.Unlock()

	r.logger.Printf("message loop started interval=%s", r.cfg.PollInterval)
	go r.run(ctx, ticker, stopCh, doneCh)
	return nil
}

func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.running = false
	r.stopCh = nil
	r.doneCh = nil
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (r *Router) run(ctx context.Context, ticker pollTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			r.Poll(ctx)
		}
	}
}

// Poll enqueues a message check for every registered conversation that is
// not the web chat and has no live sandbox.
func (r *Router) Poll(ctx context.Context) {
	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		r.logger.Printf("list conversations failed err=%v", err)
		return
	}
	for _, conv := range convs {
		if conv.JID == r.cfg.WebChatJID || strings.HasPrefix(conv.JID, "web:") {
			continue
		}
		if r.queue.IsActive(conv.JID) {
			continue
		}
		r.queue.EnqueueMessageCheck(conv.JID)
	}
}

type pollTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
