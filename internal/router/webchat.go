package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/store"
)

const (
	EventTyping  = "typing"
	EventMessage = "message"
	EventError   = "error"
	EventDone    = "done"
)

var ErrWebChatNotRegistered = errors.New("web chat group not registered")

// TextEvent is the payload of message and error events.
type TextEvent struct {
	Text string `json:"text"`
}

// Emitter receives web chat events as they happen.
type Emitter func(event string, payload any)

// Chat runs one web chat turn synchronously. Replies and failures are emitted
// as events; the returned error is only set when the turn never ran.
func (r *Router) Chat(ctx context.Context, text string, emit Emitter) error {
	jid := r.cfg.WebChatJID
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message is required")
	}
	conv, err := r.store.GetConversation(ctx, jid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			emit(EventError, TextEvent{Text: "Web chat group not registered"})
			return ErrWebChatNotRegistered
		}
		return fmt.Errorf("lookup web chat: %w", err)
	}

	at := r.now()
	msg := store.Message{
		ID:         fmt.Sprintf("web-%d", at.UnixMilli()),
		ChatJID:    jid,
		Sender:     "User",
		SenderName: "User",
		Content:    text,
		Timestamp:  at,
	}
	if err := r.store.StoreMessage(ctx, msg); err != nil {
		r.logger.Printf("store web message failed err=%v", err)
	}
	if err := r.store.RecordChat(ctx, jid, conv.Name, at); err != nil {
		r.logger.Printf("record chat failed jid=%s err=%v", jid, err)
	}
	prompt := FormatMessages([]store.Message{msg})

	return r.queue.Run(ctx, jid, func(ctx context.Context) error {
		out := r.invoke(ctx, conv, jid, prompt, sandbox.Hooks{
			OnResult: func(b sandbox.Block) {
				if b.IsStreamChunk {
					return
				}
				if reply := StripInternal(b.ResultText()); reply != "" {
					emit(EventMessage, TextEvent{Text: reply})
					r.storeBotMessage(ctx, jid, reply)
				}
				if b.Status == sandbox.StatusError {
					errText := b.Error
					if errText == "" {
						errText = "Agent error"
					}
					emit(EventError, TextEvent{Text: errText})
				}
			},
		})
		r.advance(ctx, jid, at)
		if out.Failed() {
			r.logger.Printf("web chat run failed err=%s", out.Error)
			emit(EventError, TextEvent{Text: "Agent failed to process message"})
		}
		return nil
	})
}
