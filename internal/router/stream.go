package router

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/sandbox"
)

// StreamRelay turns sandbox output into channel messages for one run. Text
// deltas grow a single message that is edited at most once per interval; the
// final result replaces it. If the first send fails, streaming stops and the
// final result is sent as one message.
type StreamRelay struct {
	ctx      context.Context
	channel  channels.Channel
	streamer channels.Streamer
	jid      string
	interval time.Duration
	now      func() time.Time
	logger   *log.Logger

	mu            sync.Mutex
	messageID     string
	accum         string
	shown         string
	lastEdit      time.Time
	hadStreamText bool
	startFailed   bool
}

func NewStreamRelay(ctx context.Context, ch channels.Channel, jid string, interval time.Duration, now func() time.Time, logger *log.Logger) *StreamRelay {
	if ctx == nil {
		ctx = context.Background()
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	streamer, _ := ch.(channels.Streamer)
	return &StreamRelay{
		ctx:      ctx,
		channel:  ch,
		streamer: streamer,
		jid:      jid,
		interval: interval,
		now:      now,
		logger:   logger,
	}
}

// CanStream reports whether the channel supports progressive edits.
func (s *StreamRelay) CanStream() bool {
	return s.streamer != nil
}

// OnStreamText accumulates a text delta and shows the cleaned total.
func (s *StreamRelay) OnStreamText(delta string) {
	if s.streamer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hadStreamText = true
	if s.startFailed {
		return
	}
	s.accum += delta
	cleaned := StripStreaming(s.accum)
	if cleaned == "" {
		return
	}
	now := s.now()
	if s.messageID == "" {
		s.start(cleaned, now)
		return
	}
	if cleaned != s.shown && now.Sub(s.lastEdit) >= s.interval {
		s.edit(cleaned, now)
	}
}

// OnResult handles one result block and returns the text delivered as a
// final reply, empty for intermediate or empty results.
func (s *StreamRelay) OnResult(b sandbox.Block) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.IsStreamChunk {
		if s.hadStreamText || s.streamer == nil || s.startFailed {
			return ""
		}
		text := StripInternal(b.ResultText())
		if text == "" {
			return ""
		}
		if s.messageID == "" {
			s.start(text, s.now())
		} else {
			s.edit(text, s.now())
		}
		return ""
	}

	text := StripInternal(b.ResultText())
	if text != "" {
		if s.messageID != "" {
			chunks := channels.SplitText(text, channelLimit(s.channel))
			s.edit(chunks[0], s.now())
			for _, rest := range chunks[1:] {
				s.send(rest)
			}
		} else {
			s.send(text)
		}
	}
	s.messageID = ""
	s.accum = ""
	s.shown = ""
	s.hadStreamText = false
	s.startFailed = false
	s.lastEdit = time.Time{}
	return text
}

func (s *StreamRelay) send(text string) {
	if err := s.channel.SendMessage(s.ctx, s.jid, text); err != nil {
		s.logger.Printf("send reply failed jid=%s err=%v", s.jid, err)
	}
}

func (s *StreamRelay) start(text string, now time.Time) {
	id, err := s.streamer.SendAndGetID(s.ctx, s.jid, text)
	if err != nil {
		s.logger.Printf("stream start failed jid=%s err=%v", s.jid, err)
		s.startFailed = true
		return
	}
	s.messageID = id
	s.shown = text
	s.lastEdit = now
}

func (s *StreamRelay) edit(text string, now time.Time) {
	if err := s.streamer.EditMessage(s.ctx, s.jid, s.messageID, text); err != nil {
		s.logger.Printf("stream edit failed jid=%s message=%s err=%v", s.jid, s.messageID, err)
	}
	s.shown = text
	s.lastEdit = now
}

func channelLimit(ch channels.Channel) int {
	if l, ok := ch.(channels.Limiter); ok {
		return l.MessageLimit()
	}
	return 0
}
