// Package streamtap observes streamed model responses on their way to the
// agent and republishes text deltas as output blocks.
package streamtap

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/sandbox"
)

// Observer receives text deltas in arrival order.
type Observer interface {
	OnText(text string)
	// OnStreamEnd is called once the observed body is fully consumed or closed.
	OnStreamEnd()
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(text string)

func (f ObserverFunc) OnText(text string) { f(text) }
func (f ObserverFunc) OnStreamEnd()       {}

// Transport tees text/event-stream response bodies into an Observer. Other
// responses pass through untouched.
type Transport struct {
	Base     http.RoundTripper
	Observer Observer
	Logger   *log.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || resp == nil || resp.Body == nil || t.Observer == nil {
		return resp, err
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return resp, nil
	}
	if t.Logger != nil {
		t.Logger.Printf("stream intercepted url=%s", truncateURL(req.URL.String()))
	}
	chunks := make(chan []byte, teeBuffer)
	go parseEvents(&chunkReader{ch: chunks}, t.Observer)
	resp.Body = &teeBody{body: resp.Body, chunks: chunks, logger: t.Logger}
	return resp, nil
}

// teeBuffer is the number of body reads queued for the parser. When the
// parser falls this far behind, observation stops and the body keeps
// flowing to the agent.
const teeBuffer = 256

type teeBody struct {
	body   io.ReadCloser
	logger *log.Logger

	mu     sync.Mutex
	chunks chan []byte
	closed bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.offer(append([]byte(nil), p[:n]...))
	}
	if err != nil {
		b.finish()
	}
	return n, err
}

func (b *teeBody) Close() error {
	b.finish()
	return b.body.Close()
}

func (b *teeBody) offer(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.chunks <- chunk:
	default:
		if b.logger != nil {
			b.logger.Printf("stream observer behind, tap stopped")
		}
		b.closed = true
		close(b.chunks)
	}
}

func (b *teeBody) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.chunks)
	}
}

// chunkReader reads queued body chunks until the queue is closed.
type chunkReader struct {
	ch  <-chan []byte
	cur []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		chunk, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.cur = chunk
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// parseEvents extracts content_block_delta text deltas from an SSE stream.
func parseEvents(r io.Reader, obs Observer) {
	defer obs.OnStreamEnd()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		text, ok := DeltaText(scanner.Text())
		if ok {
			obs.OnText(text)
		}
	}
	// Drain the queue after a scanner error.
	_, _ = io.Copy(io.Discard, r)
}

// DeltaText returns the text of one SSE data line carrying a text delta.
func DeltaText(line string) (string, bool) {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return "", false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	var evt sseEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return "", false
	}
	if evt.Type != "content_block_delta" || evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
		return "", false
	}
	return evt.Delta.Text, true
}

// MarkerWriter buffers deltas and flushes them as stream text blocks at most
// once per interval.
type MarkerWriter struct {
	out      *sandbox.BlockWriter
	interval time.Duration

	mu      sync.Mutex
	buf     strings.Builder
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

func NewMarkerWriter(out *sandbox.BlockWriter, interval time.Duration) *MarkerWriter {
	if interval <= 0 {
		interval = time.Second
	}
	return &MarkerWriter{out: out, interval: interval}
}

func (m *MarkerWriter) OnText(text string) {
	m.mu.Lock()
	m.buf.WriteString(text)
	if !m.started {
		m.started = true
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.loop(m.stopCh, m.doneCh)
	}
	m.mu.Unlock()
}

// OnStreamEnd flushes what is buffered and stops the flush loop.
func (m *MarkerWriter) OnStreamEnd() {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	started := m.started
	m.started = false
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()

	if started {
		close(stopCh)
		<-doneCh
	}
	m.Flush()
}

func (m *MarkerWriter) Flush() {
	m.mu.Lock()
	text := m.buf.String()
	m.buf.Reset()
	m.mu.Unlock()
	if text == "" {
		return
	}
	_ = m.out.Write(sandbox.Block{Status: sandbox.StatusSuccess, StreamText: text})
}

func (m *MarkerWriter) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

func truncateURL(u string) string {
	if len(u) > 80 {
		return u[:80]
	}
	return u
}
