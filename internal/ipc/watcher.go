package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrWatcherAlreadyStarted = errors.New("ipc watcher already started")

// Source identifies the namespace a file was found in. The folder is the only
// identity a sandbox has; it cannot claim another one.
type Source struct {
	Folder string
	IsMain bool
}

// Handler applies commands read from the bus.
type Handler interface {
	HandleMessage(ctx context.Context, src Source, cmd MessageCommand) error
	HandleTask(ctx context.Context, src Source, cmd TaskCommand) (TaskAck, error)
	HandleRequest(ctx context.Context, src Source, req Request) (any, error)
}

type Watcher struct {
	root       string
	mainFolder string
	interval   time.Duration
	handler    Handler
	logger     *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	tickerFactory func(interval time.Duration) watcherTicker
}

func NewWatcher(root, mainFolder string, interval time.Duration, handler Handler, logger *log.Logger) *Watcher {
	if handler == nil {
		panic("ipc: handler is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		root:       root,
		mainFolder: mainFolder,
		interval:   interval,
		handler:    handler,
		logger:     logger,
		tickerFactory: func(interval time.Duration) watcherTicker {
			return realTicker{ticker: time.NewTicker(interval)}
		},
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := os.MkdirAll(filepath.Join(w.root, DirErrors), 0o755); err != nil {
		return fmt.Errorf("create ipc errors directory: %w", err)
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := w.tickerFactory(w.interval)
	w.running = true
	w.stopCh = stopCh
	w.doneCh = doneCh
	w.mu.Unlock()

	go w.run(ctx, ticker, stopCh, doneCh)
	w.logger.Printf("ipc watcher started root=%s interval=%s", w.root, w.interval)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.running = false
	w.stopCh = nil
	w.doneCh = nil
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (w *Watcher) run(ctx context.Context, ticker watcherTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	w.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			w.Scan(ctx)
		}
	}
}

// Scan processes every pending file once, namespace by namespace.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Printf("ipc scan failed root=%s err=%v", w.root, err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == DirErrors {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		src := Source{Folder: entry.Name(), IsMain: entry.Name() == w.mainFolder}
		w.scanMessages(ctx, src)
		w.scanTasks(ctx, src)
		w.scanRequests(ctx, src)
	}
}

func (w *Watcher) scanMessages(ctx context.Context, src Source) {
	w.each(src, DirMessages, func(raw []byte) error {
		var cmd MessageCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if cmd.Type != "" && cmd.Type != KindMessage {
			return fmt.Errorf("unexpected type %q in messages", cmd.Type)
		}
		return w.handler.HandleMessage(ctx, src, cmd)
	})
}

func (w *Watcher) scanTasks(ctx context.Context, src Source) {
	w.each(src, DirTasks, func(raw []byte) error {
		var cmd TaskCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return fmt.Errorf("decode task command: %w", err)
		}
		ack, err := w.handler.HandleTask(ctx, src, cmd)
		if cmd.RequestID != "" {
			resp := Response{OK: err == nil}
			if err != nil {
				resp.Error = err.Error()
			} else if data, marshalErr := json.Marshal(ack); marshalErr == nil {
				resp.Data = data
			}
			if writeErr := w.respond(src, cmd.RequestID, resp); writeErr != nil {
				w.logger.Printf("ipc ack failed folder=%s request=%s err=%v", src.Folder, cmd.RequestID, writeErr)
			}
		}
		return err
	})
}

func (w *Watcher) scanRequests(ctx context.Context, src Source) {
	w.each(src, DirRequests, func(raw []byte) error {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		if strings.TrimSpace(req.RequestID) == "" || strings.ContainsAny(req.RequestID, `/\`) {
			return fmt.Errorf("request id %q is invalid", req.RequestID)
		}
		resp := Response{OK: true}
		data, err := w.handler.HandleRequest(ctx, src, req)
		if err != nil {
			resp = Response{Error: err.Error()}
		} else {
			encoded, marshalErr := json.Marshal(data)
			if marshalErr != nil {
				resp = Response{Error: marshalErr.Error()}
			} else {
				resp.Data = encoded
			}
		}
		return w.respond(src, req.RequestID, resp)
	})
}

func (w *Watcher) respond(src Source, requestID string, resp Response) error {
	path := filepath.Join(w.root, src.Folder, DirResponses, requestID+".json")
	return WriteJSONAtomic(path, resp)
}

// each applies fn to every pending file of one subdirectory. Applied files
// are deleted; failed ones are moved to the errors directory.
func (w *Watcher) each(src Source, sub string, fn func(raw []byte) error) {
	dir := filepath.Join(w.root, src.Folder, sub)
	names, err := PendingFiles(dir)
	if err != nil {
		w.logger.Printf("ipc list failed dir=%s err=%v", dir, err)
		return
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			// Gone or unreadable this tick; try again on the next one.
			continue
		}
		if err := fn(raw); err != nil {
			w.logger.Printf("ipc file rejected folder=%s file=%s/%s err=%v", src.Folder, sub, name, err)
			w.quarantine(src, path, name)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Printf("ipc remove failed file=%s err=%v", path, err)
		}
	}
}

func (w *Watcher) quarantine(src Source, path, name string) {
	target := filepath.Join(w.root, DirErrors, src.Folder+"-"+name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err == nil {
		if err := os.Rename(path, target); err == nil {
			return
		}
	}
	_ = os.Remove(path)
}

type watcherTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func (t realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t realTicker) Stop() {
	t.ticker.Stop()
}
