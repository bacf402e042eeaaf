package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-claw/internal/router"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/store"
)

const (
	defaultMessageLimit   = 200
	runLogLimit           = 100
	maxChatRequestBytes   = 1 << 20
	fallbackAllowedOrigin = "http://localhost:3000"
)

// Chatter runs one web chat turn.
type Chatter interface {
	Chat(ctx context.Context, text string, emit router.Emitter) error
}

type Store interface {
	RecentMessages(ctx context.Context, jid string, limit int) ([]store.Message, error)
	CountSessions(ctx context.Context) (int, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	ListTasks(ctx context.Context) ([]store.Task, error)
	RecentRunLogs(ctx context.Context, limit int) ([]store.TaskRunLog, error)
	TaskStats(ctx context.Context) (store.TaskStats, error)
}

// ActivityReporter reports how many sandboxes are running.
type ActivityReporter interface {
	ActiveCount() int
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	WebChatJID     string
	// DBPath is checked for existence by /api/state; empty means a remote
	// database that always exists.
	DBPath  string
	Orphans []sandbox.Orphan
}

type server struct {
	logger   *log.Logger
	opts     Options
	chat     Chatter
	store    Store
	activity ActivityReporter
}

func NewServer(logger *log.Logger, opts Options, chat Chatter, st Store, activity ActivityReporter) *http.Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if chat == nil {
		panic("httpapi: chatter is required")
	}
	if st == nil {
		panic("httpapi: store is required")
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{fallbackAllowedOrigin}
	}
	h := &server{
		logger:   logger,
		opts:     opts,
		chat:     chat,
		store:    st,
		activity: activity,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", h.handleHealth)
	mux.HandleFunc("/api/chat", h.handleChat)
	mux.HandleFunc("/api/chat/ws", h.handleChatWS)
	mux.HandleFunc("/api/messages", h.handleMessages)
	mux.HandleFunc("/api/state", h.handleState)
	mux.HandleFunc("/api/tasks", h.handleTasks)

	return &http.Server{
		Addr:              opts.Addr,
		Handler:           h.withCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin echoes origin when it is allowed, else the first allowed one.
func (s *server) allowedOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			if origin == "" {
				return allowed
			}
			return origin
		}
	}
	return s.opts.AllowedOrigins[0]
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type chatRequestBody struct {
	Message string `json:"message"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var req chatRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	emit := func(event string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		if err := writeSSE(w, event, payload); err != nil {
			s.logger.Printf("sse write failed event=%s err=%v", event, err)
			return
		}
		flusher.Flush()
	}

	s.runChat(r.Context(), req.Message, emit)
}

type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleChatWS runs one chat turn per {"message"} frame on a websocket.
func (s *server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("chat ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxChatRequestBytes)

	var mu sync.Mutex
	emit := func(event string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		if payload == nil {
			payload = struct{}{}
		}
		if err := conn.WriteJSON(wsFrame{Event: event, Data: payload}); err != nil {
			s.logger.Printf("chat ws write failed event=%s err=%v", event, err)
		}
	}

	for {
		var req chatRequestBody
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("chat ws read ended: %v", err)
			}
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			emit(router.EventError, router.TextEvent{Text: "message is required"})
			continue
		}
		s.runChat(r.Context(), req.Message, emit)
	}
}

func (s *server) runChat(ctx context.Context, text string, emit router.Emitter) {
	emit(router.EventTyping, nil)
	if err := s.chat.Chat(ctx, text, emit); err != nil && !errors.Is(err, router.ErrWebChatNotRegistered) {
		s.logger.Printf("chat handler error: %v", err)
		emit(router.EventError, router.TextEvent{Text: "Internal error processing message"})
	}
	emit(router.EventDone, nil)
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultMessageLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := s.store.RecentMessages(r.Context(), s.opts.WebChatJID, limit)
	if err != nil {
		s.logger.Printf("load web chat messages failed: %v", err)
		messages = nil
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type stateGroup struct {
	JID            string    `json:"jid"`
	Name           string    `json:"name"`
	Folder         string    `json:"folder"`
	TriggerPattern string    `json:"trigger_pattern"`
	AddedAt        time.Time `json:"added_at"`
}

type stateResponse struct {
	DBExists        bool             `json:"dbExists"`
	Sessions        int              `json:"sessions"`
	Groups          []stateGroup     `json:"groups"`
	TaskStats       store.TaskStats  `json:"taskStats"`
	ActiveSandboxes int              `json:"activeSandboxes"`
	Orphans         []sandbox.Orphan `json:"orphans"`
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := stateResponse{
		DBExists: s.dbExists(),
		Groups:   []stateGroup{},
		Orphans:  s.opts.Orphans,
	}
	if resp.Orphans == nil {
		resp.Orphans = []sandbox.Orphan{}
	}
	if s.activity != nil {
		resp.ActiveSandboxes = s.activity.ActiveCount()
	}
	if n, err := s.store.CountSessions(ctx); err == nil {
		resp.Sessions = n
	} else {
		s.logger.Printf("count sessions failed: %v", err)
	}
	if convs, err := s.store.ListConversations(ctx); err == nil {
		for _, c := range convs {
			resp.Groups = append(resp.Groups, stateGroup{
				JID:            c.JID,
				Name:           c.Name,
				Folder:         c.Folder,
				TriggerPattern: c.TriggerPattern,
				AddedAt:        c.AddedAt,
			})
		}
	} else {
		s.logger.Printf("list conversations failed: %v", err)
	}
	if stats, err := s.store.TaskStats(ctx); err == nil {
		resp.TaskStats = stats
	} else {
		s.logger.Printf("task stats failed: %v", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil || tasks == nil {
		if err != nil {
			s.logger.Printf("list tasks failed: %v", err)
		}
		tasks = []store.Task{}
	}
	logs, err := s.store.RecentRunLogs(r.Context(), runLogLimit)
	if err != nil || logs == nil {
		if err != nil {
			s.logger.Printf("list run logs failed: %v", err)
		}
		logs = []store.TaskRunLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "runLogs": logs})
}

func (s *server) dbExists() bool {
	if s.opts.DBPath == "" {
		return true
	}
	_, err := os.Stat(s.opts.DBPath)
	return err == nil
}

func (s *server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}

func writeSSE(w io.Writer, event string, payload any) error {
	data := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", event, err)
		}
		data = encoded
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
