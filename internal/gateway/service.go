// Package gateway builds, starts and stops the host process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-claw/internal/channels"
	"crabstack.local/projects/crab-claw/internal/channels/discord"
	"crabstack.local/projects/crab-claw/internal/channels/telegram"
	"crabstack.local/projects/crab-claw/internal/channels/tgclient"
	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/httpapi"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/queue"
	"crabstack.local/projects/crab-claw/internal/router"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/scheduler"
	"crabstack.local/projects/crab-claw/internal/store"
)

const webChatName = "Web Chat"

var ErrServiceAlreadyStarted = errors.New("gateway already started")

// ChannelFactory builds the chat channels for a configuration. Every
// channel reports inbound messages through onMessage.
type ChannelFactory func(cfg config.Config, trigger *regexp.Regexp, onMessage channels.InboundHandler, logger *log.Logger) ([]channels.Channel, error)

type Service struct {
	cfg        config.Config
	supervisor sandbox.Supervisor
	logger     *log.Logger
	factory    ChannelFactory

	mu        sync.Mutex
	running   bool
	store     *store.GormStore
	queue     *queue.GroupQueue
	router    *router.Router
	scheduler *scheduler.Scheduler
	watcher   *ipc.Watcher
	channels  []channels.Channel
	http      *http.Server
	listener  net.Listener
	serveDone chan struct{}
}

func NewService(cfg config.Config, supervisor sandbox.Supervisor, logger *log.Logger) *Service {
	if supervisor == nil {
		panic("gateway: supervisor is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{cfg: cfg, supervisor: supervisor, logger: logger, factory: DefaultChannels}
}

// SetChannelFactory replaces the channels built at Start.
func (s *Service) SetChannelFactory(factory ChannelFactory) {
	if factory == nil {
		factory = DefaultChannels
	}
	s.mu.Lock()
	s.factory = factory
	s.mu.Unlock()
}

// Start performs bootstrap. Any error is a configuration failure and leaves
// nothing running.
func (s *Service) Start(ctx context.Context) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServiceAlreadyStarted
	}

	cfg := s.cfg
	trigger, err := cfg.Trigger()
	if err != nil {
		return err
	}
	if err := s.supervisor.Ensure(ctx); err != nil {
		return fmt.Errorf("sandbox runtime: %w", err)
	}
	s.logOrphans(ctx)

	for _, dir := range []string{cfg.GroupsDir(), cfg.IPCDir(), cfg.StoreDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.teardown(context.Background())
		}
	}()
	s.store = st

	if err := s.ensureWebChat(ctx); err != nil {
		return err
	}
	if err := ipc.EnsureGroupDir(cfg.GroupsDir(), cfg.MainGroupFolder); err != nil {
		return err
	}

	s.queue = queue.NewGroupQueue(queue.Config{
		IdleWindow:    cfg.QueueIdleWindow,
		MaxConcurrent: cfg.MaxConcurrentSandboxes,
		IPCDir:        cfg.IPCDir(),
	}, s.logger)

	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		GroupsDir:     cfg.GroupsDir(),
		IPCDir:        cfg.IPCDir(),
		SessionsDir:   filepath.Join(cfg.DataDir(), "sessions"),
		ProjectRoot:   cfg.Root,
		MainFolder:    cfg.MainGroupFolder,
		AssistantName: cfg.AssistantName,
		NamePrefix:    cfg.Sandbox.NamePrefix,
		Timeout:       cfg.Sandbox.Timeout,
		IdleTimeout:   cfg.Sandbox.IdleTimeout,
		ExtraMounts:   sandboxMounts(cfg.Sandbox.ExtraMounts),
		PassEnv:       cfg.Sandbox.PassEnv,
	}, s.supervisor, st, s.logger)

	s.router = router.New(router.Config{
		AssistantName:      cfg.AssistantName,
		Trigger:            trigger,
		WebChatJID:         cfg.WebChatJID,
		PollInterval:       cfg.PollInterval,
		StreamEditInterval: cfg.StreamEditInterval,
	}, st, s.queue, runner, s.logger)
	s.queue.SetMessageProcessor(s.router.ProcessConversation)

	s.scheduler = scheduler.NewScheduler(scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		Location:     time.Local,
	}, st, s.queue, runner, s.router, s.logger)

	dispatcher := ipc.NewDispatcher(ipc.DispatcherConfig{
		Store:     st,
		Sender:    s.router,
		GroupsDir: cfg.GroupsDir(),
		Location:  time.Local,
		Logger:    s.logger,
	})
	s.watcher = ipc.NewWatcher(cfg.IPCDir(), cfg.MainGroupFolder, cfg.IPCPollInterval, dispatcher, s.logger)

	chans, err := s.factory(cfg, trigger, s.router.HandleInbound, s.logger)
	if err != nil {
		return err
	}
	for _, ch := range chans {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", ch.Name(), err)
		}
		s.channels = append(s.channels, ch)
		s.router.AddChannel(ch)
		if dir, ok := ch.(channels.Directory); ok {
			dispatcher.SetDirectory(dir)
		}
		s.logger.Printf("channel connected name=%s", ch.Name())
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	s.listener = listener

	if err := s.watcher.Start(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := s.router.Start(ctx); err != nil {
		return err
	}
	// Messages that arrived while the host was down.
	s.router.Poll(ctx)

	orphans, _ := s.supervisor.Orphans(ctx)
	s.http = httpapi.NewServer(s.logger, httpapi.Options{
		Addr:           listener.Addr().String(),
		AllowedOrigins: cfg.AllowedOrigins,
		WebChatJID:     cfg.WebChatJID,
		DBPath:         sqlitePath(cfg),
		Orphans:        orphans,
	}, s.router, st, s.queue)
	s.serveDone = make(chan struct{})
	go s.serve(s.http, listener, s.serveDone)

	s.running = true
	s.logger.Printf("gateway started http=%s channels=%d main=%s", listener.Addr(), len(s.channels), cfg.MainGroupFolder)
	return nil
}

func (s *Service) serve(srv *http.Server, listener net.Listener, done chan<- struct{}) {
	defer close(done)
	s.logger.Printf("listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Printf("http server stopped err=%v", err)
	}
}

// Addr is the bound HTTP address once started.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Store is the open store once started.
func (s *Service) Store() *store.GormStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Shutdown stops intake first, then waits for running sandboxes up to the
// configured timeout.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.teardown(ctx)
}

func (s *Service) teardown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		<-s.serveDone
		s.http = nil
	} else if s.listener != nil {
		_ = s.listener.Close()
	}
	s.listener = nil

	if s.router != nil {
		s.router.Stop()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.queue != nil {
		if err := s.queue.Shutdown(s.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range s.channels {
		if err := ch.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", ch.Name(), err))
		}
	}
	s.channels = nil
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		s.store = nil
	}
	s.logger.Printf("gateway stopped")
	return errors.Join(errs...)
}

func (s *Service) logOrphans(ctx context.Context) {
	orphans, err := s.supervisor.Orphans(ctx)
	if err != nil {
		s.logger.Printf("list orphaned sandboxes failed err=%v", err)
		return
	}
	for _, o := range orphans {
		s.logger.Printf("orphaned sandbox still running name=%s runtime=%s pid=%d", o.Name, o.Runtime, o.PID)
	}
}

// ensureWebChat registers the local web chat on first boot.
func (s *Service) ensureWebChat(ctx context.Context) error {
	_, err := s.store.GetConversation(ctx, s.cfg.WebChatJID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup web chat: %w", err)
	}
	conv, err := s.store.PutConversation(ctx, store.Conversation{
		JID:     s.cfg.WebChatJID,
		Name:    webChatName,
		Folder:  s.cfg.WebChatFolder,
		AddedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("register web chat: %w", err)
	}
	s.logger.Printf("web chat registered jid=%s folder=%s", conv.JID, conv.Folder)
	return ipc.EnsureGroupDir(s.cfg.GroupsDir(), conv.Folder)
}

// DefaultChannels builds every channel the configuration has credentials
// for.
func DefaultChannels(cfg config.Config, trigger *regexp.Regexp, onMessage channels.InboundHandler, logger *log.Logger) ([]channels.Channel, error) {
	var out []channels.Channel
	if token := strings.TrimSpace(cfg.Telegram.BotToken); token != "" {
		out = append(out, telegram.New(telegram.Config{
			Token:         token,
			AssistantName: cfg.AssistantName,
			Trigger:       trigger,
		}, onMessage, logger))
	}
	if cfg.Telegram.ClientEnabled {
		if cfg.Telegram.APIID == 0 || strings.TrimSpace(cfg.Telegram.APIHash) == "" {
			return nil, fmt.Errorf("%s and %s are required when %s is set", config.EnvTelegramAPIID, config.EnvTelegramAPIHash, config.EnvTelegramClient)
		}
		out = append(out, tgclient.New(tgclient.Config{
			APIID:         cfg.Telegram.APIID,
			APIHash:       cfg.Telegram.APIHash,
			SessionPath:   cfg.Telegram.SessionPath,
			AssistantName: cfg.AssistantName,
			Trigger:       trigger,
		}, onMessage, logger))
	}
	if token := strings.TrimSpace(cfg.Discord.BotToken); token != "" {
		out = append(out, discord.New(discord.Config{
			BotToken:      token,
			AssistantName: cfg.AssistantName,
			Trigger:       trigger,
		}, onMessage, logger))
	}
	return out, nil
}

func sandboxMounts(in []config.Mount) []sandbox.Mount {
	if len(in) == 0 {
		return nil
	}
	out := make([]sandbox.Mount, 0, len(in))
	for _, m := range in {
		out = append(out, sandbox.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
	}
	return out
}

// sqlitePath is the database file reported by /api/state, empty for
// server databases.
func sqlitePath(cfg config.Config) string {
	if cfg.DBDriver != "sqlite" {
		return ""
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(cfg.DBDSN, "file:"), "?")
	return path
}
