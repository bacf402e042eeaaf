package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"crabstack.local/projects/crab-claw/internal/chatclient"
	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/gateway"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/store"
	"crabstack.local/projects/crab-claw/internal/tui"
)

func main() {
	logger := log.New(os.Stdout, "crab-claw ", log.Ldate|log.Ltime|log.Lmicroseconds)

	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "register":
			if err := runRegister(args[1:], logger); err != nil {
				logger.Fatalf("register: %v", err)
			}
			return
		case "chat":
			if err := runChat(args[1:]); err != nil && !errors.Is(err, context.Canceled) {
				log.Fatalf("chat: %v", err)
			}
			return
		}
	}

	fs := pflag.NewFlagSet("crab-claw", pflag.ExitOnError)
	overrides := config.RegisterFlags(fs)
	_ = fs.Parse(args)

	cfg, err := config.Load(overrides)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	supervisor := sandbox.NewExecSupervisor(sandbox.ExecConfig{
		Runtime:    cfg.Sandbox.Runtime,
		Image:      cfg.Sandbox.Image,
		Command:    cfg.Sandbox.Command,
		NamePrefix: cfg.Sandbox.NamePrefix,
		PIDDir:     filepath.Join(cfg.DataDir(), "pids"),
	}, logger)

	service := gateway.NewService(cfg, supervisor, logger)
	if err := service.Start(context.Background()); err != nil {
		logger.Fatalf("startup failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("shutdown requested signal=%s", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownTimeout)
	defer cancel()
	if err := service.Shutdown(ctx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}

func runRegister(args []string, logger *log.Logger) error {
	fs := pflag.NewFlagSet("crab-claw register", pflag.ExitOnError)
	overrides := config.RegisterFlags(fs)
	jid := fs.String("jid", "", "channel-qualified chat id, e.g. tg:-1001234567890")
	name := fs.String("name", "", "display name")
	folder := fs.String("folder", "", "group folder; use the main folder name for the admin conversation")
	trigger := fs.String("trigger", "", "trigger word, e.g. @Andy")
	requiresTrigger := fs.Bool("requires-trigger", true, "only respond to messages that start with the trigger")
	_ = fs.Parse(args)

	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	conv, err := gateway.Register(context.Background(), cfg, store.Conversation{
		JID:             *jid,
		Name:            *name,
		Folder:          *folder,
		TriggerPattern:  *trigger,
		RequiresTrigger: *requiresTrigger,
	})
	if err != nil {
		return err
	}
	logger.Printf("conversation registered jid=%s folder=%s main=%t", conv.JID, conv.Folder, conv.Folder == cfg.MainGroupFolder)
	return nil
}

func runChat(args []string) error {
	fs := pflag.NewFlagSet("crab-claw chat", pflag.ExitOnError)
	overrides := config.RegisterFlags(fs)
	wsURL := fs.String("url", "", "chat websocket url (default derived from the http address)")
	_ = fs.Parse(args)

	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target := *wsURL
	if target == "" {
		target = chatclient.URLFromHTTPAddr(cfg.HTTPAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return tui.Run(ctx, chatclient.Config{URL: target}, tui.Options{AssistantName: cfg.AssistantName})
}
