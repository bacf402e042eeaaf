package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/sandbox"
	"crabstack.local/projects/crab-claw/internal/streamtap"
	"crabstack.local/projects/crab-claw/internal/tools"
)

const version = "0.1.0"

const usage = `usage: crab-claw-sandbox <command> [flags]

commands:
  mcp   serve the agent tools over stdio
  tap   proxy the model API and emit streamed text as output blocks`

func main() {
	// stdout carries MCP frames or output markers.
	logger := log.New(os.Stderr, "crab-claw-sandbox ", log.Ldate|log.Ltime|log.Lmicroseconds)
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "mcp":
		err = runMCP(os.Args[2:], logger)
	case "tap":
		err = runTap(os.Args[2:], logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runMCP(args []string, logger *log.Logger) error {
	fs := pflag.NewFlagSet("mcp", pflag.ExitOnError)
	pollInterval := fs.Duration("poll-interval", 0, "response poll interval (default 500ms)")
	_ = fs.Parse(args)

	env := config.SandboxEnvFromEnv()
	if err := env.Validate(); err != nil {
		return err
	}
	timeout := config.DefaultIPCRequestTimeout
	if raw := strings.TrimSpace(env.RequestTimeout); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("%s must be a positive duration", config.EnvSandboxRequestTimeout)
		}
		timeout = parsed
	}

	logger.Printf("mcp server starting folder=%s main=%t ipc=%s", env.GroupFolder, env.IsMain, env.IPCDir)
	s := tools.NewServer(env, tools.Options{RequestTimeout: timeout, PollInterval: *pollInterval}, version)
	return server.ServeStdio(s)
}

func runTap(args []string, logger *log.Logger) error {
	fs := pflag.NewFlagSet("tap", pflag.ExitOnError)
	listen := fs.String("listen", config.EnvOrDefault(config.EnvSandboxTapListen, config.DefaultTapListen), "local listen address")
	upstream := fs.String("upstream", config.EnvOrDefault(config.EnvSandboxTapUpstream, config.DefaultTapUpstream), "model API base URL")
	flushInterval := fs.Duration("flush-interval", time.Second, "minimum interval between streamed text blocks")
	_ = fs.Parse(args)

	markers := streamtap.NewMarkerWriter(sandbox.NewBlockWriter(os.Stdout), *flushInterval)
	proxy, err := streamtap.NewProxy(*upstream, markers, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              *listen,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("tap listening on %s upstream=%s", *listen, *upstream)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-sigCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(ctx)
	markers.Flush()
	return err
}
