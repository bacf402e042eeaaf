package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_LoadsYAMLAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.yaml"), `
version: 1
host:
  assistant_name: "Bot"
  http_addr: "127.0.0.1:4000"
  db_dsn: "store/claw.db"
  poll_interval: "5s"
  queue_idle_window: "0s"
  max_concurrent_sandboxes: 3
sandbox:
  runtime: "podman"
  image: "agent:test"
  timeout: "10m"
  extra_mounts:
    - host_path: "/srv/vault"
      container_path: "vault"
      readonly: true
telegram:
  bot_token: "yaml-token"
`)
	t.Setenv(EnvRoot, root)
	t.Setenv(EnvTelegramBotToken, "env-token")
	t.Setenv(EnvStreamEditInterval, "750ms")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AssistantName != "Bot" {
		t.Fatalf("unexpected assistant name %q", cfg.AssistantName)
	}
	if cfg.HTTPAddr != "127.0.0.1:4000" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if cfg.DBDSN != filepath.Join(root, "store", "claw.db") {
		t.Fatalf("unexpected db dsn %q", cfg.DBDSN)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.QueueIdleWindow != 0 {
		t.Fatalf("expected zero idle window, got %s", cfg.QueueIdleWindow)
	}
	if cfg.MaxConcurrentSandboxes != 3 {
		t.Fatalf("unexpected max concurrent %d", cfg.MaxConcurrentSandboxes)
	}
	if cfg.Sandbox.Runtime != "podman" || cfg.Sandbox.Image != "agent:test" {
		t.Fatalf("unexpected sandbox %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.Timeout != 10*time.Minute {
		t.Fatalf("unexpected sandbox timeout %s", cfg.Sandbox.Timeout)
	}
	if len(cfg.Sandbox.ExtraMounts) != 1 || !cfg.Sandbox.ExtraMounts[0].ReadOnly {
		t.Fatalf("unexpected extra mounts %+v", cfg.Sandbox.ExtraMounts)
	}
	if cfg.Telegram.BotToken != "env-token" {
		t.Fatalf("expected env token override, got %q", cfg.Telegram.BotToken)
	}
	if cfg.StreamEditInterval != 750*time.Millisecond {
		t.Fatalf("unexpected stream edit interval %s", cfg.StreamEditInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.yml"), `
host:
  poll_interval: "soon"
`)
	t.Setenv(EnvRoot, root)

	_, err := Load(nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "host.poll_interval") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_FlagsWin(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv(EnvHTTPAddr, "127.0.0.1:5000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	overrides := RegisterFlags(fs)
	if err := fs.Parse([]string{"--root", root, "--http-addr", "127.0.0.1:6000", "--sandbox-runtime", "LOCAL"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(overrides)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != root {
		t.Fatalf("got=%s want=%s", cfg.Root, root)
	}
	if cfg.HTTPAddr != "127.0.0.1:6000" {
		t.Fatalf("got=%s want=127.0.0.1:6000", cfg.HTTPAddr)
	}
	if cfg.Sandbox.Runtime != "local" {
		t.Fatalf("got=%s want=local", cfg.Sandbox.Runtime)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected local runtime without command to fail validation")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.DBDriver = "mysql" }, wantErr: EnvDBDriver},
		{name: "bad runtime", mutate: func(c *Config) { c.Sandbox.Runtime = "vm" }, wantErr: EnvSandboxRuntime},
		{name: "bad trigger", mutate: func(c *Config) { c.TriggerPattern = "([" }, wantErr: "trigger pattern"},
		{name: "client without api id", mutate: func(c *Config) { c.Telegram.ClientEnabled = true }, wantErr: EnvTelegramAPIID},
		{name: "negative idle window", mutate: func(c *Config) { c.QueueIdleWindow = -time.Second }, wantErr: EnvQueueIdleWindow},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults("/tmp/claw")
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got=%v want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestTrigger_DefaultMatchesLeadingMention(t *testing.T) {
	t.Parallel()

	cfg := Defaults("/tmp/claw")
	cfg.AssistantName = "Bot"
	re, err := cfg.Trigger()
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	cases := map[string]bool{
		"@Bot hello":    true,
		"@bot hello":    true,
		"hello @Bot":    false,
		"@Botany facts": false,
	}
	for text, want := range cases {
		if got := re.MatchString(text); got != want {
			t.Fatalf("text=%q got=%v want=%v", text, got, want)
		}
	}
}

func TestSandboxEnvRoundTrip(t *testing.T) {
	env := SandboxEnv{
		ChatJID:       "tg:1",
		GroupFolder:   "main",
		IsMain:        true,
		AssistantName: "Andy",
		IPCDir:        "/workspace/ipc",
	}
	for _, kv := range env.Vars() {
		key, value, _ := strings.Cut(kv, "=")
		t.Setenv(key, value)
	}
	got := SandboxEnvFromEnv()
	if got.ChatJID != env.ChatJID || got.GroupFolder != env.GroupFolder || !got.IsMain || got.IsScheduledTask {
		t.Fatalf("got=%+v want=%+v", got, env)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		EnvConfigFile, EnvRoot, EnvAssistantName, EnvTriggerPattern, EnvHTTPAddr, EnvAllowedOrigins,
		EnvDBDriver, EnvDBDSN, EnvMainGroupFolder, EnvPollInterval, EnvSchedulerPollInterval,
		EnvIPCPollInterval, EnvIPCRequestTimeout, EnvQueueIdleWindow, EnvStreamEditInterval,
		EnvMaxConcurrentSandboxes, EnvShutdownTimeout, EnvSandboxRuntime, EnvSandboxImage,
		EnvSandboxCommand, EnvSandboxTimeout, EnvSandboxIdleTimeout, EnvSandboxPassEnv,
		EnvTelegramBotToken, EnvTelegramClient, EnvTelegramAPIID, EnvTelegramAPIHash, EnvDiscordBotToken,
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
