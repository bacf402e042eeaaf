package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	EnvConfigFile             = "CRABCLAW_CONFIG_FILE"
	EnvRoot                   = "CRABCLAW_ROOT"
	EnvAssistantName          = "CRABCLAW_ASSISTANT_NAME"
	EnvTriggerPattern         = "CRABCLAW_TRIGGER_PATTERN"
	EnvHTTPAddr               = "CRABCLAW_HTTP_ADDR"
	EnvAllowedOrigins         = "CRABCLAW_ALLOWED_ORIGINS"
	EnvDBDriver               = "CRABCLAW_DB_DRIVER"
	EnvDBDSN                  = "CRABCLAW_DB_DSN"
	EnvMainGroupFolder        = "CRABCLAW_MAIN_GROUP_FOLDER"
	EnvPollInterval           = "CRABCLAW_POLL_INTERVAL"
	EnvSchedulerPollInterval  = "CRABCLAW_SCHEDULER_POLL_INTERVAL"
	EnvIPCPollInterval        = "CRABCLAW_IPC_POLL_INTERVAL"
	EnvIPCRequestTimeout      = "CRABCLAW_IPC_REQUEST_TIMEOUT"
	EnvQueueIdleWindow        = "CRABCLAW_QUEUE_IDLE_WINDOW"
	EnvStreamEditInterval     = "CRABCLAW_STREAM_EDIT_INTERVAL"
	EnvMaxConcurrentSandboxes = "CRABCLAW_MAX_CONCURRENT_SANDBOXES"
	EnvShutdownTimeout        = "CRABCLAW_SHUTDOWN_TIMEOUT"
	EnvSandboxRuntime         = "CRABCLAW_SANDBOX_RUNTIME"
	EnvSandboxImage           = "CRABCLAW_SANDBOX_IMAGE"
	EnvSandboxCommand         = "CRABCLAW_SANDBOX_COMMAND"
	EnvSandboxTimeout         = "CRABCLAW_SANDBOX_TIMEOUT"
	EnvSandboxIdleTimeout     = "CRABCLAW_SANDBOX_IDLE_TIMEOUT"
	EnvSandboxPassEnv         = "CRABCLAW_SANDBOX_PASS_ENV"
	EnvTelegramBotToken       = "TELEGRAM_BOT_TOKEN"
	EnvTelegramClient         = "TELEGRAM_CLIENT"
	EnvTelegramAPIID          = "TELEGRAM_API_ID"
	EnvTelegramAPIHash        = "TELEGRAM_API_HASH"
	EnvDiscordBotToken        = "DISCORD_BOT_TOKEN"
)

const (
	DefaultAssistantName          = "Andy"
	DefaultHTTPAddr               = "127.0.0.1:3100"
	DefaultAllowedOrigin          = "http://localhost:3000"
	DefaultDBDriver               = "sqlite"
	DefaultDBFile                 = "store/messages.db"
	DefaultMainGroupFolder        = "main"
	DefaultWebChatJID             = "web:chat"
	DefaultWebChatFolder          = "web-chat"
	DefaultPollInterval           = 2 * time.Second
	DefaultSchedulerPollInterval  = 60 * time.Second
	DefaultIPCPollInterval        = time.Second
	DefaultIPCRequestTimeout      = 10 * time.Second
	DefaultQueueIdleWindow        = 2 * time.Second
	DefaultStreamEditInterval     = 2 * time.Second
	DefaultShutdownTimeout        = 10 * time.Second
	DefaultSandboxRuntime         = "docker"
	DefaultSandboxImage           = "crab-claw-agent:latest"
	DefaultSandboxTimeout         = 30 * time.Minute
	DefaultSandboxIdleTimeout     = 30 * time.Second
	DefaultSandboxNamePrefix      = "crabclaw-"
	DefaultTelegramClientSession  = "store/telegram-client.session"
	DefaultMaxConcurrentSandboxes = 0
)

var sandboxRuntimes = map[string]struct{}{
	"docker":    {},
	"podman":    {},
	"container": {},
	"local":     {},
}

type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

type SandboxConfig struct {
	Runtime     string
	Image       string
	Command     []string
	Timeout     time.Duration
	IdleTimeout time.Duration
	NamePrefix  string
	ExtraMounts []Mount
	PassEnv     []string
}

type TelegramConfig struct {
	BotToken      string
	ClientEnabled bool
	APIID         int
	APIHash       string
	SessionPath   string
}

type DiscordConfig struct {
	BotToken string
}

type Config struct {
	Root                   string
	AssistantName          string
	TriggerPattern         string
	HTTPAddr               string
	AllowedOrigins         []string
	DBDriver               string
	DBDSN                  string
	MainGroupFolder        string
	WebChatJID             string
	WebChatFolder          string
	PollInterval           time.Duration
	SchedulerPollInterval  time.Duration
	IPCPollInterval        time.Duration
	IPCRequestTimeout      time.Duration
	QueueIdleWindow        time.Duration
	StreamEditInterval     time.Duration
	MaxConcurrentSandboxes int
	ShutdownTimeout        time.Duration
	Sandbox                SandboxConfig
	Telegram               TelegramConfig
	Discord                DiscordConfig
}

func (c Config) DataDir() string   { return filepath.Join(c.Root, "data") }
func (c Config) GroupsDir() string { return filepath.Join(c.Root, "groups") }
func (c Config) StoreDir() string  { return filepath.Join(c.Root, "store") }
func (c Config) IPCDir() string    { return filepath.Join(c.DataDir(), "ipc") }

// Trigger compiles the configured trigger pattern, defaulting to a leading
// @AssistantName mention.
func (c Config) Trigger() (*regexp.Regexp, error) {
	pattern := strings.TrimSpace(c.TriggerPattern)
	if pattern == "" {
		pattern = DefaultTriggerPattern(c.AssistantName)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger pattern %q: %w", pattern, err)
	}
	return re, nil
}

func DefaultTriggerPattern(name string) string {
	return `(?i)^@` + regexp.QuoteMeta(strings.TrimSpace(name)) + `\b`
}

func FromEnv() Config {
	cfg := Defaults(EnvOrDefault(EnvRoot, DefaultRoot()))
	applyEnv(&cfg)
	return cfg
}

func Defaults(root string) Config {
	root = filepath.Clean(root)
	return Config{
		Root:                   root,
		AssistantName:          DefaultAssistantName,
		HTTPAddr:               DefaultHTTPAddr,
		AllowedOrigins:         []string{DefaultAllowedOrigin},
		DBDriver:               DefaultDBDriver,
		DBDSN:                  filepath.Join(root, DefaultDBFile),
		MainGroupFolder:        DefaultMainGroupFolder,
		WebChatJID:             DefaultWebChatJID,
		WebChatFolder:          DefaultWebChatFolder,
		PollInterval:           DefaultPollInterval,
		SchedulerPollInterval:  DefaultSchedulerPollInterval,
		IPCPollInterval:        DefaultIPCPollInterval,
		IPCRequestTimeout:      DefaultIPCRequestTimeout,
		QueueIdleWindow:        DefaultQueueIdleWindow,
		StreamEditInterval:     DefaultStreamEditInterval,
		MaxConcurrentSandboxes: DefaultMaxConcurrentSandboxes,
		ShutdownTimeout:        DefaultShutdownTimeout,
		Sandbox: SandboxConfig{
			Runtime:     DefaultSandboxRuntime,
			Image:       DefaultSandboxImage,
			Timeout:     DefaultSandboxTimeout,
			IdleTimeout: DefaultSandboxIdleTimeout,
			NamePrefix:  DefaultSandboxNamePrefix,
			PassEnv:     []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		},
		Telegram: TelegramConfig{
			SessionPath: filepath.Join(root, DefaultTelegramClientSession),
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.AssistantName = EnvOrDefault(EnvAssistantName, cfg.AssistantName)
	cfg.TriggerPattern = EnvOrDefault(EnvTriggerPattern, cfg.TriggerPattern)
	cfg.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	if raw := EnvString(EnvAllowedOrigins); raw != "" {
		cfg.AllowedOrigins = splitList(raw)
	}
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = EnvOrDefault(EnvDBDSN, cfg.DBDSN)
	cfg.MainGroupFolder = EnvOrDefault(EnvMainGroupFolder, cfg.MainGroupFolder)

	cfg.PollInterval = parseDurationEnv(EnvPollInterval, cfg.PollInterval, false)
	cfg.SchedulerPollInterval = parseDurationEnv(EnvSchedulerPollInterval, cfg.SchedulerPollInterval, false)
	cfg.IPCPollInterval = parseDurationEnv(EnvIPCPollInterval, cfg.IPCPollInterval, false)
	cfg.IPCRequestTimeout = parseDurationEnv(EnvIPCRequestTimeout, cfg.IPCRequestTimeout, false)
	cfg.QueueIdleWindow = parseDurationEnv(EnvQueueIdleWindow, cfg.QueueIdleWindow, true)
	cfg.StreamEditInterval = parseDurationEnv(EnvStreamEditInterval, cfg.StreamEditInterval, false)
	cfg.MaxConcurrentSandboxes = parseIntEnv(EnvMaxConcurrentSandboxes, cfg.MaxConcurrentSandboxes)
	cfg.ShutdownTimeout = parseDurationEnv(EnvShutdownTimeout, cfg.ShutdownTimeout, false)

	cfg.Sandbox.Runtime = strings.ToLower(EnvOrDefault(EnvSandboxRuntime, cfg.Sandbox.Runtime))
	cfg.Sandbox.Image = EnvOrDefault(EnvSandboxImage, cfg.Sandbox.Image)
	if raw := EnvString(EnvSandboxCommand); raw != "" {
		cfg.Sandbox.Command = strings.Fields(raw)
	}
	cfg.Sandbox.Timeout = parseDurationEnv(EnvSandboxTimeout, cfg.Sandbox.Timeout, false)
	cfg.Sandbox.IdleTimeout = parseDurationEnv(EnvSandboxIdleTimeout, cfg.Sandbox.IdleTimeout, false)
	if raw := EnvString(EnvSandboxPassEnv); raw != "" {
		cfg.Sandbox.PassEnv = splitList(raw)
	}

	cfg.Telegram.BotToken = EnvOrDefault(EnvTelegramBotToken, cfg.Telegram.BotToken)
	cfg.Telegram.ClientEnabled = parseBoolEnv(EnvTelegramClient, cfg.Telegram.ClientEnabled)
	cfg.Telegram.APIID = parseIntEnv(EnvTelegramAPIID, cfg.Telegram.APIID)
	cfg.Telegram.APIHash = EnvOrDefault(EnvTelegramAPIHash, cfg.Telegram.APIHash)
	cfg.Discord.BotToken = EnvOrDefault(EnvDiscordBotToken, cfg.Discord.BotToken)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("%s must not be empty", EnvRoot)
	}
	if strings.TrimSpace(c.AssistantName) == "" {
		return fmt.Errorf("%s must not be empty", EnvAssistantName)
	}
	if _, err := c.Trigger(); err != nil {
		return err
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	if strings.TrimSpace(c.MainGroupFolder) == "" {
		return fmt.Errorf("%s must not be empty", EnvMainGroupFolder)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvPollInterval)
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSchedulerPollInterval)
	}
	if c.IPCPollInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvIPCPollInterval)
	}
	if c.IPCRequestTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvIPCRequestTimeout)
	}
	if c.QueueIdleWindow < 0 {
		return fmt.Errorf("%s must be >= 0", EnvQueueIdleWindow)
	}
	if c.StreamEditInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvStreamEditInterval)
	}
	if c.MaxConcurrentSandboxes < 0 {
		return fmt.Errorf("%s must be >= 0", EnvMaxConcurrentSandboxes)
	}
	if _, ok := sandboxRuntimes[c.Sandbox.Runtime]; !ok {
		return fmt.Errorf("%s must be one of docker, podman, container, local", EnvSandboxRuntime)
	}
	if c.Sandbox.Runtime == "local" && len(c.Sandbox.Command) == 0 {
		return fmt.Errorf("%s is required for the local sandbox runtime", EnvSandboxCommand)
	}
	if c.Sandbox.Runtime != "local" && strings.TrimSpace(c.Sandbox.Image) == "" {
		return fmt.Errorf("%s must not be empty", EnvSandboxImage)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSandboxTimeout)
	}
	if c.Sandbox.IdleTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSandboxIdleTimeout)
	}
	for _, mount := range c.Sandbox.ExtraMounts {
		if strings.TrimSpace(mount.HostPath) == "" || strings.TrimSpace(mount.ContainerPath) == "" {
			return fmt.Errorf("sandbox.extra_mounts entries need host_path and container_path")
		}
	}
	if c.Telegram.ClientEnabled {
		if c.Telegram.APIID <= 0 {
			return fmt.Errorf("%s is required when %s is enabled", EnvTelegramAPIID, EnvTelegramClient)
		}
		if strings.TrimSpace(c.Telegram.APIHash) == "" {
			return fmt.Errorf("%s is required when %s is enabled", EnvTelegramAPIHash, EnvTelegramClient)
		}
	}
	return nil
}
