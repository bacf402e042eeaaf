package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version  int                `yaml:"version"`
	Host     fileHostConfig     `yaml:"host"`
	Sandbox  fileSandboxConfig  `yaml:"sandbox"`
	Telegram fileTelegramConfig `yaml:"telegram"`
	Discord  fileDiscordConfig  `yaml:"discord"`
}

type fileHostConfig struct {
	AssistantName          string   `yaml:"assistant_name"`
	TriggerPattern         string   `yaml:"trigger_pattern"`
	HTTPAddr               string   `yaml:"http_addr"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	DBDriver               string   `yaml:"db_driver"`
	DBDSN                  string   `yaml:"db_dsn"`
	MainGroupFolder        string   `yaml:"main_group_folder"`
	PollInterval           string   `yaml:"poll_interval"`
	SchedulerPollInterval  string   `yaml:"scheduler_poll_interval"`
	IPCPollInterval        string   `yaml:"ipc_poll_interval"`
	IPCRequestTimeout      string   `yaml:"ipc_request_timeout"`
	QueueIdleWindow        string   `yaml:"queue_idle_window"`
	StreamEditInterval     string   `yaml:"stream_edit_interval"`
	MaxConcurrentSandboxes *int     `yaml:"max_concurrent_sandboxes"`
	ShutdownTimeout        string   `yaml:"shutdown_timeout"`
}

type fileSandboxConfig struct {
	Runtime     string      `yaml:"runtime"`
	Image       string      `yaml:"image"`
	Command     []string    `yaml:"command"`
	Timeout     string      `yaml:"timeout"`
	IdleTimeout string      `yaml:"idle_timeout"`
	NamePrefix  string      `yaml:"name_prefix"`
	ExtraMounts []fileMount `yaml:"extra_mounts"`
	PassEnv     []string    `yaml:"pass_env"`
}

type fileMount struct {
	HostPath      string `yaml:"host_path"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"readonly"`
}

type fileTelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	Client      *bool  `yaml:"client"`
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	SessionPath string `yaml:"session_path"`
}

type fileDiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

func loadFileConfig(root, explicit string) (fileConfig, error) {
	path, ok, err := resolveConfigFilePath(root, explicit)
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath(root, explicit string) (string, bool, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve config file: %w", err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(root, defaultConfigFileName),
		filepath.Join(root, alternateConfigFileName),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func applyYAML(cfg *Config, source fileConfig) error {
	host := source.Host
	if value := strings.TrimSpace(host.AssistantName); value != "" {
		cfg.AssistantName = value
	}
	if value := strings.TrimSpace(host.TriggerPattern); value != "" {
		cfg.TriggerPattern = value
	}
	if value := strings.TrimSpace(host.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if len(host.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = append([]string(nil), host.AllowedOrigins...)
	}
	if value := strings.TrimSpace(host.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(host.DBDSN); value != "" {
		cfg.DBDSN = value
		if cfg.DBDriver == "sqlite" {
			cfg.DBDSN = ResolvePath(cfg.Root, value)
		}
	}
	if value := strings.TrimSpace(host.MainGroupFolder); value != "" {
		cfg.MainGroupFolder = value
	}
	if host.MaxConcurrentSandboxes != nil {
		cfg.MaxConcurrentSandboxes = *host.MaxConcurrentSandboxes
	}

	durations := []struct {
		raw    string
		target *time.Duration
		field  string
	}{
		{host.PollInterval, &cfg.PollInterval, "host.poll_interval"},
		{host.SchedulerPollInterval, &cfg.SchedulerPollInterval, "host.scheduler_poll_interval"},
		{host.IPCPollInterval, &cfg.IPCPollInterval, "host.ipc_poll_interval"},
		{host.IPCRequestTimeout, &cfg.IPCRequestTimeout, "host.ipc_request_timeout"},
		{host.StreamEditInterval, &cfg.StreamEditInterval, "host.stream_edit_interval"},
		{host.ShutdownTimeout, &cfg.ShutdownTimeout, "host.shutdown_timeout"},
		{source.Sandbox.Timeout, &cfg.Sandbox.Timeout, "sandbox.timeout"},
		{source.Sandbox.IdleTimeout, &cfg.Sandbox.IdleTimeout, "sandbox.idle_timeout"},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(d.raw, *d.target, d.field)
		if err != nil {
			return err
		}
		*d.target = parsed
	}
	window, err := parseOptionalWindow(host.QueueIdleWindow, cfg.QueueIdleWindow, "host.queue_idle_window")
	if err != nil {
		return err
	}
	cfg.QueueIdleWindow = window

	sandbox := source.Sandbox
	if value := strings.TrimSpace(sandbox.Runtime); value != "" {
		cfg.Sandbox.Runtime = strings.ToLower(value)
	}
	if value := strings.TrimSpace(sandbox.Image); value != "" {
		cfg.Sandbox.Image = value
	}
	if len(sandbox.Command) > 0 {
		cfg.Sandbox.Command = append([]string(nil), sandbox.Command...)
	}
	if value := strings.TrimSpace(sandbox.NamePrefix); value != "" {
		cfg.Sandbox.NamePrefix = value
	}
	for _, mount := range sandbox.ExtraMounts {
		cfg.Sandbox.ExtraMounts = append(cfg.Sandbox.ExtraMounts, Mount{
			HostPath:      ResolvePath("", mount.HostPath),
			ContainerPath: strings.TrimSpace(mount.ContainerPath),
			ReadOnly:      mount.ReadOnly,
		})
	}
	if len(sandbox.PassEnv) > 0 {
		cfg.Sandbox.PassEnv = append([]string(nil), sandbox.PassEnv...)
	}

	telegram := source.Telegram
	if value := strings.TrimSpace(telegram.BotToken); value != "" {
		cfg.Telegram.BotToken = value
	}
	if telegram.Client != nil {
		cfg.Telegram.ClientEnabled = *telegram.Client
	}
	if telegram.APIID > 0 {
		cfg.Telegram.APIID = telegram.APIID
	}
	if value := strings.TrimSpace(telegram.APIHash); value != "" {
		cfg.Telegram.APIHash = value
	}
	if value := strings.TrimSpace(telegram.SessionPath); value != "" {
		cfg.Telegram.SessionPath = ResolvePath(cfg.Root, value)
	}
	if value := strings.TrimSpace(source.Discord.BotToken); value != "" {
		cfg.Discord.BotToken = value
	}
	return nil
}
