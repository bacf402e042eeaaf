package config

import (
	"fmt"
	"strings"
)

// Environment contract between the host and a sandboxed agent.
const (
	EnvSandboxChatJID         = "CRABCLAW_CHAT_JID"
	EnvSandboxGroupFolder     = "CRABCLAW_GROUP_FOLDER"
	EnvSandboxIsMain          = "CRABCLAW_IS_MAIN"
	EnvSandboxAssistantName   = "CRABCLAW_ASSISTANT_NAME"
	EnvSandboxIsScheduledTask = "CRABCLAW_IS_SCHEDULED_TASK"
	EnvSandboxIPCDir          = "CRABCLAW_IPC_DIR"
	EnvSandboxRequestTimeout  = "CRABCLAW_REQUEST_TIMEOUT"
	EnvSandboxTapUpstream     = "CRABCLAW_TAP_UPSTREAM"
	EnvSandboxTapListen       = "CRABCLAW_TAP_LISTEN"
)

const (
	DefaultSandboxIPCDir      = "/workspace/ipc"
	DefaultSandboxGroupDir    = "/workspace/group"
	DefaultSandboxProjectDir  = "/workspace/project"
	DefaultSandboxSessionsDir = "/home/node/.claude"
	DefaultSandboxExtraDir    = "/workspace/extra"
	DefaultTapUpstream        = "https://api.anthropic.com"
	DefaultTapListen          = "127.0.0.1:8787"
)

type SandboxEnv struct {
	ChatJID         string
	GroupFolder     string
	IsMain          bool
	AssistantName   string
	IsScheduledTask bool
	IPCDir          string
	RequestTimeout  string
}

func SandboxEnvFromEnv() SandboxEnv {
	return SandboxEnv{
		ChatJID:         EnvString(EnvSandboxChatJID),
		GroupFolder:     EnvString(EnvSandboxGroupFolder),
		IsMain:          parseBoolEnv(EnvSandboxIsMain, false),
		AssistantName:   EnvOrDefault(EnvSandboxAssistantName, DefaultAssistantName),
		IsScheduledTask: parseBoolEnv(EnvSandboxIsScheduledTask, false),
		IPCDir:          EnvOrDefault(EnvSandboxIPCDir, DefaultSandboxIPCDir),
		RequestTimeout:  EnvString(EnvSandboxRequestTimeout),
	}
}

func (e SandboxEnv) Validate() error {
	if strings.TrimSpace(e.ChatJID) == "" {
		return fmt.Errorf("%s must not be empty", EnvSandboxChatJID)
	}
	if strings.TrimSpace(e.GroupFolder) == "" {
		return fmt.Errorf("%s must not be empty", EnvSandboxGroupFolder)
	}
	if strings.TrimSpace(e.IPCDir) == "" {
		return fmt.Errorf("%s must not be empty", EnvSandboxIPCDir)
	}
	return nil
}

// Vars renders the contract as KEY=VALUE pairs for a spawned process.
func (e SandboxEnv) Vars() []string {
	return []string{
		EnvSandboxChatJID + "=" + e.ChatJID,
		EnvSandboxGroupFolder + "=" + e.GroupFolder,
		EnvSandboxIsMain + "=" + boolFlag(e.IsMain),
		EnvSandboxAssistantName + "=" + e.AssistantName,
		EnvSandboxIsScheduledTask + "=" + boolFlag(e.IsScheduledTask),
		EnvSandboxIPCDir + "=" + e.IPCDir,
	}
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
