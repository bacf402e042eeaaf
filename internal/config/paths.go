package config

import (
	"os"
	"path/filepath"
	"strings"
)

const rootDirName = ".crabclaw"

func localRootExists() bool {
	info, err := os.Stat(rootDirName)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// DefaultRoot prefers a .crabclaw directory in the working directory and falls
// back to ~/.crabclaw.
func DefaultRoot() string {
	if localRootExists() {
		return rootDirName
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, rootDirName)
	}
	return rootDirName
}

// ResolvePath expands ~ and anchors relative paths at root.
func ResolvePath(root, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}

	expanded := trimmed
	if resolved, err := expandPath(trimmed); err == nil && strings.TrimSpace(resolved) != "" {
		expanded = resolved
	}

	cleaned := filepath.Clean(expanded)
	if filepath.IsAbs(cleaned) || strings.TrimSpace(root) == "" {
		return cleaned
	}
	return filepath.Join(root, cleaned)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
