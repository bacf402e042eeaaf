package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"crabstack.local/projects/crab-claw/internal/ids"
)

// WriteEnvelope writes v into dir under a fresh time-ordered name and returns
// the file name. Readers never observe a partial file.
func WriteEnvelope(dir string, v any) (string, error) {
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), shortRandom())
	if err := WriteJSONAtomic(filepath.Join(dir, name), v); err != nil {
		return "", err
	}
	return name, nil
}

// WriteJSONAtomic marshals v to <path>.tmp and renames it into place.
func WriteJSONAtomic(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ipc file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ipc directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("write ipc file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename ipc file: %w", err)
	}
	return nil
}

// PendingFiles lists completed *.json files in dir in name order.
// A missing directory is treated as empty.
func PendingFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// EnsureNamespace creates the per-folder IPC directories.
func EnsureNamespace(root, folder string) (string, error) {
	base := filepath.Join(root, folder)
	for _, dir := range []string{DirMessages, DirTasks, DirInput, DirRequests, DirResponses} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o755); err != nil {
			return "", fmt.Errorf("create ipc namespace %s: %w", folder, err)
		}
	}
	return base, nil
}

func shortRandom() string {
	return strings.ReplaceAll(ids.New(), "-", "")[:8]
}
