package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-claw/internal/config"
	"crabstack.local/projects/crab-claw/internal/ipc"
	"crabstack.local/projects/crab-claw/internal/store"
)

// Register adds or updates a conversation outside a running host. It is how
// the main conversation is set up before the agent can register others.
func Register(ctx context.Context, cfg config.Config, conv store.Conversation) (store.Conversation, error) {
	conv.JID = strings.TrimSpace(conv.JID)
	conv.Name = strings.TrimSpace(conv.Name)
	conv.Folder = strings.TrimSpace(conv.Folder)
	if conv.JID == "" || conv.Name == "" || conv.Folder == "" {
		return store.Conversation{}, fmt.Errorf("jid, name and folder are required")
	}
	if conv.AddedAt.IsZero() {
		conv.AddedAt = time.Now()
	}

	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return store.Conversation{}, err
	}
	defer func() { _ = st.Close() }()

	if existing, err := st.GetConversation(ctx, conv.JID); err == nil && len(conv.Sandbox.AdditionalMounts) == 0 && conv.Sandbox.TimeoutMS == 0 {
		conv.Sandbox = existing.Sandbox
	}
	saved, err := st.PutConversation(ctx, conv)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("register %s: %w", conv.JID, err)
	}
	if err := ipc.EnsureGroupDir(cfg.GroupsDir(), saved.Folder); err != nil {
		return store.Conversation{}, err
	}
	return saved, nil
}
