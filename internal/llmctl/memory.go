package llmctl

import (
	"context"

	"github.com/robit-man/voice-llm-interaction-graph/internal/nodestore"
)

// MemoryStore persists one node's conversation memory.
type MemoryStore interface {
	Load(ctx context.Context) ([]Message, error)
	Save(ctx context.Context, msgs []Message) error
}

// NodeMemory adapts internal/nodestore into a MemoryStore, storing the
// message list under the node's "memory" config key.
type NodeMemory struct {
	Store  *nodestore.Store
	NodeID string
}

func (n *NodeMemory) Load(ctx context.Context) ([]Message, error) {
	rec, err := n.Store.Load(ctx, n.NodeID)
	if err != nil {
		return nil, err
	}
	raw, ok := rec.Config["memory"].([]any)
	if !ok {
		return nil, nil
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		msgs = append(msgs, Message{Role: role, Content: content})
	}
	return msgs, nil
}

func (n *NodeMemory) Save(ctx context.Context, msgs []Message) error {
	_, err := n.Store.Update(ctx, n.NodeID, map[string]any{"memory": msgs})
	return err
}
