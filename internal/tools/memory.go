package tools

import (
	"context"
	"sync"
)

// MemoryStore holds per-session key/value memory set by the model.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore executes the newMemoryStore function.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

// Set stores a value under key.
func (s *MemoryStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Snapshot returns a copy of the stored memory.
func (s *MemoryStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clear drops every stored value.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}

// SetMemoryTool lets the model persist facts about the user for the session.
// onChange fires after each write with the full memory snapshot.
func SetMemoryTool(store *MemoryStore, onChange func(map[string]any)) Tool {
	return Tool{
		Name:        "set_memory",
		Description: "Saves important data about the user into memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "The key of the memory value. Always use lowercase and underscores, no other characters.",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "Value can be anything represented as a string",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			store.Set(key, args["value"])
			if onChange != nil {
				onChange(store.Snapshot())
			}
			return map[string]any{"ok": true}, nil
		},
	}
}
