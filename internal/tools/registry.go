package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/realtime"
)

// Handler resolves a tool call with parsed arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs an upstream-advertised descriptor with its local handler.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry maps tool names to descriptors and handlers. Arguments are
// validated against the descriptor before the handler runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry executes the newRegistry function.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// Descriptors returns the session tool descriptors in registration-stable
// form for a session update.
func (r *Registry) Descriptors() []realtime.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]realtime.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, realtime.Tool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return out
}

// Invoke validates args against the named tool's descriptor and runs its
// handler. Unknown tools and invalid arguments return errors without running
// any handler.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if err := validateArgs(tool.Parameters, args); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return tool.Handler(ctx, args)
}

// validateArgs checks required keys and primitive types against a JSON
// schema style descriptor.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if required, ok := schema["required"].([]string); ok {
		for _, key := range required {
			if _, present := args[key]; !present {
				return fmt.Errorf("missing required argument: %s", key)
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, entry := range required {
			key, _ := entry.(string)
			if _, present := args[key]; key != "" && !present {
				return fmt.Errorf("missing required argument: %s", key)
			}
		}
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for key, value := range args {
		prop, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		want, _ := prop["type"].(string)
		if want == "" {
			continue
		}
		if !typeMatches(want, value) {
			return fmt.Errorf("argument %s: expected %s", key, want)
		}
	}
	return nil
}

func typeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
