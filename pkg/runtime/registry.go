package runtime

import (
	"context"
	"fmt"
)

// ToolFunc is the shape of a registered tool. Arguments are keyword-shaped;
// the engine never inspects them beyond canonicalization and JSON capture.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered operation: a callable with a captured name and an
// optional compensating tool name.
type Tool struct {
	Name         string
	Fn           ToolFunc
	Compensation string
}

// Registry maps tool names to implementations. It is populated during
// initialization and treated as read-only for the lifetime of all sessions,
// so lookups need no locking.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// RegisterOption configures a tool registration.
type RegisterOption func(*Tool)

// WithCompensation links a compensating tool that undoes this tool's effect.
// The compensation is invoked with the original forward call's arguments
// during the unwind of a failed run.
func WithCompensation(name string) RegisterOption {
	return func(t *Tool) { t.Compensation = name }
}

func (r *Registry) Register(name string, fn ToolFunc, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %q: nil function", name)
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	tool := Tool{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&tool)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}
