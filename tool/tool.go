// Package tool implements the tool binding subsystem: registered tool
// implementations are resolved by id into invocable handles with a name, a
// JSON-schema parameter description, and an execution function. Arguments
// are validated against the declared schema before the implementation runs.
package tool

import (
	"context"
	"fmt"
	"sync"
)

// Tool is an invocable capability exposed to agents. Implementations should
// provide a descriptive name and description (shown to the model), a JSON
// schema for their parameters, and be safe for concurrent use: a bound tool
// is shared read-only across sessions, stateless between calls unless the
// tool itself is deliberately stateful.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is provided to the model to help it decide when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool. Implementations must respect ctx cancellation.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Tool error codes.
const (
	// CodeUnknownTool marks a tool id with no registered implementation.
	CodeUnknownTool = "UNKNOWN_TOOL"
	// CodeSchemaMismatch marks arguments that fail schema validation; the
	// tool implementation is never invoked in that case.
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	// CodeExecution marks a failure inside the tool implementation.
	CodeExecution = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool validation or execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// BindError reports a failure to bind a tool id to an implementation.
type BindError struct {
	Tool    string `json:"tool"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind tool %q: [%s] %s", e.Tool, e.Code, e.Message)
}

// Bindings is the bound tool set of one agent, keyed by tool name.
type Bindings map[string]Tool

// Names returns the bound tool names.
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	return names
}

// Registry holds the tool implementations known to the host. It is safe for
// concurrent use; registration normally happens once at startup and bindings
// are read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool implementation. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister registers tools and panics on duplicates. Intended for static
// startup wiring where a duplicate is a programming error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// HasTool reports whether an implementation is registered for id. It also
// satisfies config.ToolCatalog for resolution-time existence checks.
func (r *Registry) HasTool(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// Get returns the registered tool and whether it exists.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// Bind resolves each id to its registered implementation. It fails with a
// BindError naming the first id that has no implementation.
func (r *Registry) Bind(ids []string) (Bindings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := make(Bindings, len(ids))
	for _, id := range ids {
		t, ok := r.tools[id]
		if !ok {
			return nil, &BindError{Tool: id, Code: CodeUnknownTool, Message: "no registered implementation"}
		}
		bound[t.Name()] = t
	}
	return bound, nil
}
