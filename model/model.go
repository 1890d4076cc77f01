// Package model defines the normalized transport boundary to LLM providers.
// A Model receives the active agent's expanded instructions, the current
// turn history, and the available tool definitions, and returns either a
// final textual message or an ordered list of requested invocations. The
// call is a single blocking round-trip; streaming is deliberately outside
// this core.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/famulus-ai/famulus/session"
)

// ToolDefinition declaratively exposes a callable tool (or a synthetic
// delegate pseudo-tool) to the model. Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures one normalized model round-trip input.
type Request struct {
	Instructions string            `json:"instructions"`
	History      []session.Message `json:"history"`
	Tools        []ToolDefinition  `json:"tools,omitempty"`
}

// Usage captures token usage statistics for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is the outcome of one model round-trip: either a final textual
// message (no Calls) or one or more requested invocations, in the order the
// model requested them.
type Response struct {
	Text  string             `json:"text,omitempty"`
	Calls []session.ToolCall `json:"calls,omitempty"`
	Usage Usage              `json:"usage"`
}

// HasCalls reports whether the model requested invocations instead of
// returning a final message.
func (r *Response) HasCalls() bool { return len(r.Calls) > 0 }

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface the orchestrator needs to drive generation.
// Implementations must be safe for concurrent use across sessions.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// UnknownModelError reports a model identifier with no registered transport.
type UnknownModelError struct {
	ID string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no model transport registered for %q", e.ID)
}

// Registry maps the model identifier strings stored in agent definitions to
// concrete transports. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Model
	fallback Model
}

// NewRegistry constructs an empty model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// Register binds a model identifier to a transport, replacing any previous
// binding for the same id.
func (r *Registry) Register(id string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[id] = m
}

// SetFallback installs a transport used for identifiers with no explicit
// binding. Useful when one provider client serves many model ids.
func (r *Registry) SetFallback(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = m
}

// Model returns the transport for id, the fallback if one is installed, or
// an UnknownModelError.
func (r *Registry) Model(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.models[id]; ok {
		return m, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &UnknownModelError{ID: id}
}
