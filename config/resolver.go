package config

import (
	"fmt"

	"github.com/famulus-ai/famulus/logging"
)

// Resolution error codes.
const (
	// CodeNotFound indicates the entry or subentry does not exist in the store.
	CodeNotFound = "NOT_FOUND"
	// CodeMalformed indicates a required field is absent or a referenced
	// tool/subagent id does not exist at resolution time.
	CodeMalformed = "MALFORMED"
)

// ResolutionError reports a failure to resolve a stored agent definition.
type ResolutionError struct {
	Ref     Ref    `json:"ref"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve agent %s: [%s] %s", e.Ref, e.Code, e.Message)
}

// AgentSpec is a fully validated, strongly-typed agent definition. Subagent
// references have been existence-checked against the store (not recursively
// resolved; that is the graph builder's job).
type AgentSpec struct {
	Ref          Ref
	Name         string
	Model        string
	Description  string
	Instructions string
	ToolIDs      []string
	Subagents    []Ref
}

// ToolCatalog answers whether a tool id has a registered implementation.
// Satisfied by tool.Registry.
type ToolCatalog interface {
	HasTool(id string) bool
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Catalog is consulted for tool id existence checks. When nil, tool
	// references are not validated at resolution time and unknown tools
	// surface later, at bind time.
	Catalog ToolCatalog
	Logger  logging.Logger
}

// Resolver reads agent definitions from a Store and produces AgentSpecs.
// Resolution is a pure read: no store or resolver state is mutated.
type Resolver struct {
	store   Store
	catalog ToolCatalog
	logger  logging.Logger
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store, optFns ...func(o *ResolverOptions)) *Resolver {
	opts := ResolverOptions{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Resolver{store: store, catalog: opts.Catalog, logger: opts.Logger}
}

// Resolve materializes the agent definition at ref into an AgentSpec.
// Fails with CodeNotFound if the entry or subentry does not exist, and with
// CodeMalformed if name or model is missing, a tool id has no registered
// implementation, or a subagent ref points at nothing. Subagent checks are
// existence-only; cycles and depth are enforced by the graph builder.
func (r *Resolver) Resolve(ref Ref) (*AgentSpec, error) {
	entry, err := r.store.GetEntry(ref.Entry)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Code: CodeNotFound, Message: err.Error()}
	}

	sub := entry.Subentry(ref.Subentry)
	if sub == nil {
		return nil, &ResolutionError{
			Ref:     ref,
			Code:    CodeNotFound,
			Message: fmt.Sprintf("entry %q has no subentry %q", ref.Entry, ref.Subentry),
		}
	}

	if sub.Name == "" {
		return nil, &ResolutionError{Ref: ref, Code: CodeMalformed, Message: "required field 'name' is missing"}
	}
	if sub.Model == "" {
		return nil, &ResolutionError{Ref: ref, Code: CodeMalformed, Message: "required field 'model' is missing"}
	}

	if r.catalog != nil {
		for _, id := range sub.ToolIDs {
			if !r.catalog.HasTool(id) {
				return nil, &ResolutionError{
					Ref:     ref,
					Code:    CodeMalformed,
					Message: fmt.Sprintf("referenced tool %q is not registered", id),
				}
			}
		}
	}

	for _, subRef := range sub.Subagents {
		if err := r.checkExists(subRef); err != nil {
			return nil, &ResolutionError{
				Ref:     ref,
				Code:    CodeMalformed,
				Message: fmt.Sprintf("referenced subagent %s: %v", subRef, err),
			}
		}
	}

	r.logger.Debug("config.resolve", "ref", ref.String(), "name", sub.Name, "model", sub.Model,
		"tools", len(sub.ToolIDs), "subagents", len(sub.Subagents))

	spec := &AgentSpec{
		Ref:          ref,
		Name:         sub.Name,
		Model:        sub.Model,
		Description:  sub.Description,
		Instructions: sub.Instructions,
		ToolIDs:      append([]string(nil), sub.ToolIDs...),
		Subagents:    append([]Ref(nil), sub.Subagents...),
	}

	return spec, nil
}

// checkExists verifies a ref points at a stored subentry without resolving it.
func (r *Resolver) checkExists(ref Ref) error {
	entry, err := r.store.GetEntry(ref.Entry)
	if err != nil {
		return err
	}
	if entry.Subentry(ref.Subentry) == nil {
		return fmt.Errorf("entry %q has no subentry %q", ref.Entry, ref.Subentry)
	}
	return nil
}
