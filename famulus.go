// Package famulus provides a high-level façade over the configuration,
// graph, tool and orchestration packages, enabling a host application to
// drive LLM-backed conversational agents with a single call per utterance.
// Most applications interact with this package by:
//  1. Creating a Famulus via New() over a config.Store (file or in-memory)
//  2. Registering tools (Tools) and model backends (Models)
//  3. Handling utterances (HandleUtterance) addressed to a configured agent
//
// The façade resolves configuration, builds the delegation graph, binds
// tools and runs the orchestration loop per utterance. All defaults are safe
// for local development; production deployments typically supply a durable
// config store and a structured logger.
package famulus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/config"
	"github.com/famulus-ai/famulus/graph"
	"github.com/famulus-ai/famulus/instruction"
	"github.com/famulus-ai/famulus/logging"
	"github.com/famulus-ai/famulus/model"
	"github.com/famulus-ai/famulus/orchestrator"
	"github.com/famulus-ai/famulus/session"
	"github.com/famulus-ai/famulus/tool"
)

// Options configures the Famulus instance.
type Options struct {
	// Tools is the registry of executable tool implementations agents may
	// reference by id. Defaults to an empty registry.
	Tools *tool.Registry

	// Models is the registry of model backends keyed by configured model id.
	// Defaults to an empty registry.
	Models *model.Registry

	// Instructions overrides the stored instruction template per agent
	// name: static text or a runtime instruction.Provider computed against
	// each utterance's template variables. Agents without an override keep
	// the instructions from their config record.
	Instructions map[string]instruction.Instruction

	// TurnBudget caps the number of tool invocations and delegations (plus
	// model retries) a single utterance may spend across all nesting levels.
	TurnBudget int

	// MaxDepth bounds the delegation graph depth at build time.
	MaxDepth int

	// ModelTimeout bounds each individual model round-trip.
	ModelTimeout time.Duration

	// ToolTimeout bounds each individual tool invocation.
	ToolTimeout time.Duration

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Result is the outcome of one handled utterance.
type Result = orchestrator.Result

// Famulus is the high-level façade aggregating configuration resolution,
// graph construction, tool binding and orchestration.
type Famulus struct {
	store    config.Store
	resolver *config.Resolver
	builder  *graph.Builder
	opts     Options
}

// New creates a Famulus over a configuration store with optional overrides.
func New(store config.Store, optFns ...func(o *Options)) *Famulus {
	opts := Options{
		Tools:        tool.NewRegistry(),
		Models:       model.NewRegistry(),
		TurnBudget:   10,
		MaxDepth:     graph.DefaultMaxDepth,
		ModelTimeout: 60 * time.Second,
		ToolTimeout:  15 * time.Second,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	resolver := config.NewResolver(store, func(o *config.ResolverOptions) {
		o.Catalog = opts.Tools
		o.Logger = opts.Logger
	})

	builder := graph.NewBuilder(resolver, func(o *graph.BuilderOptions) {
		o.MaxDepth = opts.MaxDepth
		o.Logger = opts.Logger
	})

	return &Famulus{
		store:    store,
		resolver: resolver,
		builder:  builder,
		opts:     opts,
	}
}

// Tools returns the tool registry, for registration by the host.
func (f *Famulus) Tools() *tool.Registry { return f.opts.Tools }

// Models returns the model registry, for registration by the host.
func (f *Famulus) Models() *model.Registry { return f.opts.Models }

// Build resolves and validates the delegation graph rooted at ref without
// running anything. Hosts call this to surface configuration errors early,
// e.g. when the user edits an agent entry.
func (f *Famulus) Build(root config.Ref) (*graph.Graph, error) {
	return f.builder.Build(root)
}

// HandleUtterance processes one user utterance addressed to the agent
// configured at root. The graph is rebuilt from the store per utterance so
// configuration edits take effect on the next message without restarts.
// vars carries the template variables exposed to instruction expansion.
func (f *Famulus) HandleUtterance(ctx context.Context, root config.Ref, text string, vars map[string]any) (*Result, error) {
	g, err := f.builder.Build(root)
	if err != nil {
		return nil, fmt.Errorf("build agent graph %s: %w", root, err)
	}

	bindings, err := f.bind(g)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(g, f.opts.Models, bindings, func(o *orchestrator.Options) {
		o.ModelTimeout = f.opts.ModelTimeout
		o.ToolTimeout = f.opts.ToolTimeout
		o.Instructions = f.opts.Instructions
		o.Logger = f.opts.Logger
	})

	sess := session.New(uuid.NewString(), f.opts.TurnBudget)

	return orch.Run(ctx, sess, text, vars)
}

// bind resolves every node's declared tool ids against the tool registry.
// Binding is strictly scoped per agent: a node's model is offered only the
// tools that node declares.
func (f *Famulus) bind(g *graph.Graph) (map[string]tool.Bindings, error) {
	bindings := make(map[string]tool.Bindings, g.Len())
	for _, node := range g.Nodes() {
		b, err := f.opts.Tools.Bind(node.Spec.ToolIDs)
		if err != nil {
			return nil, fmt.Errorf("bind tools for agent %s: %w", node.Name(), err)
		}
		bindings[node.Name()] = b
	}
	return bindings, nil
}
