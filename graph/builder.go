package graph

import (
	"github.com/famulus-ai/famulus/config"
	"github.com/famulus-ai/famulus/logging"
)

// DefaultMaxDepth bounds delegation chains. Deeper configurations are almost
// certainly mistakes and would produce unusable latency anyway.
const DefaultMaxDepth = 5

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// MaxDepth is the maximum delegation depth (root = depth 1).
	MaxDepth int
	Logger   logging.Logger
}

// Builder walks agent definitions through a config.Resolver and produces
// Graphs. A Builder is stateless between Build calls and safe for concurrent
// use.
type Builder struct {
	resolver *config.Resolver
	maxDepth int
	logger   logging.Logger
}

// NewBuilder creates a Builder over the given resolver.
func NewBuilder(resolver *config.Resolver, optFns ...func(o *BuilderOptions)) *Builder {
	opts := BuilderOptions{
		MaxDepth: DefaultMaxDepth,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Builder{resolver: resolver, maxDepth: opts.MaxDepth, logger: opts.Logger}
}

// buildState carries the per-Build bookkeeping: memoized nodes so diamond
// references share one resolution, the set of refs on the active resolution
// path for cycle detection, and the name index for uniqueness checks.
type buildState struct {
	nodes  map[config.Ref]*Node
	onPath map[config.Ref]bool
	path   []config.Ref
	byName map[string]*Node
}

// Build resolves root and every transitively referenced subagent into a
// Graph. It fails with *CycleError if a ref already on the active resolution
// path is requested again, *DepthError beyond the configured maximum depth,
// *ReferenceError when a subagent reference does not resolve, and
// *NameConflictError when two definitions share a name. Construction order
// does not affect the resulting structure.
func (b *Builder) Build(root config.Ref) (*Graph, error) {
	st := &buildState{
		nodes:  make(map[config.Ref]*Node),
		onPath: make(map[config.Ref]bool),
		byName: make(map[string]*Node),
	}

	rootNode, err := b.resolve(st, root, 1)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("graph.build", "root", root.String(), "agents", len(st.nodes))

	return &Graph{Root: rootNode, byRef: st.nodes, byName: st.byName}, nil
}

func (b *Builder) resolve(st *buildState, ref config.Ref, depth int) (*Node, error) {
	if st.onPath[ref] {
		return nil, &CycleError{Path: append(append([]config.Ref(nil), st.path...), ref)}
	}

	// Diamond reference: already fully resolved, share the node.
	if node, ok := st.nodes[ref]; ok {
		return node, nil
	}

	if depth > b.maxDepth {
		return nil, &DepthError{Ref: ref, Limit: b.maxDepth}
	}

	spec, err := b.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}

	if existing, ok := st.byName[spec.Name]; ok {
		return nil, &NameConflictError{Name: spec.Name, A: existing.Ref(), B: ref}
	}

	node := &Node{Spec: spec}
	st.onPath[ref] = true
	st.path = append(st.path, ref)
	st.byName[spec.Name] = node

	for _, subRef := range spec.Subagents {
		sub, err := b.resolve(st, subRef, depth+1)
		if err != nil {
			switch err.(type) {
			case *CycleError, *DepthError, *ReferenceError, *NameConflictError:
				return nil, err
			}
			return nil, &ReferenceError{From: ref, To: subRef, Err: err}
		}
		node.Subagents = append(node.Subagents, sub)
	}

	st.path = st.path[:len(st.path)-1]
	delete(st.onPath, ref)
	st.nodes[ref] = node

	return node, nil
}
