// Package orchestrator drives the model/tool-call/delegation loop for one
// utterance. Given a root agent node it repeatedly asks the agent's model
// for the next step, executes requested tool invocations in order, and runs
// delegated sub-tasks as isolated recursive sub-turns, folding their results
// back into the parent history. Delegation is synchronous call/return:
// subagent results must land in the parent's linear history before the
// parent resumes reasoning.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/graph"
	"github.com/famulus-ai/famulus/instruction"
	"github.com/famulus-ai/famulus/logging"
	"github.com/famulus-ai/famulus/model"
	"github.com/famulus-ai/famulus/session"
	"github.com/famulus-ai/famulus/tool"
)

// State enumerates the orchestration loop states for one agent turn.
type State int

const (
	// StateAwaitingModel: a model round-trip is pending or about to start.
	StateAwaitingModel State = iota
	// StateExecutingTool: a requested tool invocation is running.
	StateExecutingTool
	// StateDelegating: a requested sub-task is running as a subagent sub-turn.
	StateDelegating
	// StateDone: the agent produced its final textual message.
	StateDone
	// StateFailed: the turn ended with a terminal error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTool:
		return "executing_tool"
	case StateDelegating:
		return "delegating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal runtime error codes.
const (
	CodeBudgetExhausted     = "BUDGET_EXHAUSTED"
	CodeRecursiveDelegation = "RECURSIVE_DELEGATION"
	CodeTimeout             = "TIMEOUT"
	CodeToolExecutionFailed = "TOOL_EXECUTION_FAILED"
	CodeModelUnavailable    = "MODEL_UNAVAILABLE"
)

// RunError is a structured runtime failure of an orchestration run. Most
// runtime failures are contained (fed back to the model as failed-call
// results); a RunError escaping Run means the turn is over.
type RunError struct {
	Code    string `json:"code"`
	Agent   string `json:"agent"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

func (e *RunError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("run failed [%s] in agent %s: %s", e.Code, e.Agent, msg)
}

func (e *RunError) Unwrap() error { return e.Err }

// Options configures an Orchestrator.
type Options struct {
	// ModelTimeout bounds each individual model round-trip.
	ModelTimeout time.Duration
	// ToolTimeout bounds each individual tool invocation.
	ToolTimeout time.Duration
	// Instructions overrides the stored instruction template per agent
	// name. An override may be static text or a dynamic Provider; agents
	// without an override use the instructions from their config record.
	Instructions map[string]instruction.Instruction
	Logger       logging.Logger
}

// Result is the outcome of one successful utterance.
type Result struct {
	// Text is the top-level agent's final message.
	Text string
	// History is the top-level turn transcript (delegated sub-turns appear
	// as single folded tool-result entries).
	History []session.Message
	// Usage accumulates token usage across every model call of the
	// utterance, including delegated sub-turns.
	Usage model.Usage
	// BudgetConsumed is the total turn budget spent.
	BudgetConsumed int
}

// Orchestrator executes utterances against a resolved agent graph. The graph
// and tool bindings are shared read-only; all mutable state lives in the
// per-utterance session, so one Orchestrator may serve concurrent sessions.
type Orchestrator struct {
	graph        *graph.Graph
	models       *model.Registry
	bindings     map[string]tool.Bindings // agent name -> bound tool set
	instructions map[string]instruction.Instruction
	modelTimeout time.Duration
	toolTimeout  time.Duration
	logger       logging.Logger
}

// New creates an Orchestrator over a graph, a model registry and per-agent
// tool bindings (keyed by agent name, strictly scoped: an agent sees only
// its own declared tools plus its own subagents).
func New(g *graph.Graph, models *model.Registry, bindings map[string]tool.Bindings, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		ModelTimeout: 60 * time.Second,
		ToolTimeout:  15 * time.Second,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Orchestrator{
		graph:        g,
		models:       models,
		bindings:     bindings,
		instructions: opts.Instructions,
		modelTimeout: opts.ModelTimeout,
		toolTimeout:  opts.ToolTimeout,
		logger:       opts.Logger,
	}
}

// Run processes one user utterance against the graph's root agent. vars
// carries the template variables available to instruction expansion.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, userText string, vars map[string]any) (*Result, error) {
	root := o.graph.Root

	if err := sess.PushDelegation(root.Name()); err != nil {
		return nil, fmt.Errorf("session already running agent %s: %w", root.Name(), err)
	}

	sess.Append(session.Message{Role: session.RoleUser, Text: userText})

	o.logger.Info("orchestrator.run.start", "session", sess.ID(), "agent", root.Name(), "budget", sess.Remaining())

	usage := &model.Usage{}
	text, err := o.runTurn(ctx, root, sess, vars, usage)

	history := sess.History()
	sess.PopDelegation()

	if err != nil {
		o.logger.Warn("orchestrator.run.failed", "session", sess.ID(), "agent", root.Name(), "error", err.Error())
		return nil, err
	}

	o.logger.Info("orchestrator.run.done", "session", sess.ID(), "agent", root.Name(),
		"budget_consumed", sess.Consumed(), "total_tokens", usage.TotalTokens)

	return &Result{Text: text, History: history, Usage: *usage, BudgetConsumed: sess.Consumed()}, nil
}

// runTurn runs the state machine for one agent's turn: the top-level turn,
// or a delegated sub-turn over an isolated history frame. It returns the
// agent's final textual message.
func (o *Orchestrator) runTurn(ctx context.Context, node *graph.Node, sess *session.Session, vars map[string]any, usage *model.Usage) (string, error) {
	state := StateAwaitingModel

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := o.callModel(ctx, node, sess, vars, usage)
		if err != nil {
			o.setState(&state, StateFailed, node)
			return "", err
		}

		if !resp.HasCalls() {
			o.setState(&state, StateDone, node)
			sess.Append(session.Message{Role: session.RoleAssistant, Text: resp.Text})
			return resp.Text, nil
		}

		for i := range resp.Calls {
			if resp.Calls[i].ID == "" {
				resp.Calls[i].ID = uuid.NewString()
			}
		}
		sess.Append(session.Message{Role: session.RoleAssistant, Text: resp.Text, ToolCalls: resp.Calls})

		// Requested invocations execute sequentially in the requested order:
		// later arguments and history entries must reflect strict ordering.
		for _, call := range resp.Calls {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			var stepErr error
			if sub := node.Subagent(call.Name); sub != nil {
				o.setState(&state, StateDelegating, node)
				stepErr = o.delegate(ctx, node, sub, sess, vars, usage, call)
			} else {
				o.setState(&state, StateExecutingTool, node)
				stepErr = o.invoke(ctx, node, sess, call)
			}
			if stepErr != nil {
				o.setState(&state, StateFailed, node)
				return "", stepErr
			}
		}

		o.setState(&state, StateAwaitingModel, node)
	}
}

// callModel performs one model round-trip for node, retrying recoverable
// failures (timeout, provider error) while retry budget remains. Host
// cancellation always aborts immediately.
func (o *Orchestrator) callModel(ctx context.Context, node *graph.Node, sess *session.Session, vars map[string]any, usage *model.Usage) (*model.Response, error) {
	m, err := o.models.Model(node.Spec.Model)
	if err != nil {
		return nil, &RunError{Code: CodeModelUnavailable, Agent: node.Name(), Err: err}
	}

	instr := instruction.FromText(node.Spec.Instructions)
	if override, ok := o.instructions[node.Name()]; ok {
		instr = override
	}
	resolved, err := instr.Resolve(vars)
	if err != nil {
		return nil, fmt.Errorf("agent %s instructions: %w", node.Name(), err)
	}

	req := model.Request{
		Instructions: resolved,
		History:      sess.History(),
		Tools:        o.toolDefs(node),
	}

	for {
		start := time.Now()
		mctx, cancel := context.WithTimeout(ctx, o.modelTimeout)
		resp, err := m.Complete(mctx, req)
		cancel()

		if err == nil {
			o.logger.Debug("orchestrator.model.call", "agent", node.Name(), "model", node.Spec.Model,
				"duration_ms", time.Since(start).Milliseconds(), "calls", len(resp.Calls))
			usage.Add(resp.Usage)
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		code := CodeModelUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
		}

		// Each retry spends budget; with none left the failure is terminal.
		if berr := sess.ConsumeBudget(1); berr != nil {
			return nil, &RunError{Code: code, Agent: node.Name(), Message: "no retry budget remaining", Err: err}
		}

		o.logger.Warn("orchestrator.model.retry", "agent", node.Name(), "model", node.Spec.Model,
			"error", err.Error(), "budget", sess.Remaining())
	}
}

// invoke routes a requested invocation to a bound tool. Failures (unknown
// target, schema mismatch, execution error, timeout) are contained: they are
// appended as failed-call results so the model can adapt its plan.
func (o *Orchestrator) invoke(ctx context.Context, node *graph.Node, sess *session.Session, call session.ToolCall) error {
	t, ok := o.bindings[node.Name()][call.Name]
	if !ok {
		o.logger.Warn("orchestrator.tool.unknown", "agent", node.Name(), "target", call.Name)
		sess.Append(failedCall(call, fmt.Sprintf("no tool or subagent named %q", call.Name)))
		return o.spend(node, sess)
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			sess.Append(failedCall(call, fmt.Sprintf("invalid arguments: %v", err)))
			return o.spend(node, sess)
		}
	}

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	result, err := t.Call(tctx, args)
	cancel()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		code := CodeToolExecutionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
			err = fmt.Errorf("tool %s timed out after %s", call.Name, o.toolTimeout)
		}
		runErr := &RunError{Code: code, Agent: node.Name(), Err: err}
		o.logger.Warn("orchestrator.tool.failed", "agent", node.Name(), "tool", call.Name, "error", err.Error())
		sess.Append(failedCall(call, runErr.Error()))
		return o.spend(node, sess)
	}

	o.logger.Info("orchestrator.tool.executed", "agent", node.Name(), "tool", call.Name,
		"duration_ms", time.Since(start).Milliseconds())

	sess.Append(session.Message{
		Role:     session.RoleTool,
		CallID:   call.ID,
		ToolName: call.Name,
		Text:     renderResult(result),
	})

	return o.spend(node, sess)
}

// delegate runs a requested sub-task as an isolated subagent sub-turn. The
// sub-turn sees only the delegated task description, never the parent
// conversation. Sub-turn failures fold back as structured error results;
// only budget exhaustion and host cancellation unwind the parent.
func (o *Orchestrator) delegate(ctx context.Context, parent, sub *graph.Node, sess *session.Session, vars map[string]any, usage *model.Usage, call session.ToolCall) error {
	task, err := delegationTask(call.Arguments)
	if err != nil {
		sess.Append(failedCall(call, fmt.Sprintf("invalid delegation arguments: %v", err)))
		return o.spend(parent, sess)
	}

	if err := sess.PushDelegation(sub.Name()); err != nil {
		runErr := &RunError{Code: CodeRecursiveDelegation, Agent: sub.Name(),
			Message: fmt.Sprintf("agent %s is already active on the delegation stack", sub.Name())}
		o.logger.Warn("orchestrator.delegate.recursive", "agent", parent.Name(), "target", sub.Name())
		sess.Append(failedCall(call, runErr.Error()))
		return o.spend(parent, sess)
	}

	// The delegation itself costs one budget unit up front; the sub-turn's
	// own consumption debits the shared counter as it runs.
	if err := sess.ConsumeBudget(1); err != nil {
		sess.PopDelegation()
		return &RunError{Code: CodeBudgetExhausted, Agent: parent.Name(), Err: err}
	}

	o.logger.Info("orchestrator.delegate.start", "agent", parent.Name(), "target", sub.Name(),
		"depth", sess.Depth(), "budget", sess.Remaining())

	sess.Append(session.Message{Role: session.RoleUser, Agent: sub.Name(), Text: task})
	text, runErr := o.runTurn(ctx, sub, sess, vars, usage)
	sess.PopDelegation()

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var re *RunError
		if errors.As(runErr, &re) && re.Code == CodeBudgetExhausted {
			return runErr
		}
		o.logger.Warn("orchestrator.delegate.failed", "agent", parent.Name(), "target", sub.Name(), "error", runErr.Error())
		sess.Append(failedCall(call, fmt.Sprintf("delegation to %s failed: %v", sub.Name(), runErr)))
		return nil
	}

	o.logger.Info("orchestrator.delegate.done", "agent", parent.Name(), "target", sub.Name())

	sess.Append(session.Message{
		Role:     session.RoleTool,
		CallID:   call.ID,
		ToolName: sub.Name(),
		Text:     text,
	})

	return nil
}

// spend debits one budget unit for a completed (or failed) invocation and
// converts exhaustion into the terminal RunError.
func (o *Orchestrator) spend(node *graph.Node, sess *session.Session) error {
	if err := sess.ConsumeBudget(1); err != nil {
		return &RunError{Code: CodeBudgetExhausted, Agent: node.Name(), Err: err}
	}
	return nil
}

// toolDefs assembles the definitions exposed to node's model: its bound
// tools in declaration order, then one synthetic delegate pseudo-tool per
// subagent, named after the subagent.
func (o *Orchestrator) toolDefs(node *graph.Node) []model.ToolDefinition {
	binds := o.bindings[node.Name()]
	defs := make([]model.ToolDefinition, 0, len(binds)+len(node.Subagents))

	for _, id := range node.Spec.ToolIDs {
		if t, ok := binds[id]; ok {
			defs = append(defs, model.ToolDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			})
		}
	}

	for _, sub := range node.Subagents {
		defs = append(defs, delegateDefinition(sub))
	}

	return defs
}

// delegateDefinition builds the synthetic pseudo-tool advertising a subagent
// as a delegation target.
func delegateDefinition(sub *graph.Node) model.ToolDefinition {
	desc := fmt.Sprintf("Delegate a task to the %s agent.", sub.Name())
	if sub.Spec.Description != "" {
		desc = fmt.Sprintf("Delegate a task to the %s agent: %s", sub.Name(), sub.Spec.Description)
	}
	return model.ToolDefinition{
		Name:        sub.Name(),
		Description: desc,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "The task to hand off, phrased as a self-contained instruction.",
				},
			},
			"required": []string{"task"},
		},
	}
}

// delegationTask extracts the task description from delegate pseudo-tool
// arguments.
func delegationTask(raw json.RawMessage) (string, error) {
	var args struct {
		Task string `json:"task"`
	}
	if len(raw) == 0 {
		return "", errors.New("missing required field 'task'")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	if args.Task == "" {
		return "", errors.New("missing required field 'task'")
	}
	return args.Task, nil
}

// failedCall shapes a contained failure as a tool-result entry the model can
// reason about.
func failedCall(call session.ToolCall, message string) session.Message {
	return session.Message{
		Role:     session.RoleTool,
		CallID:   call.ID,
		ToolName: call.Name,
		Error:    message,
	}
}

// renderResult converts a tool result into history text: strings pass
// through, everything else is JSON encoded.
func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func (o *Orchestrator) setState(state *State, next State, node *graph.Node) {
	o.logger.Debug("orchestrator.state", "agent", node.Name(), "from", state.String(), "to", next.String())
	*state = next
}
