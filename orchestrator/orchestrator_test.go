package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famulus-ai/famulus/config"
	"github.com/famulus-ai/famulus/graph"
	"github.com/famulus-ai/famulus/instruction"
	"github.com/famulus-ai/famulus/model"
	"github.com/famulus-ai/famulus/session"
	"github.com/famulus-ai/famulus/tool"
)

// fixture assembles a graph, a model registry with one mock per agent, and
// tool bindings for orchestrator tests.
type fixture struct {
	graph    *graph.Graph
	models   *model.Registry
	mocks    map[string]*model.Mock
	bindings map[string]tool.Bindings
}

// agentDef declares one agent for newFixture.
type agentDef struct {
	id        string
	subagents []string
	tools     []tool.Tool
}

func newFixture(t *testing.T, root string, agents ...agentDef) *fixture {
	t.Helper()

	store := config.NewMemoryStore()
	f := &fixture{
		models:   model.NewRegistry(),
		mocks:    make(map[string]*model.Mock),
		bindings: make(map[string]tool.Bindings),
	}

	for _, a := range agents {
		refs := make([]config.Ref, len(a.subagents))
		for i, sub := range a.subagents {
			refs[i] = config.Ref{Entry: "test", Subentry: sub}
		}

		toolIDs := make([]string, len(a.tools))
		for i, tl := range a.tools {
			toolIDs[i] = tl.Name()
		}

		modelID := "model-" + a.id
		store.PutAgent("test", &config.Subentry{
			ID:        a.id,
			Name:      a.id,
			Model:     modelID,
			ToolIDs:   toolIDs,
			Subagents: refs,
		})

		mock := model.NewMock(modelID)
		f.models.Register(modelID, mock)
		f.mocks[a.id] = mock

		binds := make(tool.Bindings, len(a.tools))
		for _, tl := range a.tools {
			binds[tl.Name()] = tl
		}
		f.bindings[a.id] = binds
	}

	b := graph.NewBuilder(config.NewResolver(store))
	g, err := b.Build(config.Ref{Entry: "test", Subentry: root})
	require.NoError(t, err)
	f.graph = g

	return f
}

func (f *fixture) orchestrator(optFns ...func(o *Options)) *Orchestrator {
	return New(f.graph, f.models, f.bindings, optFns...)
}

func toolCall(name, args string) session.ToolCall {
	return session.ToolCall{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}
}

func echoTool(t *testing.T) tool.Tool {
	t.Helper()
	tl, err := tool.NewFunctionTool("echo", "echoes input", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	require.NoError(t, err)
	return tl
}

func TestRun_DirectAnswer(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.mocks["solo"].Enqueue(&model.Response{
		Text:  "Hello back",
		Usage: model.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "Hello", nil)
	require.NoError(t, err)

	assert.Equal(t, "Hello back", result.Text)
	assert.Equal(t, 0, result.BudgetConsumed)
	assert.Equal(t, 12, result.Usage.TotalTokens)

	require.Len(t, result.History, 2)
	assert.Equal(t, session.RoleUser, result.History[0].Role)
	assert.Equal(t, session.RoleAssistant, result.History[1].Role)
}

func TestRun_ToolCallThenAnswer(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo", tools: []tool.Tool{echoTool(t)}})
	f.mocks["solo"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("echo", `{"text":"ping"}`)}}).
		Enqueue(&model.Response{Text: "The tool said ping"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "Use the tool", nil)
	require.NoError(t, err)

	assert.Equal(t, "The tool said ping", result.Text)
	assert.Equal(t, 1, result.BudgetConsumed)

	// user, assistant(call), tool result, final assistant
	require.Len(t, result.History, 4)
	assert.Equal(t, session.RoleTool, result.History[2].Role)
	assert.Equal(t, "echo", result.History[2].ToolName)
	assert.Equal(t, "ping", result.History[2].Text)
	assert.Equal(t, "call-echo", result.History[2].CallID)

	// second round-trip saw the folded tool result
	reqs := f.mocks["solo"].Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "ping", reqs[1].History[2].Text)
}

func TestRun_ToolDefinitionsExposed(t *testing.T) {
	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}, tools: []tool.Tool{echoTool(t)}},
		agentDef{id: "kitchen"},
	)
	f.mocks["router"].Enqueue(&model.Response{Text: "nothing to do"})

	_, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "hi", nil)
	require.NoError(t, err)

	reqs := f.mocks["router"].Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 2)
	assert.Equal(t, "echo", reqs[0].Tools[0].Name)

	// subagents surface as delegate pseudo-tools named after the agent
	delegate := reqs[0].Tools[1]
	assert.Equal(t, "kitchen", delegate.Name)
	props := delegate.Parameters["properties"].(map[string]any)
	assert.Contains(t, props, "task")
}

func TestRun_Delegation(t *testing.T) {
	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}},
		agentDef{id: "kitchen"},
	)
	f.mocks["router"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("kitchen", `{"task":"start a timer"}`)}}).
		Enqueue(&model.Response{Text: "Timer is running"})
	f.mocks["kitchen"].Enqueue(&model.Response{Text: "Timer started"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "Set a timer", nil)
	require.NoError(t, err)

	assert.Equal(t, "Timer is running", result.Text)
	assert.Equal(t, 1, result.BudgetConsumed)

	// the sub-turn saw only its task, never the parent conversation
	kitchenReqs := f.mocks["kitchen"].Requests()
	require.Len(t, kitchenReqs, 1)
	require.Len(t, kitchenReqs[0].History, 1)
	assert.Equal(t, "start a timer", kitchenReqs[0].History[0].Text)

	// the parent saw the folded sub-turn result as a tool entry
	routerReqs := f.mocks["router"].Requests()
	require.Len(t, routerReqs, 2)
	folded := routerReqs[1].History[2]
	assert.Equal(t, session.RoleTool, folded.Role)
	assert.Equal(t, "kitchen", folded.ToolName)
	assert.Equal(t, "Timer started", folded.Text)
}

func TestRun_MultipleCallsExecuteInOrder(t *testing.T) {
	var mu sync.Mutex
	var invoked []string
	record := func(name string) tool.Tool {
		tl, err := tool.NewFunctionTool(name, "records invocation", map[string]any{
			"type": "object", "properties": map[string]any{},
		}, func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			invoked = append(invoked, name)
			mu.Unlock()
			return name + " done", nil
		})
		require.NoError(t, err)
		return tl
	}

	f := newFixture(t, "solo", agentDef{id: "solo", tools: []tool.Tool{record("first"), record("second")}})
	f.mocks["solo"].
		Enqueue(&model.Response{Calls: []session.ToolCall{
			toolCall("first", `{}`),
			toolCall("second", `{}`),
		}}).
		Enqueue(&model.Response{Text: "both done"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "do both", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, invoked)
	assert.Equal(t, 2, result.BudgetConsumed)

	// results are appended in invocation order
	assert.Equal(t, "first", result.History[2].ToolName)
	assert.Equal(t, "second", result.History[3].ToolName)
}

func TestRun_ToolFailureFedBack(t *testing.T) {
	failing, err := tool.NewFunctionTool("flaky", "always fails", map[string]any{
		"type": "object", "properties": map[string]any{},
	}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("device unreachable")
	})
	require.NoError(t, err)

	f := newFixture(t, "solo", agentDef{id: "solo", tools: []tool.Tool{failing}})
	f.mocks["solo"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("flaky", `{}`)}}).
		Enqueue(&model.Response{Text: "The device is unreachable right now"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "try it", nil)
	require.NoError(t, err)

	assert.Equal(t, "The device is unreachable right now", result.Text)

	// the failure reached the model as an error-tagged tool entry
	reqs := f.mocks["solo"].Requests()
	require.Len(t, reqs, 2)
	entry := reqs[1].History[2]
	assert.Equal(t, session.RoleTool, entry.Role)
	assert.Contains(t, entry.Error, "device unreachable")
}

func TestRun_SchemaMismatchDoesNotInvoke(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo", tools: []tool.Tool{echoTool(t)}})
	f.mocks["solo"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("echo", `{"text":42}`)}}).
		Enqueue(&model.Response{Text: "let me fix the arguments"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "go", nil)
	require.NoError(t, err)

	reqs := f.mocks["solo"].Requests()
	entry := reqs[1].History[2]
	assert.Contains(t, entry.Error, "validation")
	assert.Equal(t, 1, result.BudgetConsumed)
}

func TestRun_UnknownTargetFedBack(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.mocks["solo"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("ghost", `{}`)}}).
		Enqueue(&model.Response{Text: "sorry, no such capability"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "go", nil)
	require.NoError(t, err)

	reqs := f.mocks["solo"].Requests()
	entry := reqs[1].History[2]
	assert.Equal(t, session.RoleTool, entry.Role)
	assert.Contains(t, entry.Error, "ghost")
	assert.Equal(t, "sorry, no such capability", result.Text)
}

func TestRun_BudgetExhaustedIsTerminal(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo", tools: []tool.Tool{echoTool(t)}})
	// the model never stops asking for tool calls
	for i := 0; i < 5; i++ {
		f.mocks["solo"].Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("echo", `{"text":"again"}`)}})
	}

	_, err := f.orchestrator().Run(context.Background(), session.New("s1", 2), "loop forever", nil)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeBudgetExhausted, runErr.Code)
	assert.ErrorIs(t, err, session.ErrBudgetExhausted)
}

func TestRun_DelegationFailureContained(t *testing.T) {
	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}},
		agentDef{id: "kitchen"},
	)
	// kitchen's model id has no transport: the sub-turn fails terminally,
	// but the parent only sees a failed-call entry
	f.models = model.NewRegistry()
	f.models.Register("model-router", f.mocks["router"])

	f.mocks["router"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("kitchen", `{"task":"cook"}`)}}).
		Enqueue(&model.Response{Text: "the kitchen is offline"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "cook", nil)
	require.NoError(t, err)

	assert.Equal(t, "the kitchen is offline", result.Text)

	reqs := f.mocks["router"].Requests()
	entry := reqs[1].History[2]
	assert.Contains(t, entry.Error, "delegation to kitchen failed")
}

func TestRun_RecursiveDelegationFedBack(t *testing.T) {
	// Hand-built two-node loop: the builder rejects configured cycles, but a
	// model may still request delegation to an agent already on the stack.
	specA := &config.AgentSpec{Ref: config.Ref{Entry: "t", Subentry: "a"}, Name: "a", Model: "model-a"}
	specB := &config.AgentSpec{Ref: config.Ref{Entry: "t", Subentry: "b"}, Name: "b", Model: "model-b"}
	nodeA := &graph.Node{Spec: specA}
	nodeB := &graph.Node{Spec: specB}
	nodeA.Subagents = []*graph.Node{nodeB}
	nodeB.Subagents = []*graph.Node{nodeA}

	mockA := model.NewMock("model-a").
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("b", `{"task":"help me"}`)}}).
		Enqueue(&model.Response{Text: "resolved without recursion"})
	mockB := model.NewMock("model-b").
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("a", `{"task":"back to you"}`)}}).
		Enqueue(&model.Response{Text: "handled it myself"})

	models := model.NewRegistry()
	models.Register("model-a", mockA)
	models.Register("model-b", mockB)

	orch := New(&graph.Graph{Root: nodeA}, models, map[string]tool.Bindings{})

	result, err := orch.Run(context.Background(), session.New("s1", 10), "start", nil)
	require.NoError(t, err)

	assert.Equal(t, "resolved without recursion", result.Text)

	// b's second round-trip saw the rejected re-delegation as a failed call
	reqsB := mockB.Requests()
	require.Len(t, reqsB, 2)
	entry := reqsB[1].History[2]
	assert.Contains(t, entry.Error, "already active")
}

func TestRun_InvalidDelegationArgumentsFedBack(t *testing.T) {
	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}},
		agentDef{id: "kitchen"},
	)
	f.mocks["router"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("kitchen", `{"wrong":"field"}`)}}).
		Enqueue(&model.Response{Text: "retrying with a task"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "go", nil)
	require.NoError(t, err)

	assert.Equal(t, "retrying with a task", result.Text)
	// the subagent was never invoked
	assert.Empty(t, f.mocks["kitchen"].Requests())

	reqs := f.mocks["router"].Requests()
	assert.Contains(t, reqs[1].History[2].Error, "task")
}

func TestRun_ModelErrorRetriedWithinBudget(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.mocks["solo"].
		EnqueueError(errors.New("rate limited")).
		Enqueue(&model.Response{Text: "recovered"})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 5), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 1, result.BudgetConsumed)
}

func TestRun_ModelErrorTerminalWithoutBudget(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.mocks["solo"].EnqueueError(errors.New("rate limited"))

	_, err := f.orchestrator().Run(context.Background(), session.New("s1", 1), "hi", nil)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeModelUnavailable, runErr.Code)
}

func TestRun_UnknownModelIsTerminal(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.models = model.NewRegistry() // nothing registered

	_, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "hi", nil)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeModelUnavailable, runErr.Code)

	var unknownErr *model.UnknownModelError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestRun_ModelTimeoutRetried(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.mocks["solo"].
		EnqueueFunc(func(ctx context.Context, _ model.Request) (*model.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		Enqueue(&model.Response{Text: "made it after the timeout"})

	orch := f.orchestrator(func(o *Options) {
		o.ModelTimeout = 10 * time.Millisecond
	})

	result, err := orch.Run(context.Background(), session.New("s1", 5), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "made it after the timeout", result.Text)
	assert.Equal(t, 1, result.BudgetConsumed)
}

func TestRun_ToolTimeoutFedBack(t *testing.T) {
	slow, err := tool.NewFunctionTool("slow", "never finishes", map[string]any{
		"type": "object", "properties": map[string]any{},
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	f := newFixture(t, "solo", agentDef{id: "solo", tools: []tool.Tool{slow}})
	f.mocks["solo"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("slow", `{}`)}}).
		Enqueue(&model.Response{Text: "that took too long"})

	orch := f.orchestrator(func(o *Options) {
		o.ToolTimeout = 10 * time.Millisecond
	})

	result, err := orch.Run(context.Background(), session.New("s1", 10), "go", nil)
	require.NoError(t, err)

	assert.Equal(t, "that took too long", result.Text)

	reqs := f.mocks["solo"].Requests()
	assert.Contains(t, reqs[1].History[2].Error, "timed out")
}

func TestRun_HostCancellationAborts(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})

	ctx, cancel := context.WithCancel(context.Background())
	f.mocks["solo"].EnqueueFunc(func(mctx context.Context, _ model.Request) (*model.Response, error) {
		cancel()
		<-mctx.Done()
		return nil, mctx.Err()
	})

	_, err := f.orchestrator().Run(ctx, session.New("s1", 10), "hi", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_CancellationUnwindsDelegationStack(t *testing.T) {
	var invoked bool
	after, err := tool.NewFunctionTool("after", "runs after the delegation", map[string]any{
		"type": "object", "properties": map[string]any{},
	}, func(context.Context, map[string]any) (any, error) {
		invoked = true
		return "ran", nil
	})
	require.NoError(t, err)

	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}, tools: []tool.Tool{after}},
		agentDef{id: "kitchen"},
	)

	ctx, cancel := context.WithCancel(context.Background())

	// one response requesting a delegation and then a tool call; the host
	// cancels while the subagent's model call is pending
	f.mocks["router"].Enqueue(&model.Response{Calls: []session.ToolCall{
		toolCall("kitchen", `{"task":"cook"}`),
		toolCall("after", `{}`),
	}})
	f.mocks["kitchen"].EnqueueFunc(func(mctx context.Context, _ model.Request) (*model.Response, error) {
		cancel()
		<-mctx.Done()
		return nil, mctx.Err()
	})

	sess := session.New("s1", 10)
	_, err = f.orchestrator().Run(ctx, sess, "cook then report", nil)

	assert.ErrorIs(t, err, context.Canceled)
	// the abort unwound without executing the queued tool invocation
	assert.False(t, invoked)
	// and without leaving the subagent on the delegation stack
	assert.Empty(t, sess.DelegationStack())
}

func TestRun_UsageAccumulatesAcrossSubTurns(t *testing.T) {
	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}},
		agentDef{id: "kitchen"},
	)
	f.mocks["router"].
		Enqueue(&model.Response{
			Calls: []session.ToolCall{toolCall("kitchen", `{"task":"cook"}`)},
			Usage: model.Usage{TotalTokens: 10},
		}).
		Enqueue(&model.Response{Text: "done", Usage: model.Usage{TotalTokens: 20}})
	f.mocks["kitchen"].Enqueue(&model.Response{Text: "cooked", Usage: model.Usage{TotalTokens: 5}})

	result, err := f.orchestrator().Run(context.Background(), session.New("s1", 10), "cook", nil)
	require.NoError(t, err)

	assert.Equal(t, 35, result.Usage.TotalTokens)
}

func TestRun_InstructionProviderOverride(t *testing.T) {
	f := newFixture(t, "solo", agentDef{id: "solo"})
	f.mocks["solo"].Enqueue(&model.Response{Text: "ok"})

	orch := f.orchestrator(func(o *Options) {
		o.Instructions = map[string]instruction.Instruction{
			"solo": instruction.FromFunc(func(vars map[string]any) (string, error) {
				return "Serve {{.user}} politely.", nil
			}),
		}
	})

	_, err := orch.Run(context.Background(), session.New("s1", 10), "hi", map[string]any{"user": "Robin"})
	require.NoError(t, err)

	// provider output is template-expanded before reaching the model
	reqs := f.mocks["solo"].Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Serve Robin politely.", reqs[0].Instructions)
}

func TestRun_InstructionOverrideScopedToAgent(t *testing.T) {
	f := newFixture(t, "router",
		agentDef{id: "router", subagents: []string{"kitchen"}},
		agentDef{id: "kitchen"},
	)
	f.mocks["router"].
		Enqueue(&model.Response{Calls: []session.ToolCall{toolCall("kitchen", `{"task":"cook"}`)}}).
		Enqueue(&model.Response{Text: "done"})
	f.mocks["kitchen"].Enqueue(&model.Response{Text: "cooked"})

	orch := f.orchestrator(func(o *Options) {
		o.Instructions = map[string]instruction.Instruction{
			"kitchen": instruction.FromText("You are the kitchen specialist."),
		}
	})

	_, err := orch.Run(context.Background(), session.New("s1", 10), "cook", nil)
	require.NoError(t, err)

	// only the overridden agent sees the replacement instructions
	assert.Empty(t, f.mocks["router"].Requests()[0].Instructions)
	assert.Equal(t, "You are the kitchen specialist.", f.mocks["kitchen"].Requests()[0].Instructions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_model", StateAwaitingModel.String())
	assert.Equal(t, "executing_tool", StateExecutingTool.String())
	assert.Equal(t, "delegating", StateDelegating.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
