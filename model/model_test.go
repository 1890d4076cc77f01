package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famulus-ai/famulus/session"
)

func TestRegistry_Model(t *testing.T) {
	r := NewRegistry()
	m := NewMock("gpt-test")
	r.Register("gpt-test", m)

	got, err := r.Model("gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", got.Info().Name)

	_, err = r.Model("absent")
	var unknownErr *UnknownModelError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "absent", unknownErr.ID)
}

func TestRegistry_Fallback(t *testing.T) {
	r := NewRegistry()
	fallback := NewMock("fallback")
	r.SetFallback(fallback)

	got, err := r.Model("anything")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Info().Name)
}

func TestMock_ScriptedSteps(t *testing.T) {
	m := NewMock("scripted").
		Enqueue(&Response{Text: "one"}).
		EnqueueError(errors.New("flaky")).
		Enqueue(&Response{Text: "two"})

	resp, err := m.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Text)

	_, err = m.Complete(context.Background(), Request{})
	assert.EqualError(t, err, "flaky")

	resp, err = m.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Text)
}

func TestMock_EchoesWhenScriptEmpty(t *testing.T) {
	m := NewMock("echo")

	resp, err := m.Complete(context.Background(), Request{
		History: []session.Message{{Role: session.RoleUser, Text: "ping"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "ping")
}

func TestMock_RecordsRequests(t *testing.T) {
	m := NewMock("recorder").Enqueue(&Response{Text: "ok"})

	_, err := m.Complete(context.Background(), Request{Instructions: "be brief"})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].Instructions)
}

func TestMock_RespectsCancelledContext(t *testing.T) {
	m := NewMock("cancelled").Enqueue(&Response{Text: "never"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUsage_Add(t *testing.T) {
	var u Usage
	u.Add(Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	u.Add(Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5})

	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}, u)
}

func TestResponse_HasCalls(t *testing.T) {
	assert.False(t, (&Response{Text: "plain"}).HasCalls())
	assert.True(t, (&Response{Calls: []session.ToolCall{{Name: "clock"}}}).HasCalls())
}
