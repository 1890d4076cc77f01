package model

import (
	"context"
	"fmt"
	"sync"
)

// CompleteFunc lets a scripted step compute its response from the request,
// block, or fail. Useful for timeout and cancellation tests.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

type mockStep struct {
	resp *Response
	err  error
	fn   CompleteFunc
}

// Mock is a scripted in-memory Model for tests and API-key-free examples.
// Steps are consumed in FIFO order, one per Complete call; when the script
// is empty, Complete echoes the last user message. Every received Request is
// recorded for assertions.
type Mock struct {
	mu       sync.Mutex
	name     string
	steps    []mockStep
	requests []Request
}

// NewMock constructs an empty scripted model.
func NewMock(name string) *Mock {
	return &Mock{name: name}
}

// Enqueue appends a scripted response.
func (m *Mock) Enqueue(resp *Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{resp: resp})
	return m
}

// EnqueueError appends a scripted failure.
func (m *Mock) EnqueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{err: err})
	return m
}

// EnqueueFunc appends a scripted step computed at call time.
func (m *Mock) EnqueueFunc(fn CompleteFunc) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{fn: fn})
	return m
}

// Requests returns a copy of every Request received so far, in order.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Complete implements Model.
func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var step mockStep
	scripted := len(m.steps) > 0
	if scripted {
		step = m.steps[0]
		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !scripted {
		for i := len(req.History) - 1; i >= 0; i-- {
			if req.History[i].Role == "user" {
				return &Response{Text: fmt.Sprintf("Mock response to: %s", req.History[i].Text)}, nil
			}
		}
		return &Response{Text: "Mock response"}, nil
	}

	if step.fn != nil {
		return step.fn(ctx, req)
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

// Info implements Model.
func (m *Mock) Info() Info {
	return Info{Name: m.name, Provider: "mock", SupportsTools: true}
}
