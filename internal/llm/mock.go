package llm

import (
	"context"
	"sync"
	"time"
)

// MockInvoker is a deterministic, in-memory Invoker used by tests and by
// local development without network access. Responses are scripted per
// call index so retry scenarios (S2) can be reproduced.
type MockInvoker struct {
	mu        sync.Mutex
	Responses []MockResponse
	calls     int
	Available bool
}

// MockResponse scripts the outcome of one Invoke call.
type MockResponse struct {
	Response string
	Err      *InvokeError
	Delay    time.Duration
}

// NewMockInvoker builds a mock that always succeeds with resp unless
// Responses is populated via WithResponses.
func NewMockInvoker(resp string) *MockInvoker {
	return &MockInvoker{Responses: []MockResponse{{Response: resp}}, Available: true}
}

// WithResponses replaces the scripted call sequence.
func (m *MockInvoker) WithResponses(rs ...MockResponse) *MockInvoker {
	m.Responses = rs
	return m
}

func (m *MockInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if len(m.Responses) == 0 {
		return nil, &InvokeError{Type: ErrorProcess, Message: "mock invoker: no responses scripted"}
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	script := m.Responses[idx]

	if script.Delay > 0 {
		select {
		case <-time.After(script.Delay):
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &InvokeError{Type: ErrorTimeout, Message: "mock invoker: deadline exceeded"}
			}
			return nil, &InvokeError{Type: ErrorCancelled, Message: "mock invoker: cancelled"}
		}
	}

	if script.Err != nil {
		return nil, script.Err
	}
	return &Result{
		Prompt:     req.Prompt,
		Response:   script.Response,
		DurationMs: script.Delay.Milliseconds(),
		SessionID:  req.SessionID,
	}, nil
}

func (m *MockInvoker) CheckAvailable(ctx context.Context) bool {
	return m.Available
}

// CallCount reports how many times Invoke has been called, for test
// assertions on retry counts.
func (m *MockInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

