package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	Content    string
	Blocks     []ContentBlock
	StopReason StopReason
	Usage      TokenUsage
	Error      error
	// Delay holds the response back; the call returns early with ctx.Err()
	// if the context ends first.
	Delay time.Duration
}

// MockClient is a configurable mock LLM client for testing.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	respond   func(ChatRequest) MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
// Responses are returned in order; if exhausted, the last response repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// NewMockClientFunc creates a mock client that computes each response from the request.
func NewMockClientFunc(fn func(ChatRequest) MockResponse) *MockClient {
	return &MockClient{respond: fn}
}

// Chat returns the next configured response.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	content := resp.Blocks
	if content == nil && resp.Content != "" {
		content = []ContentBlock{TextBlock(resp.Content)}
	}
	stop := resp.StopReason
	if stop == "" {
		stop = StopEndTurn
	}

	return &ChatResponse{
		Content:    content,
		StopReason: stop,
		Usage:      resp.Usage,
	}, nil
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if m.respond != nil {
		return m.respond(req), nil
	}

	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}

	return m.responses[idx], nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
