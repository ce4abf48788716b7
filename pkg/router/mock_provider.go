package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MockProvider is a test provider that records calls and returns
// configurable responses. It implements Provider for both unary and
// streaming calls.
type MockProvider struct {
	name      string
	features  []Feature
	chunkSize int
	latency   time.Duration
	responses []MockResponse
	calls     []MockCall
	mu        sync.Mutex
	respIndex int
}

// MockResponse is a pre-configured response for the mock provider.
type MockResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *UsageCounts
	Metadata  map[string]any
	Error     error
}

// MockCall records one call to Chat or Stream.
type MockCall struct {
	Request   *ChatRequest
	Streaming bool
}

// NewMockProvider creates a mock provider for testing. It advertises
// every capability by default.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		features:  []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage},
		chunkSize: 8,
	}
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	return m.name
}

// Capabilities returns the configured feature set.
func (m *MockProvider) Capabilities() FeatureSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewFeatureSet(m.features...)
}

// SetFeatures replaces the advertised capability set.
func (m *MockProvider) SetFeatures(features ...Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = features
}

// SetLatency makes every call sleep before answering, honouring
// context cancellation.
func (m *MockProvider) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetChunkSize controls how many bytes each streamed delta carries.
func (m *MockProvider) SetChunkSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.chunkSize = n
	}
}

// Chat records the call and returns the next configured response.
func (m *MockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	next, latency := m.take(req, false)
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, &ProviderError{Kind: ProviderErrCancelled, Model: req.Model, Message: ctx.Err().Error()}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Kind: ProviderErrCancelled, Model: req.Model, Message: err.Error()}
	}
	if next.Error != nil {
		return nil, next.Error
	}
	resp := &ChatResponse{
		Content:   next.Content,
		ToolCalls: next.ToolCalls,
		Metadata:  next.Metadata,
	}
	if next.Usage != nil {
		resp.Usage = *next.Usage
	}
	return resp, nil
}

// Stream records the call and replays the next configured response as
// deltas followed by tool fragments and a finish event.
func (m *MockProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan ProviderEvent, error) {
	next, latency := m.take(req, true)
	if next.Error != nil {
		return nil, next.Error
	}

	chunkSize := m.chunkSize
	out := make(chan ProviderEvent)
	go func() {
		defer close(out)
		// The consumer may already have stopped reading; never strand
		// this goroutine on the cancellation notice.
		cancelled := func() {
			ev := ProviderEvent{Type: ProviderEventError, Err: &ProviderError{Kind: ProviderErrCancelled, Model: req.Model, Message: ctx.Err().Error()}}
			select {
			case out <- ev:
			default:
			}
		}
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-ctx.Done():
				cancelled()
				return
			}
		}
		content := next.Content
		for len(content) > 0 {
			n := chunkSize
			if n > len(content) {
				n = len(content)
			}
			select {
			case out <- ProviderEvent{Type: ProviderEventDelta, Delta: content[:n]}:
			case <-ctx.Done():
				cancelled()
				return
			}
			content = content[n:]
		}
		for _, tc := range next.ToolCalls {
			// Args split across two fragments exercises accumulation.
			args := marshalArgs(tc.Args)
			half := len(args) / 2
			frags := []ProviderEvent{
				{Type: ProviderEventToolFragment, ToolID: tc.ID, NameDelta: tc.Name, ArgsDelta: args[:half]},
				{Type: ProviderEventToolFragment, ToolID: tc.ID, ArgsDelta: args[half:]},
			}
			for _, f := range frags {
				select {
				case out <- f:
				case <-ctx.Done():
					cancelled()
					return
				}
			}
		}
		finish := ProviderEvent{Type: ProviderEventFinish, FinishReason: "stop", Metadata: next.Metadata}
		if next.Usage != nil {
			finish.Usage = next.Usage
		}
		select {
		case out <- finish:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// take records a call and pops the next scripted response.
func (m *MockProvider) take(req *ChatRequest, streaming bool) (MockResponse, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Request: req, Streaming: streaming})
	if m.respIndex < len(m.responses) {
		resp := m.responses[m.respIndex]
		m.respIndex++
		return resp, m.latency
	}
	return MockResponse{
		Content: "Mock response",
		Usage:   &UsageCounts{PromptTokens: 10, CompletionTokens: 5},
	}, m.latency
}

// SetResponses configures the responses returned in order.
func (m *MockProvider) SetResponses(responses []MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.respIndex = 0
}

// AddResponse queues a plain content response with default usage.
func (m *MockProvider) AddResponse(content string, toolCalls []ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage:     &UsageCounts{PromptTokens: 10, CompletionTokens: 5},
	})
}

// AddErrorResponse queues an error.
func (m *MockProvider) AddErrorResponse(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
}

// GetCalls returns all recorded calls.
func (m *MockProvider) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.calls...)
}

// GetCallCount returns how many times the provider was invoked.
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the most recent call, or nil.
func (m *MockProvider) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return &m.calls[len(m.calls)-1]
}

// Reset clears recorded calls and scripted responses.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.responses = nil
	m.respIndex = 0
}

// marshalArgs renders tool args as JSON for streaming replay. Consumers
// only reassemble the fragments, so formatting does not matter.
func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
