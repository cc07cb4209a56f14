// Package testutil provides test helpers for agentic (e.g. MockTool, MockProvider).
package testutil

import (
	"context"
	"sync"

	"github.com/skosovsky/agentic"
)

// MockTool is a configurable Tool implementation for tests.
type MockTool struct {
	NameVal   string
	DescVal   string
	ParamsVal map[string]any
	ExecuteFn func(ctx context.Context, args []byte) ([]byte, error)
}

// Name returns the tool name.
func (m *MockTool) Name() string {
	if m.NameVal != "" {
		return m.NameVal
	}
	return "mock"
}

// Description returns the tool description.
func (m *MockTool) Description() string {
	return m.DescVal
}

// Parameters returns the parameters schema (or empty map).
func (m *MockTool) Parameters() map[string]any {
	if m.ParamsVal != nil {
		return m.ParamsVal
	}
	return map[string]any{}
}

// Execute runs ExecuteFn if set, otherwise returns an empty result.
func (m *MockTool) Execute(ctx context.Context, args []byte) ([]byte, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, args)
	}
	return []byte(`{}`), nil
}

// Ensure MockTool implements Tool.
var _ agentic.Tool = (*MockTool)(nil)

// MockProvider replays a script of responses, one per Generate call. Requests
// are recorded for assertions. When the script runs out, the final response is
// repeated (so loops terminate deterministically).
type MockProvider struct {
	Script []*agentic.Response

	mu       sync.Mutex
	calls    int
	Requests []agentic.Request
}

// NewMockProvider builds a provider that replays responses in order.
func NewMockProvider(responses ...*agentic.Response) *MockProvider {
	return &MockProvider{Script: responses}
}

// Generate returns the next scripted response.
func (p *MockProvider) Generate(_ context.Context, req agentic.Request) (*agentic.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	idx := p.calls
	p.calls++
	if len(p.Script) == 0 {
		return &agentic.Response{}, nil
	}
	if idx >= len(p.Script) {
		idx = len(p.Script) - 1
	}
	return p.Script[idx], nil
}

// GenerateStream replays the next scripted response, emitting its text as a
// single delta.
func (p *MockProvider) GenerateStream(ctx context.Context, req agentic.Request, onDelta func(string) error) (*agentic.Response, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Text != "" {
		if err := onDelta(resp.Text); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Calls returns how many times Generate ran.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ agentic.StreamProvider = (*MockProvider)(nil)
