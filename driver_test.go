package agentic

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptProvider replays responses in order, repeating the last one when the
// script runs out.
type scriptProvider struct {
	script []*Response
	err    error

	mu       sync.Mutex
	calls    int
	requests []Request
}

func (p *scriptProvider) Generate(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	idx := p.calls
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.script) == 0 {
		return &Response{}, nil
	}
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	return p.script[idx], nil
}

func (p *scriptProvider) GenerateStream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
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

func newTestDriver(t *testing.T, opts ...DriverOption) *Driver {
	t.Helper()
	return NewDriver(NewDispatcher(weatherRegistry(t)), opts...)
}

func TestDriver_StopsWhenModelStopsCallingTools(t *testing.T) {
	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "get_weather", Args: raw(`{"location":"Oslo"}`)}}},
		{Text: "It is 22.5 degrees in Oslo."},
	}}
	d := newTestDriver(t)

	res, err := d.Run(context.Background(), provider, []Message{UserMessage("weather in Oslo?")}, 5)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, res.StopReason)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, "It is 22.5 degrees in Oslo.", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "c1", res.ToolCalls[0].ID)

	// Transcript: user, assistant(call), tool, assistant(final).
	require.Len(t, res.Messages, 4)
	assert.Equal(t, RoleUser, res.Messages[0].Role)
	assert.Equal(t, RoleAssistant, res.Messages[1].Role)
	assert.Equal(t, RoleTool, res.Messages[2].Role)
	assert.Equal(t, "c1", res.Messages[2].ToolCallID)
	assert.Equal(t, RoleAssistant, res.Messages[3].Role)
}

func TestDriver_MultiStepScenario(t *testing.T) {
	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "Search_Web", Args: raw(`{"query":"population of Oslo"}`)}}},
		{ToolCalls: []ToolCall{{ID: "c2", Name: "get_weather", Args: raw(`{"location":"Oslo"}`)}}},
		{Text: "Done."},
	}}
	d := newTestDriver(t)

	res, err := d.Run(context.Background(), provider, []Message{UserMessage("research Oslo")}, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Steps)
	require.Len(t, res.ToolCalls, 2)

	// Each tool message carries a non-error result, including the one whose
	// name needed normalization.
	var toolMsgs []Message
	for _, m := range res.Messages {
		if m.Role == RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Contains(t, toolMsgs[0].Content, "population of Oslo")
}

func TestDriver_MaxStepsObservable(t *testing.T) {
	// The model always calls a tool, so only the limit can stop the loop.
	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "get_weather", Args: raw(`{"location":"Oslo"}`)}}},
	}}
	d := newTestDriver(t)

	res, err := d.Run(context.Background(), provider, []Message{UserMessage("loop forever")}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxSteps)
	assert.Equal(t, StopMaxSteps, res.StopReason)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 3, provider.calls)
	// The transcript survives the cutoff: user + 3 x (assistant, tool).
	assert.Len(t, res.Messages, 7)
	assert.Len(t, res.ToolCalls, 3)
}

func TestDriver_MaxStepsClampedToOne(t *testing.T) {
	provider := &scriptProvider{script: []*Response{{Text: "hi"}}}
	d := newTestDriver(t)

	res, err := d.Run(context.Background(), provider, []Message{UserMessage("hi")}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, StopComplete, res.StopReason)
}

func TestDriver_DuplicateCallIDsEachGetResults(t *testing.T) {
	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{
			{ID: "dup", Name: "get_weather", Args: raw(`{"location":"A"}`)},
			{ID: "dup", Name: "get_weather", Args: raw(`{"location":"B"}`)},
		}},
		{Text: "done"},
	}}
	d := newTestDriver(t)

	res, err := d.Run(context.Background(), provider, []Message{UserMessage("go")}, 5)
	require.NoError(t, err)
	var toolMsgs int
	for _, m := range res.Messages {
		if m.Role == RoleTool {
			toolMsgs++
			assert.Equal(t, "dup", m.ToolCallID)
		}
	}
	assert.Equal(t, 2, toolMsgs)
}

func TestDriver_ProviderErrorPropagates(t *testing.T) {
	provider := &scriptProvider{err: errors.New("rate limited")}
	d := newTestDriver(t)

	res, err := d.Run(context.Background(), provider, []Message{UserMessage("hi")}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, 0, res.Steps)
}

func TestDriver_CancelledContext(t *testing.T) {
	provider := &scriptProvider{script: []*Response{{Text: "never"}}}
	d := newTestDriver(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Run(ctx, provider, []Message{UserMessage("hi")}, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, provider.calls)
}

func TestDriver_Hooks(t *testing.T) {
	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "get_weather", Args: raw(`{"location":"Oslo"}`)}}},
		{Text: "done"},
	}}
	var beforeCalls, afterCalls int
	var lastSent int
	d := newTestDriver(t,
		WithOnBeforeGenerate(func(_ context.Context, messages []Message) {
			beforeCalls++
			lastSent = len(messages)
		}),
		WithOnAfterGenerate(func(_ context.Context, resp *Response) {
			afterCalls++
			require.NotNil(t, resp)
		}),
	)

	_, err := d.Run(context.Background(), provider, []Message{UserMessage("go")}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, beforeCalls)
	assert.Equal(t, 2, afterCalls)
	// Second generate sees user + assistant + tool.
	assert.Equal(t, 3, lastSent)
}

func TestDriver_SharedStateReachesTools(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&minTool{name: "recall", execute: func(ctx context.Context, _ []byte) ([]byte, error) {
		s := StateFromContext(ctx)
		if s == nil {
			return nil, errors.New("no state")
		}
		goal, _ := s.Get("goal")
		return []byte(`{"goal":"` + goal + `"}`), nil
	}})
	state := NewState()
	state.Set("goal", "remember me")
	d := NewDriver(NewDispatcher(reg), WithSharedState(state))

	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "recall", Args: raw(`{}`)}}},
		{Text: "done"},
	}}
	res, err := d.Run(context.Background(), provider, []Message{UserMessage("go")}, 5)
	require.NoError(t, err)
	var found bool
	for _, m := range res.Messages {
		if m.Role == RoleTool {
			assert.Contains(t, m.Content, "remember me")
			found = true
		}
	}
	assert.True(t, found)
}

func TestDriver_ToolsPassedToProvider(t *testing.T) {
	provider := &scriptProvider{script: []*Response{{Text: "hi"}}}
	d := newTestDriver(t)

	_, err := d.Run(context.Background(), provider, []Message{UserMessage("hi")}, 1)
	require.NoError(t, err)
	require.Len(t, provider.requests, 1)
	var names []string
	for _, tool := range provider.requests[0].Tools {
		names = append(names, tool.Name())
	}
	assert.ElementsMatch(t, []string{"get_weather", "search_web"}, names)
}

func TestDriver_RunStream(t *testing.T) {
	provider := &scriptProvider{script: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "get_weather", Args: raw(`{"location":"Oslo"}`)}}},
		{Text: "sunny"},
	}}
	d := newTestDriver(t)

	var deltas []string
	res, err := d.RunStream(context.Background(), provider, []Message{UserMessage("go")}, 5, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StopComplete, res.StopReason)
	assert.Equal(t, []string{"sunny"}, deltas)
}

func TestDriver_RunStream_DeltaErrorAborts(t *testing.T) {
	provider := &scriptProvider{script: []*Response{{Text: "will not land"}}}
	d := newTestDriver(t)

	errAbort := errors.New("client went away")
	_, err := d.RunStream(context.Background(), provider, []Message{UserMessage("go")}, 5, func(string) error {
		return errAbort
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errAbort)
}

func TestDriver_DoesNotMutateInputMessages(t *testing.T) {
	provider := &scriptProvider{script: []*Response{{Text: "done"}}}
	d := newTestDriver(t)

	input := []Message{UserMessage("hi")}
	res, err := d.Run(context.Background(), provider, input, 1)
	require.NoError(t, err)
	assert.Len(t, input, 1)
	assert.Len(t, res.Messages, 2)
}
