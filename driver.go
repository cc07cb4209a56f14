package agentic

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Request is what a Provider needs to produce the next assistant turn.
type Request struct {
	Messages []Message
	Tools    []Tool
}

// Response is one assistant turn: text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Provider is the uniform model interface the driver speaks. Implementations
// adapt a concrete LLM API (or a scripted fake in tests) to this shape.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StreamProvider is a Provider that can additionally stream text deltas while
// generating. Tool calls are delivered only on the final Response, once their
// arguments are complete.
type StreamProvider interface {
	Provider
	GenerateStream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error)
}

// StopReason explains why a run ended.
type StopReason string

const (
	// StopComplete means the model produced a turn with no tool calls.
	StopComplete StopReason = "complete"
	// StopMaxSteps means the step limit cut the loop before the model finished.
	StopMaxSteps StopReason = "max_steps"
)

// StepResult is the outcome of one driver run. On StopMaxSteps it still carries
// the full transcript accumulated so far.
type StepResult struct {
	Text       string
	Messages   []Message
	ToolCalls  []ToolCall
	Steps      int
	StopReason StopReason
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the driver logger.
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithSharedState attaches a State the dispatcher passes to every tool.
func WithSharedState(s *State) DriverOption {
	return func(d *Driver) {
		d.state = s
	}
}

// WithOnBeforeGenerate sets a hook called before each model call with the
// transcript about to be sent.
func WithOnBeforeGenerate(fn func(ctx context.Context, messages []Message)) DriverOption {
	return func(d *Driver) {
		d.onBeforeGenerate = fn
	}
}

// WithOnAfterGenerate sets a hook called after each successful model call.
func WithOnAfterGenerate(fn func(ctx context.Context, resp *Response)) DriverOption {
	return func(d *Driver) {
		d.onAfterGenerate = fn
	}
}

// Driver runs the generate/dispatch loop: ask the model for a turn, execute its
// tool calls, feed the results back, repeat until the model stops calling tools
// or the step limit fires.
type Driver struct {
	dispatcher *Dispatcher
	state      *State
	logger     *slog.Logger

	onBeforeGenerate func(ctx context.Context, messages []Message)
	onAfterGenerate  func(ctx context.Context, resp *Response)
}

// NewDriver creates a Driver over a dispatcher.
func NewDriver(dispatcher *Dispatcher, opts ...DriverOption) *Driver {
	d := &Driver{
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run drives the loop for at most maxSteps model turns. When the limit fires,
// the returned result has StopMaxSteps and the error matches ErrMaxSteps; the
// transcript and executed calls are still fully populated so the caller can
// inspect or resume.
func (d *Driver) Run(ctx context.Context, provider Provider, messages []Message, maxSteps int) (StepResult, error) {
	return d.run(ctx, messages, maxSteps, func(ctx context.Context, req Request) (*Response, error) {
		return provider.Generate(ctx, req)
	})
}

// RunStream is Run with text deltas forwarded to onDelta as they arrive. A delta
// callback error aborts the run.
func (d *Driver) RunStream(ctx context.Context, provider StreamProvider, messages []Message, maxSteps int, onDelta func(string) error) (StepResult, error) {
	return d.run(ctx, messages, maxSteps, func(ctx context.Context, req Request) (*Response, error) {
		return provider.GenerateStream(ctx, req, onDelta)
	})
}

func (d *Driver) run(ctx context.Context, messages []Message, maxSteps int, generate func(context.Context, Request) (*Response, error)) (StepResult, error) {
	if maxSteps <= 0 {
		maxSteps = 1
	}
	msgs := slices.Clone(messages)
	tools := d.dispatcher.registry.GetAllTools()

	var executed []ToolCall
	lastText := ""

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return StepResult{Text: lastText, Messages: msgs, ToolCalls: executed, Steps: step - 1}, err
		}
		if d.onBeforeGenerate != nil {
			d.onBeforeGenerate(ctx, msgs)
		}

		resp, err := generate(ctx, Request{Messages: msgs, Tools: tools})
		if err != nil {
			return StepResult{Text: lastText, Messages: msgs, ToolCalls: executed, Steps: step - 1},
				fmt.Errorf("generate step %d: %w", step, err)
		}
		if d.onAfterGenerate != nil {
			d.onAfterGenerate(ctx, resp)
		}
		lastText = resp.Text

		if len(resp.ToolCalls) == 0 {
			msgs = append(msgs, AssistantMessage(resp.Text))
			return StepResult{
				Text:       resp.Text,
				Messages:   msgs,
				ToolCalls:  executed,
				Steps:      step,
				StopReason: StopComplete,
			}, nil
		}

		msgs = append(msgs, AssistantMessage(resp.Text, resp.ToolCalls...))
		d.logger.Debug("driver: dispatching tool calls", "step", step, "calls", len(resp.ToolCalls))
		results := d.dispatcher.Execute(ctx, resp.ToolCalls, d.state)
		for _, res := range results {
			msgs = append(msgs, ToolMessage(res))
		}
		executed = append(executed, resp.ToolCalls...)
	}

	d.logger.Warn("driver: step limit reached", "maxSteps", maxSteps)
	return StepResult{
		Text:       lastText,
		Messages:   msgs,
		ToolCalls:  executed,
		Steps:      maxSteps,
		StopReason: StopMaxSteps,
	}, fmt.Errorf("%w: %d steps", ErrMaxSteps, maxSteps)
}
