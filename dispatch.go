package agentic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/skosovsky/agentic/jsonrepair"
)

// defaultMaxDistance is the edit-distance ceiling for fuzzy tool-name resolution.
const defaultMaxDistance = 3

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxDistance sets the maximum edit distance accepted when resolving a
// misspelled tool name. Zero disables fuzzy matching.
func WithMaxDistance(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxDistance = n
		}
	}
}

// WithParallelism bounds how many calls of one batch run concurrently.
// Zero or one keeps dispatch sequential.
func WithParallelism(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 1 {
			d.parallelism = n
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher turns a batch of model-produced tool calls into exactly one result
// per call. It never returns an error: unknown names, malformed arguments,
// handler failures, and panics all become readable IsError results so the model
// can self-correct. Resolution tolerates the naming drift models produce
// (casing, separators, small typos).
type Dispatcher struct {
	registry    *Registry
	maxDistance int
	parallelism int
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher over a registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		maxDistance: defaultMaxDistance,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Execute runs every call and returns one result per call, in input order, each
// carrying the originating call id. state, when non-nil, is attached to the
// context so tools can read the shared execution context.
func (d *Dispatcher) Execute(ctx context.Context, calls []ToolCall, state *State) []ToolResult {
	if len(calls) == 0 {
		return nil
	}
	if state != nil {
		ctx = ContextWithState(ctx, state)
	}

	results := make([]ToolResult, len(calls))
	if d.parallelism <= 1 || len(calls) == 1 {
		for i, call := range calls {
			results[i] = d.dispatchOne(ctx, call)
		}
		return results
	}

	// Worker pool bounded by parallelism; results land by input index so the
	// output order never depends on completion order.
	sem := make(chan struct{}, d.parallelism)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.dispatchOne(ctx, call)
		}()
	}
	wg.Wait()
	return results
}

// dispatchOne resolves, repairs, and executes a single call. Panics in tool code
// surface as masked IsError results.
func (d *Dispatcher) dispatchOne(ctx context.Context, call ToolCall) (res ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("dispatch: tool panic", "tool", call.Name, "panic", p)
			res = errorResult(call, (&SystemError{Err: &panicError{p: p}}).Error())
		}
	}()

	resolved, ok := d.resolve(call.Name)
	if !ok {
		return d.invalidToolResult(call)
	}
	if resolved != call.Name {
		d.logger.Debug("dispatch: resolved tool name", "requested", call.Name, "resolved", resolved)
		call.Name = resolved
	}

	call.Args = repairArgs(call.Args)

	out, err := d.registry.Execute(ctx, call)
	if err != nil {
		return errorResult(call, errorText(err))
	}
	return ToolResult{CallID: call.ID, Name: call.Name, Content: string(out)}
}

// resolve walks the ladder: exact name, normalized name, then unique fuzzy match
// within maxDistance.
func (d *Dispatcher) resolve(name string) (string, bool) {
	if _, ok := d.registry.GetTool(name); ok {
		return name, true
	}

	want := normalizeName(name)
	names := d.registry.Names()
	for _, candidate := range names {
		if normalizeName(candidate) == want {
			return candidate, true
		}
	}

	if d.maxDistance <= 0 {
		return "", false
	}
	best, bestDist, unique := "", d.maxDistance+1, true
	for _, candidate := range names {
		dist := levenshtein(want, normalizeName(candidate))
		switch {
		case dist < bestDist:
			best, bestDist, unique = candidate, dist, true
		case dist == bestDist:
			unique = false
		}
	}
	if best != "" && bestDist <= d.maxDistance && unique {
		return best, true
	}
	return "", false
}

// invalidToolResult synthesizes the self-correction result for an unresolvable
// name, listing what is actually callable.
func (d *Dispatcher) invalidToolResult(call ToolCall) ToolResult {
	names := d.registry.Names()
	var text string
	if len(names) == 0 {
		text = fmt.Sprintf("unknown tool %q: no tools are registered", call.Name)
	} else {
		text = fmt.Sprintf("unknown tool %q: valid tools are %s", call.Name, strings.Join(names, ", "))
	}
	return errorResult(call, text)
}

// repairArgs passes malformed JSON through structural repair. Valid arguments
// come back untouched; empty arguments become an empty object.
func repairArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(args) {
		return args
	}
	return json.RawMessage(jsonrepair.Repair(string(args)))
}

// errorText renders err for the model: ClientError reasons pass through verbatim,
// everything else is masked so internals never leak into the transcript.
func errorText(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return "tool not found"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "tool execution timed out"
	case errors.Is(err, context.Canceled):
		return "tool execution canceled"
	}
	return (&SystemError{}).Error()
}

func errorResult(call ToolCall, text string) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, Content: text, IsError: true}
}

// normalizeName folds a tool name to canonical snake_case: CamelCase humps become
// underscore-separated, separators collapse, everything lowercases. GetWeather,
// get-weather, and "Get Weather" all fold to get_weather.
func normalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	prevLower := false
	for _, r := range name {
		switch {
		case r == '-' || r == ' ' || r == '.' || r == '_':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return strings.Trim(b.String(), "_")
}

// levenshtein computes the edit distance between a and b with the classic
// two-row dynamic program.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
