package agentic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxDepth        = 3
	defaultGuardrailWindow = 10
	defaultRepeatThreshold = 3
	defaultAgentMaxSteps   = 8

	previewLen = 120
)

// Agent is one delegation target: a named persona with its own instructions,
// model, and tools.
type Agent struct {
	Name         string
	Description  string
	Instructions string
	Provider     Provider
	Registry     *Registry
	// MaxSteps bounds this agent's generation loop; zero uses the
	// orchestrator default.
	MaxSteps int
}

// Frame is one entry on the delegation stack.
type Frame struct {
	Agent    string
	ID       string
	PushedAt time.Time
}

// Record is the append-only history entry for one delegation, written whether
// the target succeeded, failed, or panicked.
type Record struct {
	ID            string
	From          string
	To            string
	TaskPreview   string
	TaskHash      string
	Depth         int
	Started       time.Time
	Duration      time.Duration
	ResultPreview string
	Err           error
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxDepth bounds the delegation stack depth, counting the root run.
func WithMaxDepth(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// WithGuardrailWindow sets how many recent delegations the loop guardrails
// inspect.
func WithGuardrailWindow(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithRepeatThreshold sets how many delegations to the same target within the
// window trip the guardrail.
func WithRepeatThreshold(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.repeatThreshold = n
		}
	}
}

// WithDefaultMaxSteps sets the per-agent step limit used when an Agent does not
// carry its own.
func WithDefaultMaxSteps(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultMaxSteps = n
		}
	}
}

// WithOrchestratorLogger sets the orchestrator logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator routes tasks between agents through an explicit delegation
// stack. Every delegation pushes a frame, runs the target's own generation
// loop, and pops the frame no matter how the target ended; the append-only
// record history is what the loop guardrails read.
type Orchestrator struct {
	agents map[string]*Agent
	state  *State
	logger *slog.Logger

	maxDepth        int
	window          int
	repeatThreshold int
	defaultMaxSteps int

	mu      sync.Mutex
	stack   []Frame
	records []Record
}

// NewOrchestrator creates an Orchestrator over the given agents.
func NewOrchestrator(agents []*Agent, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		agents:          make(map[string]*Agent, len(agents)),
		state:           NewState(),
		logger:          slog.Default(),
		maxDepth:        defaultMaxDepth,
		window:          defaultGuardrailWindow,
		repeatThreshold: defaultRepeatThreshold,
		defaultMaxSteps: defaultAgentMaxSteps,
	}
	for _, a := range agents {
		o.agents[a.Name] = a
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// State returns the shared execution context passed through the whole
// delegation tree.
func (o *Orchestrator) State() *State { return o.state }

// StackDepth returns the current delegation depth.
func (o *Orchestrator) StackDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.stack)
}

// Records returns a copy of the delegation history.
func (o *Orchestrator) Records() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Record, len(o.records))
	copy(out, o.records)
	return out
}

// Run executes task with the named agent as the tree root. The task is seeded
// into shared state as the goal every descendant can read.
func (o *Orchestrator) Run(ctx context.Context, agentName, task string) (StepResult, error) {
	agent, ok := o.agents[agentName]
	if !ok {
		return StepResult{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
	}
	o.state.Set("goal", task)
	return o.runAgent(ctx, agent, "user", task)
}

// Delegate hands task to the named target on behalf of the current stack top.
// Guardrail and depth refusals return a ClientError whose text instructs the
// calling model; the target is not invoked and no frame is pushed.
func (o *Orchestrator) Delegate(ctx context.Context, target, task, priority string) (string, error) {
	agent, ok := o.agents[target]
	if !ok {
		return "", &ClientError{
			Reason: fmt.Sprintf("unknown agent %q: valid agents are %s", target, strings.Join(o.agentNames(), ", ")),
			Err:    ErrUnknownAgent,
		}
	}

	if priority != "" {
		task = fmt.Sprintf("[priority: %s] %s", priority, task)
	}

	o.mu.Lock()
	caller := "user"
	if len(o.stack) > 0 {
		caller = o.stack[len(o.stack)-1].Agent
	}
	if reason, tripped := o.guardrailLocked(target, task); tripped {
		o.mu.Unlock()
		o.logger.Warn("delegate: guardrail tripped", "from", caller, "to", target, "reason", reason)
		return "", &ClientError{Reason: reason, Err: ErrGuardrail}
	}
	if len(o.stack) >= o.maxDepth {
		o.mu.Unlock()
		o.logger.Warn("delegate: depth limit", "from", caller, "to", target, "depth", o.maxDepth)
		return "", &ClientError{
			Reason: fmt.Sprintf("delegation depth limit (%d) reached: complete the task yourself with the tools you have", o.maxDepth),
			Err:    ErrMaxDepth,
		}
	}
	o.mu.Unlock()

	result, err := o.runAgent(ctx, agent, caller, task)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// runAgent pushes a frame, runs the agent's generation loop, and pops the frame
// via defer so push and pop stay balanced even when the agent panics. A record
// is appended on every path.
func (o *Orchestrator) runAgent(ctx context.Context, agent *Agent, caller, task string) (result StepResult, err error) {
	frame := Frame{Agent: agent.Name, ID: uuid.NewString(), PushedAt: time.Now()}

	o.mu.Lock()
	o.stack = append(o.stack, frame)
	depth := len(o.stack)
	o.mu.Unlock()
	o.logger.Info("delegate: push", "agent", agent.Name, "from", caller, "depth", depth)

	defer func() {
		if p := recover(); p != nil {
			err = &SystemError{Err: &panicError{p: p}}
			result = StepResult{}
		}
		o.mu.Lock()
		o.stack = o.stack[:len(o.stack)-1]
		o.records = append(o.records, Record{
			ID:            frame.ID,
			From:          caller,
			To:            agent.Name,
			TaskPreview:   preview(task),
			TaskHash:      taskHash(task),
			Depth:         depth,
			Started:       frame.PushedAt,
			Duration:      time.Since(frame.PushedAt),
			ResultPreview: preview(result.Text),
			Err:           err,
		})
		o.mu.Unlock()
		o.logger.Info("delegate: pop", "agent", agent.Name, "duration", time.Since(frame.PushedAt), "err", err)
	}()

	registry := o.buildAgentRegistry(agent)
	dispatcher := NewDispatcher(registry, WithDispatcherLogger(o.logger))
	driver := NewDriver(dispatcher, WithDriverLogger(o.logger), WithSharedState(o.state))

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = o.defaultMaxSteps
	}

	messages := []Message{
		SystemMessage(o.buildAgentContext(agent, caller, depth)),
		UserMessage(task),
	}
	result, err = driver.Run(ctx, agent.Provider, messages, maxSteps)
	if err != nil && result.StopReason == StopMaxSteps {
		// Hitting the step limit is a degraded outcome, not a failure; the
		// partial text still flows back to the caller.
		o.logger.Warn("delegate: agent hit step limit", "agent", agent.Name, "steps", result.Steps)
		err = nil
	}
	return result, err
}

// buildAgentRegistry composes the agent's own tools with one delegate_to_<name>
// tool per other registered agent.
func (o *Orchestrator) buildAgentRegistry(agent *Agent) *Registry {
	registry := NewRegistry()
	if agent.Registry != nil {
		registry.Merge(agent.Registry)
	}
	for name, target := range o.agents {
		if name == agent.Name {
			continue
		}
		if t, err := o.delegateTool(target); err == nil {
			registry.Register(t)
		} else {
			o.logger.Error("delegate: building delegate tool", "target", name, "error", err)
		}
	}
	return registry
}

// delegateTool builds the tool a model calls to hand work to target.
func (o *Orchestrator) delegateTool(target *Agent) (Tool, error) {
	desc := target.Description
	if desc == "" {
		desc = "Delegate a sub-task to the " + target.Name + " agent."
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The sub-task to hand off, fully self-contained.",
			},
			"priority": map[string]any{
				"type": "string",
				"enum": []any{"low", "normal", "high"},
			},
		},
		"required": []any{"task"},
	}
	name := target.Name
	return NewDynamicTool(
		"delegate_to_"+normalizeName(name),
		desc,
		schema,
		func(ctx context.Context, argsJSON []byte) ([]byte, error) {
			var args struct {
				Task     string `json:"task"`
				Priority string `json:"priority"`
			}
			if err := json.Unmarshal(argsJSON, &args); err != nil {
				return nil, wrapJSONParseError(err)
			}
			text, err := o.Delegate(ctx, name, args.Task, args.Priority)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"result": text})
		},
	)
}

// buildAgentContext renders the system prompt a delegated agent starts from:
// who called it, the shared goal, how much depth remains, and the shared state.
func (o *Orchestrator) buildAgentContext(agent *Agent, caller string, depth int) string {
	var b strings.Builder
	if agent.Instructions != "" {
		b.WriteString(agent.Instructions)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are the %s agent, working on behalf of %s.\n", agent.Name, caller)
	if goal, ok := o.state.Get("goal"); ok {
		fmt.Fprintf(&b, "Overall goal: %s\n", goal)
	}
	remaining := o.maxDepth - depth
	if remaining <= 0 {
		b.WriteString("You cannot delegate further; complete the task yourself.\n")
	} else {
		fmt.Fprintf(&b, "You may delegate at most %d more level(s) deep.\n", remaining)
	}
	if summary := o.state.Summary(); summary != "" {
		b.WriteString("Shared context:\n")
		b.WriteString(summary)
	}
	return strings.TrimSpace(b.String())
}

// guardrailLocked checks the recent history for delegation loops: the same
// target hit repeatThreshold times in the window, or the identical task already
// delegated to that target. Caller holds o.mu.
func (o *Orchestrator) guardrailLocked(target, task string) (string, bool) {
	start := len(o.records) - o.window
	if start < 0 {
		start = 0
	}
	recent := o.records[start:]

	sameTarget := 0
	hash := taskHash(task)
	for _, rec := range recent {
		if rec.To != target {
			continue
		}
		sameTarget++
		if rec.TaskHash == hash {
			return fmt.Sprintf("this exact task was already delegated to %s; use its previous result or try a different approach", target), true
		}
	}
	if sameTarget >= o.repeatThreshold-1 {
		return fmt.Sprintf("%s has already been delegated to %d time(s) recently; stop looping and synthesize an answer from the results you have", target, sameTarget), true
	}
	return "", false
}

func (o *Orchestrator) agentNames() []string {
	names := make([]string, 0, len(o.agents))
	for name := range o.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// taskHash fingerprints a task for duplicate detection, ignoring case and
// surrounding whitespace.
func taskHash(task string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(task))))
	return hex.EncodeToString(sum[:8])
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen] + "..."
}
