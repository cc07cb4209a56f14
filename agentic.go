package agentic

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is the contract for a model-callable instrument.
// It is provider-agnostic (no knowledge of OpenAI, Anthropic, etc.).
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a valid JSON Schema as map (compatible with LLM tool definitions).
	Parameters() map[string]any
	// Execute runs the tool with raw JSON arguments and returns the JSON result.
	// Errors intended for the model's self-correction are ClientError; everything
	// else is wrapped as SystemError before it reaches the caller.
	Execute(ctx context.Context, argsJSON []byte) ([]byte, error)
}

// ToolMetadata is implemented by tools created with NewTool and provides optional per-tool
// settings. The Registry uses Timeout() to override the default execution timeout when set.
// Other methods expose tags, version, and dangerous flag for orchestration or discovery.
type ToolMetadata interface {
	Timeout() time.Duration
	Tags() []string
	Version() string
	IsDangerous() bool
}

// ToolCall is a single execution request (as produced by the model).
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage // JSON payload of arguments
}

// ToolResult is the outcome of one ToolCall. Exactly one result exists per call,
// correlated by CallID. IsError marks content the model should treat as a failure
// it can correct; the content is always text the model can read.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message roles in a conversation transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry. Assistant messages may carry ToolCalls;
// tool messages carry the result for exactly one call, correlated by ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message with optional tool calls.
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage builds a tool-role message from one result.
func ToolMessage(res ToolResult) Message {
	return Message{Role: RoleTool, Content: res.Content, ToolCallID: res.CallID}
}
