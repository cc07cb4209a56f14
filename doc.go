// Package agentic is an engine for running LLM agents that call tools,
// delegate sub-tasks to other agents, and talk to child-process tool servers.
//
// # Overview
//
// Models produce tool calls as JSON. This package turns that JSON into concrete
// Go function calls and feeds the results back into a bounded generation loop:
// generate → dispatch (resolve name, repair arguments, execute) → append
// results → repeat until the model stops calling tools or the step limit fires.
//
// The Dispatcher never raises: unknown names, malformed arguments, handler
// errors, and panics all become readable IsError results the model can correct.
// Tool names are resolved tolerantly (GetWeather, get-weather, and small typos
// all reach get_weather).
//
// # Building blocks
//
//   - NewTool / NewDynamicTool build tools with JSON-Schema validation; a
//     Registry holds them and applies middleware (logging, recovery, timeout).
//   - Dispatcher turns a batch of ToolCalls into exactly one ToolResult each.
//   - Driver runs the generation loop against any Provider.
//   - Orchestrator routes tasks between Agents through an explicit delegation
//     stack with loop guardrails.
//   - BridgeTools adapts tools served by a child process (see the rpc
//     subpackage) into local Tools.
//
// Subpackages: jsonrepair (structural completion of truncated JSON), transport
// (retrying HTTP with SSE streaming), rpc (newline-delimited JSON-RPC over
// child-process stdio).
//
// # Example
//
//	type Args struct { City string `json:"city" jsonschema:"required"` }
//	type Out  struct { Temp float64 `json:"temp"` }
//	tool, err := agentic.NewTool("get_weather", "Get weather", func(_ context.Context, a Args) (Out, error) {
//	    return Out{Temp: 22.5}, nil
//	})
//	if err != nil { ... }
//	reg := agentic.NewRegistry()
//	reg.Register(tool)
//	driver := agentic.NewDriver(agentic.NewDispatcher(reg))
//	result, err := driver.Run(ctx, provider, messages, 8)
package agentic
