package agentic

import (
	"context"
	"fmt"

	"github.com/skosovsky/agentic/rpc"
)

// BridgeTools fetches the remote tool descriptors from an RPC session and wraps
// each one as a local Tool that forwards calls over the wire. Remote schemas are
// compiled as-is; a descriptor without a schema gets a permissive object schema
// so the dispatcher can still route to it.
func BridgeTools(ctx context.Context, client *rpc.Client, opts ...ToolOption) ([]Tool, error) {
	descriptors, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: list remote tools: %w", err)
	}
	tools := make([]Tool, 0, len(descriptors))
	for _, desc := range descriptors {
		t, err := bridgeTool(client, desc, opts...)
		if err != nil {
			return nil, fmt.Errorf("bridge: tool %s: %w", desc.Name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// BridgeRegistry is BridgeTools with the results registered into a fresh
// Registry, ready to Merge into a local one.
func BridgeRegistry(ctx context.Context, client *rpc.Client, opts ...ToolOption) (*Registry, error) {
	tools, err := BridgeTools(ctx, client, opts...)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	for _, t := range tools {
		registry.Register(t)
	}
	return registry, nil
}

func bridgeTool(client *rpc.Client, desc rpc.ToolDescriptor, opts ...ToolOption) (Tool, error) {
	schema := desc.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	name := desc.Name
	return NewDynamicTool(
		name,
		desc.Description,
		schema,
		func(ctx context.Context, argsJSON []byte) ([]byte, error) {
			result, err := client.CallTool(ctx, name, argsJSON)
			if err != nil {
				return nil, &SystemError{Err: err}
			}
			text := result.Text()
			if result.IsError {
				// The remote tool failed in a way its own caller should read;
				// surface it for self-correction instead of masking it.
				return nil, &ClientError{Reason: text}
			}
			return []byte(text), nil
		},
		opts...,
	)
}
