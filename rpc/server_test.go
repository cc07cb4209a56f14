package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	s := NewServer(WithServerInfo(Info{Name: "test-server", Version: "0.1.0"}))
	s.RegisterTool(ServerTool{
		Name:        "echo",
		Description: "Echoes its input",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", err
			}
			return p.Text, nil
		},
	})
	s.RegisterTool(ServerTool{
		Name: "boom",
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("kaboom")
		},
	})
	s.RegisterTool(ServerTool{
		Name: "panics",
		Handler: func(context.Context, json.RawMessage) (string, error) {
			panic("handler exploded")
		},
	})
	s.RegisterResource(ServerResource{
		URI:      "file:///readme",
		Name:     "readme",
		MimeType: "text/plain",
		Reader: func(context.Context) (string, error) {
			return "hello resource", nil
		},
	})
	return s
}

// serve runs the server over in-memory buffers and returns the response
// lines it produced.
func serve(t *testing.T, s *Server, input string) []Message {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), &out))

	var msgs []Message
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var m Message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		msgs = append(msgs, m)
	}
	return msgs
}

func reqLine(t *testing.T, id int64, method string, params any) string {
	t.Helper()
	msg := Message{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return string(data) + "\n"
}

func TestServer_Initialize(t *testing.T) {
	in := reqLine(t, 1, MethodInitialize, InitializeParams{ProtocolVersion: ProtocolVersion, ClientInfo: Info{Name: "c", Version: "1"}})
	msgs := serve(t, testServer(), in)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Error)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &result))
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestServer_ToolsList(t *testing.T) {
	msgs := serve(t, testServer(), reqLine(t, 1, MethodToolsList, nil))
	require.Len(t, msgs, 1)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &result))
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "echo", result.Tools[0].Name, "registration order preserved")
	assert.Contains(t, result.Tools[0].InputSchema, "properties")
}

func TestServer_ToolsCall(t *testing.T) {
	in := reqLine(t, 7, MethodToolsCall, CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)})
	msgs := serve(t, testServer(), in)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Error)
	require.NotNil(t, msgs[0].ID)
	assert.Equal(t, int64(7), *msgs[0].ID)

	var result CallToolResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &result))
	assert.False(t, result.IsError)
	assert.Equal(t, "hi", result.Text())
}

func TestServer_ToolErrorBecomesIsErrorResult(t *testing.T) {
	in := reqLine(t, 1, MethodToolsCall, CallToolParams{Name: "boom"})
	msgs := serve(t, testServer(), in)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Error, "tool failure is a result, not a protocol error")

	var result CallToolResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "kaboom")
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	in := reqLine(t, 42, MethodToolsCall, CallToolParams{Name: "panics"})
	msgs := serve(t, testServer(), in)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, CodeInternalError, msgs[0].Error.Code)
	require.NotNil(t, msgs[0].ID, "internal error keeps the original id")
	assert.Equal(t, int64(42), *msgs[0].ID)
}

func TestServer_MethodNotFound(t *testing.T) {
	msgs := serve(t, testServer(), reqLine(t, 1, "bogus/method", nil))
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, CodeMethodNotFound, msgs[0].Error.Code)
}

func TestServer_ParseError(t *testing.T) {
	msgs := serve(t, testServer(), "{not json\n")
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, CodeParseError, msgs[0].Error.Code)
}

func TestServer_NotificationsNeverAnswered(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/unknown_thing"}` + "\n"
	msgs := serve(t, testServer(), input)
	assert.Empty(t, msgs, "notifications must not produce response lines")
}

func TestServer_Resources(t *testing.T) {
	input := reqLine(t, 1, MethodResourcesList, nil) +
		reqLine(t, 2, MethodResourcesRead, ReadResourceParams{URI: "file:///readme"}) +
		reqLine(t, 3, MethodResourcesRead, ReadResourceParams{URI: "file:///missing"})
	msgs := serve(t, testServer(), input)
	require.Len(t, msgs, 3)

	var list ListResourcesResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &list))
	require.Len(t, list.Resources, 1)
	assert.Equal(t, "file:///readme", list.Resources[0].URI)

	var read ReadResourceResult
	require.NoError(t, json.Unmarshal(msgs[1].Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "hello resource", read.Contents[0].Text)
	assert.Equal(t, "text/plain", read.Contents[0].MimeType)

	require.NotNil(t, msgs[2].Error)
	assert.Equal(t, CodeInvalidParams, msgs[2].Error.Code)
}

func TestServer_RequestsServedBeforeInitialized(t *testing.T) {
	// The session state is tracked but not enforced; tools/list works
	// before the initialized notification arrives.
	msgs := serve(t, testServer(), reqLine(t, 1, MethodToolsList, nil))
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Error)
}

func TestClientServer_EndToEnd(t *testing.T) {
	s := testServer()

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		s.Serve(context.Background(), serverIn, serverOut)
	}()

	c := Attach(clientIn, clientOut, WithCallTimeout(2*time.Second), WithHandshakeTimeout(2*time.Second))
	defer func() {
		c.Close()
		clientOut.Close()
		clientIn.Close()
		select {
		case <-serveDone:
		case <-time.After(time.Second):
			t.Error("server did not stop")
		}
	}()

	require.NoError(t, c.Handshake(context.Background()))
	assert.Equal(t, "test-server", c.ServerInfo().Name)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 3)

	result, err := c.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"roundtrip"}`))
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", result.Text())

	read, err := c.ReadResource(context.Background(), "file:///readme")
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "hello resource", read.Contents[0].Text)
}
