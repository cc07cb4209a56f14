package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors returned by the client.
var (
	ErrClosed           = errors.New("rpc: session closed")
	ErrHandshakeTimeout = errors.New("rpc: handshake timed out")
	ErrCallTimeout      = errors.New("rpc: call timed out")
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultCallTimeout      = 30 * time.Second

	// maxLineBytes bounds a single protocol line. Tool results can be
	// large; 1MB matches what our peers tolerate.
	maxLineBytes = 1024 * 1024
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientInfo sets the name/version announced during the handshake.
func WithClientInfo(info Info) ClientOption {
	return func(c *Client) {
		c.info = info
	}
}

// WithHandshakeTimeout bounds how long Handshake blocks for the
// initialize response.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithCallTimeout bounds every request/response round-trip.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is one side of an RPC session with a tool server. Request ids
// increase monotonically per session; every request either matches one
// response by id or times out. Safe for concurrent use.
type Client struct {
	info             Info
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger

	cmd     *exec.Cmd
	writer  io.Writer
	closer  io.Closer
	writeMu sync.Mutex

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan Message

	done      chan struct{}
	closeOnce sync.Once

	serverInfo   Info
	capabilities map[string]any
	initialized  bool
}

// Dial spawns command as a child process, attaches to its standard
// streams, and completes the initialize handshake. The returned client
// owns the process; Close terminates it.
func Dial(ctx context.Context, command string, args []string, opts ...ClientOption) (*Client, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rpc: start %s: %w", command, err)
	}

	c := Attach(stdout, stdin, opts...)
	c.cmd = cmd
	c.closer = stdin

	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Attach builds a client over an existing reader/writer pair without
// spawning a process or handshaking. Used for tests and for transports
// the caller manages itself; call Handshake before issuing requests.
func Attach(r io.Reader, w io.Writer, opts ...ClientOption) *Client {
	c := &Client{
		info:             Info{Name: "agentic", Version: "dev"},
		handshakeTimeout: defaultHandshakeTimeout,
		callTimeout:      defaultCallTimeout,
		logger:           slog.Default(),
		writer:           w,
		pending:          make(map[int64]chan Message),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if wc, ok := w.(io.Closer); ok && c.closer == nil {
		c.closer = wc
	}
	go c.readLoop(r)
	return c
}

// Handshake sends initialize, blocks (bounded by the handshake timeout)
// for the server info, then emits the initialized notification. It
// never hangs indefinitely.
func (c *Client) Handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.info,
		Capabilities:    map[string]any{},
	}
	raw, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("rpc: bad initialize result: %w", err)
	}
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.initialized = true

	return c.Notify(MethodInitialized, nil)
}

// ServerInfo returns the peer identity recorded during the handshake.
func (c *Client) ServerInfo() Info { return c.serverInfo }

// Capabilities returns the capabilities negotiated during the handshake.
func (c *Client) Capabilities() map[string]any { return c.capabilities }

// ListTools fetches the remote tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.callWithTimeout(ctx, MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("rpc: bad tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a remote tool. An error-shaped response becomes the
// returned error; a tool-level failure arrives as IsError on the result.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (CallToolResult, error) {
	raw, err := c.callWithTimeout(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("rpc: bad tools/call result: %w", err)
	}
	return result, nil
}

// ListResources fetches the remote resource descriptors.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	raw, err := c.callWithTimeout(ctx, MethodResourcesList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("rpc: bad resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	raw, err := c.callWithTimeout(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("rpc: bad resources/read result: %w", err)
	}
	return result, nil
}

// Notify sends a notification: no id, no response expected.
func (c *Client) Notify(method string, params any) error {
	msg := Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: marshal params: %w", err)
		}
		msg.Params = raw
	}
	return c.writeMessage(msg)
}

// Close tears the session down: pending calls fail with ErrClosed and
// the child process, if any, is terminated.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
		c.failPending(ErrClosed)
	})
	return err
}

func (c *Client) callWithTimeout(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	raw, err := c.call(ctx, method, params)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
	}
	return raw, err
}

// call issues one request and blocks for its response, matched by id.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	msg := Message{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal params: %w", err)
		}
		msg.Params = raw
	}

	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeMessage(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) writeMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("rpc: write: %w", err)
	}
	return nil
}

// readLoop routes incoming lines to their waiting callers. Malformed
// lines and server-initiated notifications are logged and dropped; the
// loop ends when the stream does, failing whatever is still pending.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("rpc: dropping malformed line", "error", err)
			continue
		}
		if msg.IsNotification() {
			c.logger.Debug("rpc: server notification", "method", msg.Method)
			continue
		}
		if msg.ID == nil {
			c.logger.Warn("rpc: dropping response without id")
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Warn("rpc: dropping response for unknown id", "id", *msg.ID)
			continue
		}
		ch <- msg
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("rpc: read loop ended", "error", err)
	}
	c.failPending(io.EOF)
}

// failPending wakes every outstanding call. Channels are buffered, so a
// caller that already received its response is unaffected.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- Message{JSONRPC: Version, ID: &id, Error: &Error{Code: CodeInternalError, Message: err.Error()}}:
		default:
		}
		delete(c.pending, id)
	}
}
