package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// sessionState tracks the connection lifecycle.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitialized
	stateClosed
)

// ServerTool is one tool exposed over the protocol. Handler returns the
// text result; an error becomes an IsError tools/call result so the
// remote caller can feed it back to its model.
type ServerTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args json.RawMessage) (string, error)
}

// ServerResource is one resource exposed over the protocol.
type ServerResource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Reader      func(ctx context.Context) (string, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the identity announced in the initialize result.
func WithServerInfo(info Info) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server exposes registered tools and resources to a single peer over
// newline-delimited JSON-RPC. One Server serves one connection.
type Server struct {
	info   Info
	logger *slog.Logger

	mu        sync.Mutex
	tools     map[string]ServerTool
	toolOrder []string
	resources map[string]ServerResource
	resOrder  []string
	state     sessionState

	handlers map[string]func(ctx context.Context, params json.RawMessage) (any, *Error)
}

// NewServer creates a Server with the given options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:      Info{Name: "agentic", Version: "dev"},
		logger:    slog.Default(),
		tools:     make(map[string]ServerTool),
		resources: make(map[string]ServerResource),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handlers = map[string]func(context.Context, json.RawMessage) (any, *Error){
		MethodInitialize:    s.handleInitialize,
		MethodToolsList:     s.handleToolsList,
		MethodToolsCall:     s.handleToolsCall,
		MethodResourcesList: s.handleResourcesList,
		MethodResourcesRead: s.handleResourcesRead,
	}
	return s
}

// RegisterTool adds a tool. A tool with the same name is replaced.
func (s *Server) RegisterTool(t ServerTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[t.Name]; !exists {
		s.toolOrder = append(s.toolOrder, t.Name)
	}
	s.tools[t.Name] = t
}

// RegisterResource adds a resource. A resource with the same URI is
// replaced.
func (s *Server) RegisterResource(r ServerResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[r.URI]; !exists {
		s.resOrder = append(s.resOrder, r.URI)
	}
	s.resources[r.URI] = r
}

// Serve reads line-delimited requests from r until EOF or ctx
// cancellation, writing one flushed response line per handled request.
// Requests are served even before the session reaches the initialized
// state; the state machine only tracks where the handshake stands.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	out := bufio.NewWriter(w)

	defer func() {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
	}()

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.writeResponse(out, Message{JSONRPC: Version, Error: &Error{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		if msg.IsNotification() {
			s.handleNotification(msg)
			continue
		}
		if msg.Method == "" {
			s.writeResponse(out, Message{JSONRPC: Version, ID: msg.ID, Error: &Error{Code: CodeInvalidRequest, Message: "invalid request"}})
			continue
		}

		s.writeResponse(out, s.dispatch(ctx, msg))
	}
	return scanner.Err()
}

// dispatch routes one request through the handler table. A handler
// panic becomes an internal-error response tagged with the original id.
func (s *Server) dispatch(ctx context.Context, msg Message) (resp Message) {
	resp = Message{JSONRPC: Version, ID: msg.ID}

	handler, ok := s.handlers[msg.Method]
	if !ok {
		resp.Error = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
		return resp
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("rpc: handler panic", "method", msg.Method, "panic", p)
			resp = Message{JSONRPC: Version, ID: msg.ID, Error: &Error{Code: CodeInternalError, Message: fmt.Sprintf("internal error: %v", p)}}
		}
	}()

	result, rpcErr := handler(ctx, msg.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternalError, Message: "marshal result: " + err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

// handleNotification processes a notification. Unknown methods are
// silently ignored; notifications never produce a response line.
func (s *Server) handleNotification(msg Message) {
	switch msg.Method {
	case MethodInitialized:
		s.mu.Lock()
		if s.state == stateUninitialized {
			s.state = stateInitialized
		}
		s.mu.Unlock()
		s.logger.Debug("rpc: session initialized")
	default:
		s.logger.Debug("rpc: ignoring notification", "method", msg.Method)
	}
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (any, *Error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}
	s.logger.Debug("rpc: initialize", "client", p.ClientInfo.Name, "version", p.ClientInfo.Version)
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      s.info,
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
		},
	}, nil
}

func (s *Server) handleToolsList(_ context.Context, _ json.RawMessage) (any, *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]ToolDescriptor, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		t := s.tools[name]
		tools = append(tools, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return ListToolsResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	s.mu.Lock()
	tool, ok := s.tools[p.Name]
	s.mu.Unlock()
	if !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", p.Name)}
	}

	text, err := tool.Handler(ctx, p.Arguments)
	if err != nil {
		// Tool failures travel as results, not protocol errors, so the
		// remote model can self-correct.
		return CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
}

func (s *Server) handleResourcesList(_ context.Context, _ json.RawMessage) (any, *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resources := make([]ResourceDescriptor, 0, len(s.resOrder))
	for _, uri := range s.resOrder {
		r := s.resources[uri]
		resources = append(resources, ResourceDescriptor{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return ListResourcesResult{Resources: resources}, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	s.mu.Lock()
	res, ok := s.resources[p.URI]
	s.mu.Unlock()
	if !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource: %s", p.URI)}
	}

	text, err := res.Reader(ctx)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return ReadResourceResult{Contents: []ResourceContents{{URI: res.URI, MimeType: res.MimeType, Text: text}}}, nil
}

// writeResponse marshals and writes one response line, flushed
// immediately so the peer's line reader sees it without buffering lag.
func (s *Server) writeResponse(w *bufio.Writer, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("rpc: marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("rpc: write response", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		s.logger.Warn("rpc: flush response", "error", err)
	}
}
