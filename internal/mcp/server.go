// ABOUTME: MCP server over Streamable HTTP that exposes registered Go tool handlers
// ABOUTME: Used by the fake tool server and by tests that need a real MCP peer

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-bridge/internal/auth"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ToolHandler runs one tool call. A returned error becomes an isError result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*CallToolResult, error)

type registeredTool struct {
	def     Tool
	handler ToolHandler
}

// session tracks an active MCP client session.
type session struct {
	id              string
	protocolVersion string
	ownerToken      string
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create(protocolVersion, ownerToken string) *session {
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) clear() int {
	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	return n
}

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Name    string
	Version string
	Logger  *slog.Logger
	// TokenVerifier, when set, requires a bearer token on initialize.
	TokenVerifier auth.TokenVerifier
	// StreamResponses answers with text/event-stream when the client accepts it.
	StreamResponses bool
}

// Server implements the MCP Streamable HTTP endpoint for a set of tools.
type Server struct {
	info     Implementation
	logger   *slog.Logger
	verifier auth.TokenVerifier
	stream   bool
	sessions *sessionStore

	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewServer creates a server with no tools registered.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "agent-bridge-tools"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	return &Server{
		info:     Implementation{Name: cfg.Name, Version: cfg.Version},
		logger:   logger.With("component", "mcp_server"),
		verifier: cfg.TokenVerifier,
		stream:   cfg.StreamResponses,
		sessions: newSessionStore(),
		tools:    make(map[string]registeredTool),
	}
}

// AddTool registers a tool, replacing any previous one with the same name.
func (s *Server) AddTool(def Tool, handler ToolHandler) {
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	s.mu.Lock()
	s.tools[def.Name] = registeredTool{def: def, handler: handler}
	s.mu.Unlock()
}

// ExpireSessions forgets every session; clients must re-initialize.
func (s *Server) ExpireSessions() int {
	return s.sessions.clear()
}

// ServeHTTP is the single MCP endpoint supporting POST and DELETE.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated streams.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. The caller must present the same credentials as initialize.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.ownerToken != "" && bearerToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes one JSON-RPC message.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, r, nil, CodeParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, r, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, r, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != jsonrpcVersion {
		s.sendError(w, r, req.ID, CodeInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	sessionID := r.Header.Get(SessionHeader)

	if v := r.Header.Get(ProtocolHeader); !isInitialize && v != "" && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if isInitialize {
		if s.verifier != nil {
			token := bearerToken(r)
			if token == "" {
				s.sendError(w, r, req.ID, CodeInvalidRequest, "authentication required")
				return
			}
			if _, err := s.verifier.Verify(token); err != nil {
				s.sendError(w, r, req.ID, CodeInvalidRequest, "invalid or expired token")
				return
			}
		}
	} else {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.get(sessionID); !ok {
			// Session expired or invalid; the client must re-initialize.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request", "method", req.Method, "session_id", sessionID)

	if req.IsNotification() {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendResult(w, r, req.ID, struct{}{})
	case "tools/list":
		s.handleToolsList(w, r, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendError(w, r, req.ID, CodeMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, r, req.ID, CodeInvalidParams, "invalid params")
			return
		}
	}
	version := LatestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	sess := s.sessions.create(version, bearerToken(r))
	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
		"client", params.ClientInfo.Name,
	)

	w.Header().Set(SessionHeader, sess.id)
	s.sendResult(w, r, req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      s.info,
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req Request) {
	s.mu.RLock()
	tools := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.def)
	}
	s.mu.RUnlock()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	s.sendResult(w, r, req.ID, ListToolsResult{Tools: tools})
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req Request) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, r, req.ID, CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, r, req.ID, CodeInvalidParams, "tool name is required")
		return
	}

	s.mu.RLock()
	tool, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		s.sendError(w, r, req.ID, CodeInvalidParams, "tool not found")
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	result, err := tool.handler(r.Context(), args)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("tool call abandoned", "tool_name", params.Name, "error", err)
		s.sendError(w, r, req.ID, CodeInternalError, "request cancelled")
		return
	case err != nil:
		result = TextResult(err.Error(), true)
	case result == nil:
		result = &CallToolResult{Content: []Content{}}
	}

	s.logger.Debug("tools/call complete", "tool_name", params.Name, "is_error", result.IsError)
	s.sendResult(w, r, req.ID, result)
}

func (s *Server) sendResult(w http.ResponseWriter, r *http.Request, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.sendError(w, r, id, CodeInternalError, "failed to encode result")
		return
	}
	s.send(w, r, Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, id json.RawMessage, code int, message string) {
	s.send(w, r, Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, resp Response) {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
		return
	}

	if s.stream && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write([]byte("event: message\ndata: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}
