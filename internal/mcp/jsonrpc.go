// ABOUTME: JSON-RPC 2.0 message types shared by the MCP client and server
// ABOUTME: IDs and params stay raw so either side can echo or decode them lazily

package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. A request without an ID is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request with a numeric ID.
func NewRequest(id int64, method string, params any) (*Request, error) {
	req, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	req.ID = json.RawMessage(strconv.FormatInt(id, 10))
	return req, nil
}

// NewNotification builds a request without an ID.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
