// ABOUTME: Tests for the MCP client against an in-memory transport
// ABOUTME: Covers the handshake, tool discovery, tool calls, and error layering

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response
	sent      []*Request
	notifs    []*Request
	resets    int
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string]*Response)}
}

func (m *mockTransport) addResult(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{JSONRPC: jsonrpcVersion, Result: data}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: code, Message: msg}}
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: unexpected method %s", ErrTransport, req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, req)
	return nil
}

func (m *mockTransport) Reset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResult("initialize", InitializeResult{
		ProtocolVersion: LatestProtocolVersion,
		ServerInfo:      Implementation{Name: "test-server", Version: "2.0.0"},
	})

	client := NewClient("test", mt, nil)
	require.NoError(t, client.Initialize(context.Background()))

	require.Len(t, mt.sent, 1)
	assert.Equal(t, "initialize", mt.sent[0].Method)
	assert.False(t, mt.sent[0].IsNotification())

	var params InitializeParams
	require.NoError(t, json.Unmarshal(mt.sent[0].Params, &params))
	assert.Equal(t, LatestProtocolVersion, params.ProtocolVersion)
	assert.Equal(t, "agent-bridge", params.ClientInfo.Name)

	require.Len(t, mt.notifs, 1)
	assert.Equal(t, "notifications/initialized", mt.notifs[0].Method)
	assert.True(t, mt.notifs[0].IsNotification())

	assert.Equal(t, 1, mt.resets)
	assert.Equal(t, "test-server", client.ServerInfo().Name)
}

func TestClient_InitializeRejected(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", CodeInvalidRequest, "authentication required")

	err := NewClient("test", mt, nil).Initialize(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	assert.Empty(t, mt.notifs)
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResult("tools/list", ListToolsResult{Tools: []Tool{
		{Name: "add", Description: "Add two numbers"},
		{Name: "echo"},
	}})

	tools, err := NewClient("test", mt, nil).ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "add", tools[0].Name)
}

func TestClient_CallTool(t *testing.T) {
	mt := newMockTransport()
	mt.addResult("tools/call", CallToolResult{Content: []Content{{Type: "text", Text: "5"}}})

	client := NewClient("test", mt, nil)
	result, err := client.CallTool(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "5", result.Text())

	var params CallToolParams
	require.NoError(t, json.Unmarshal(mt.sent[0].Params, &params))
	assert.Equal(t, "add", params.Name)
	assert.JSONEq(t, `{"a":2,"b":3}`, string(params.Arguments))
}

func TestClient_CallToolDefaultsArguments(t *testing.T) {
	mt := newMockTransport()
	mt.addResult("tools/call", CallToolResult{})

	_, err := NewClient("test", mt, nil).CallTool(context.Background(), "get_server_time", nil)
	require.NoError(t, err)

	var params CallToolParams
	require.NoError(t, json.Unmarshal(mt.sent[0].Params, &params))
	assert.JSONEq(t, `{}`, string(params.Arguments))
}

func TestClient_CallToolIsError(t *testing.T) {
	mt := newMockTransport()
	mt.addResult("tools/call", CallToolResult{Content: []Content{{Type: "text", Text: "division by zero"}}, IsError: true})

	result, err := NewClient("test", mt, nil).CallTool(context.Background(), "div", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "division by zero", result.Text())
}

func TestClient_TransportFailure(t *testing.T) {
	mt := newMockTransport()

	err := NewClient("test", mt, nil).Ping(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	mt := newMockTransport()
	mt.addResult("ping", struct{}{})

	client := NewClient("test", mt, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Ping(context.Background()))
	}
	assert.Equal(t, "1", string(mt.sent[0].ID))
	assert.Equal(t, "3", string(mt.sent[2].ID))
}

func TestCallToolResult_Text(t *testing.T) {
	r := &CallToolResult{Content: []Content{
		{Type: "text", Text: "first"},
		{Type: "image"},
		{Type: "text", Text: "second"},
	}}
	assert.Equal(t, "first\n[image]\nsecond", r.Text())
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	require.NoError(t, NewClient("test", mt, nil).Close())
	assert.True(t, mt.closed)
}
