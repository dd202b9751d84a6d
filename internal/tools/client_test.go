// ABOUTME: Tests for the tool server client state machine and invoke qualification
// ABOUTME: Uses a scripted session for state transitions and a real MCP server for the wire path

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-bridge/internal/mcp"
	"github.com/2389/agent-bridge/internal/retry"
)

// fakeSession scripts the MCP session a Client drives.
type fakeSession struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	initErr   error
	initDelay time.Duration
	callErrs  []error
	pingErr   error
	callDelay time.Duration
	inits     atomic.Int32
	calls     atomic.Int32
	closed    bool
}

func (f *fakeSession) Initialize(ctx context.Context) error {
	f.inits.Add(1)
	if f.initDelay > 0 {
		time.Sleep(f.initDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeSession) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	f.calls.Add(1)
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
	} else {
		f.mu.Unlock()
	}
	return mcp.TextResult(name+":"+string(args), false), nil
}

func (f *fakeSession) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) set(fn func(f *fakeSession)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func newFakeClient(t *testing.T, sess *fakeSession, cfg ClientConfig) *Client {
	t.Helper()
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = time.Millisecond
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry = retryAttempts(2)
	}
	return newClient(ServerConfig{Name: "fake", URL: "http://fake"}, sess, cfg, nil)
}

func retryAttempts(n int) retry.Config {
	return retry.Config{MaxAttempts: n, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestClient_ConnectDiscoversCapabilities(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add", Description: "adds"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	assert.Equal(t, StateDisconnected, c.State())

	caps, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "add", caps[0].Name)
	assert.Equal(t, "fake", caps[0].Server)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 1, c.Status().Tools)
}

func TestClient_ConnectFailureIsUnreachable(t *testing.T) {
	sess := &fakeSession{initErr: mcp.ErrTransport}
	c := newFakeClient(t, sess, ClientConfig{})

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrToolUnreachable)
	assert.Equal(t, StateDisconnected, c.State())
	assert.NotEmpty(t, c.Status().LastError)
}

func TestClient_InvokeReturnsResult(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "echo"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	res, err := c.Invoke(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `echo:{"x":1}`, res.Output)
	assert.False(t, res.IsError)
}

func TestClient_InvokeTimeoutDegradesThenRecovers(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "slow"}}, callDelay: time.Second}
	c := newFakeClient(t, sess, ClientConfig{InvokeTimeout: 30 * time.Millisecond})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrToolTimeout)
	assert.Equal(t, StateDegraded, c.State())

	assert.True(t, c.Health(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestClient_InvokeCallerCancellation(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "slow"}}, callDelay: time.Second}
	c := newFakeClient(t, sess, ClientConfig{InvokeTimeout: time.Minute})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = c.Invoke(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateReady, c.State(), "caller cancellation says nothing about server health")
}

func TestClient_TransportFailureDegrades(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{Retry: retryAttempts(2)})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	sess.set(func(f *fakeSession) { f.callErrs = []error{mcp.ErrTransport, mcp.ErrTransport} })
	_, err = c.Invoke(context.Background(), "add", nil)
	assert.ErrorIs(t, err, ErrToolUnreachable)
	assert.Equal(t, StateDegraded, c.State())
	assert.Equal(t, int32(2), sess.calls.Load())
}

func TestClient_TransientTransportFailureIsRetried(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{Retry: retryAttempts(2)})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	sess.set(func(f *fakeSession) { f.callErrs = []error{mcp.ErrTransport} })
	res, err := c.Invoke(context.Background(), "add", nil)
	require.NoError(t, err)
	assert.Equal(t, "add:", res.Output)
	assert.Equal(t, StateReady, c.State())
}

func TestClient_SessionExpiryReinitializes(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	sess.set(func(f *fakeSession) { f.callErrs = []error{mcp.ErrSessionExpired} })
	_, err = c.Invoke(context.Background(), "add", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), sess.inits.Load())
	assert.Equal(t, StateReady, c.State())
}

func TestClient_RPCRejectionIsErrorResult(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	sess.set(func(f *fakeSession) {
		f.callErrs = []error{&mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "invalid params"}}
	})
	res, err := c.Invoke(context.Background(), "add", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "invalid params")

	sess.set(func(f *fakeSession) {
		f.callErrs = []error{&mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "tool not found"}}
	})
	_, err = c.Invoke(context.Background(), "add", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestClient_ConcurrentInvokesShareOneReconnect(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}, initDelay: 50 * time.Millisecond}
	c := newFakeClient(t, sess, ClientConfig{ReconnectInterval: time.Hour})

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Invoke(context.Background(), "add", nil)
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrToolUnreachable)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sess.inits.Load())
	assert.GreaterOrEqual(t, ok.Load(), int32(1))
}

func TestClient_ReconnectIsThrottled(t *testing.T) {
	sess := &fakeSession{initErr: mcp.ErrTransport}
	c := newFakeClient(t, sess, ClientConfig{ReconnectInterval: time.Hour})

	for i := 0; i < 5; i++ {
		_, err := c.Invoke(context.Background(), "add", nil)
		assert.ErrorIs(t, err, ErrToolUnreachable)
	}
	assert.Equal(t, int32(1), sess.inits.Load())
}

func TestClient_HealthReconnectsDisconnected(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}, initErr: mcp.ErrTransport}
	c := newFakeClient(t, sess, ClientConfig{})

	assert.False(t, c.Health(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())

	sess.set(func(f *fakeSession) { f.initErr = nil })
	time.Sleep(5 * time.Millisecond)
	assert.True(t, c.Health(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestClient_DisconnectDropsCapabilities(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	var changes atomic.Int32
	c.setOnChange(func() { changes.Add(1) })

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Capabilities(), 1)

	sess.set(func(f *fakeSession) {
		f.pingErr = mcp.ErrSessionExpired
		f.initErr = mcp.ErrTransport
	})
	assert.False(t, c.Health(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Capabilities())
	assert.Equal(t, 0, c.Status().Tools)
	assert.Equal(t, int32(2), changes.Load(), "connect and disconnect both notify")

	sess.set(func(f *fakeSession) {
		f.pingErr = nil
		f.initErr = nil
	})
	time.Sleep(5 * time.Millisecond)
	assert.True(t, c.Health(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, c.Capabilities(), 1)
	assert.Equal(t, int32(3), changes.Load())
}

func TestClient_HealthPingFailureDegrades(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	sess.set(func(f *fakeSession) { f.pingErr = errors.New("boom") })
	assert.False(t, c.Health(context.Background()))
	assert.Equal(t, StateDegraded, c.State())
	assert.Equal(t, "boom", c.Status().LastError)
}

func TestClient_Close(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "add"}}}
	c := newFakeClient(t, sess, ClientConfig{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, sess.closed)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Capabilities())

	_, err = c.Invoke(context.Background(), "add", nil)
	assert.ErrorIs(t, err, ErrToolUnreachable)
	assert.False(t, c.Health(context.Background()))
}

func TestClient_AgainstMCPServer(t *testing.T) {
	srv := mcp.NewServer(mcp.ServerConfig{Name: "fixture"})
	srv.AddTool(mcp.Tool{Name: "echo"}, func(_ context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		return mcp.TextResult(string(args), false), nil
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(ServerConfig{Name: "fixture", URL: ts.URL}, ClientConfig{InvokeTimeout: 5 * time.Second}, nil)
	defer c.Close()

	caps, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, caps, 1)

	res, err := c.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, res.Output)

	// A server restart drops sessions; the next invoke re-initializes transparently.
	srv.ExpireSessions()
	res, err = c.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"again"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"again"}`, res.Output)
}
