// ABOUTME: Tests for the HTTP runner client against the scripted runner service
// ABOUTME: Covers event decoding, tool round trips, handoffs, and stream failures

package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScriptedRunner(t *testing.T) (*HTTPRunner, *Script) {
	t.Helper()
	script := NewScript(nil)
	script.ToolWait = 5 * time.Second
	ts := httptest.NewServer(script.Handler())
	t.Cleanup(ts.Close)

	r, err := NewHTTPRunner(HTTPConfig{URL: ts.URL, RunTimeout: 10 * time.Second})
	require.NoError(t, err)
	return r, script
}

func collect(t *testing.T, run Run, onToolCall func(*ToolCall)) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Type == EventToolCall && onToolCall != nil {
				onToolCall(ev.ToolCall)
			}
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func text(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestHTTPRunner_EchoRun(t *testing.T) {
	r, script := newScriptedRunner(t)

	run, err := r.StartRun(context.Background(), &RunRequest{
		RunID:      "run-1",
		ThreadID:   "t1",
		PriorTurns: []PriorTurn{{Role: "user", Content: "earlier"}},
		Input:      "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID())

	events := collect(t, run, nil)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, "You said: Hello", last.Output)
	assert.Equal(t, "You said: Hello", text(events))

	runs := script.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "t1", runs[0].ThreadID)
	assert.Equal(t, "earlier", runs[0].PriorTurns[0].Content)
}

func TestHTTPRunner_ToolRoundTrip(t *testing.T) {
	r, _ := newScriptedRunner(t)

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "run-2", ThreadID: "t1", Input: "please use the add tool on 2 and 3"})
	require.NoError(t, err)

	var call *ToolCall
	events := collect(t, run, func(tc *ToolCall) {
		call = tc
		require.NoError(t, run.SubmitToolResult(context.Background(), ToolResult{CallID: tc.CallID, Output: "5"}))
	})

	require.NotNil(t, call)
	assert.Equal(t, "add", call.Name)
	assert.JSONEq(t, `{"a":2,"b":3}`, string(call.Input))
	assert.True(t, strings.HasPrefix(text(events), "The add tool returned 5."))
	assert.Equal(t, EventCompleted, events[len(events)-1].Type)
}

func TestHTTPRunner_FailedToolResult(t *testing.T) {
	r, _ := newScriptedRunner(t)

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "run-3", Input: "use the echo tool"})
	require.NoError(t, err)

	events := collect(t, run, func(tc *ToolCall) {
		require.NoError(t, run.SubmitToolResult(context.Background(), ToolResult{CallID: tc.CallID, Output: "unreachable", IsError: true}))
	})
	assert.Contains(t, text(events), "The echo tool failed: unreachable.")
}

func TestHTTPRunner_Handoff(t *testing.T) {
	r, _ := newScriptedRunner(t)

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "run-4", Input: "handoff please"})
	require.NoError(t, err)

	events := collect(t, run, nil)
	require.NotEmpty(t, events)
	assert.Equal(t, EventHandoff, events[0].Type)
	assert.Equal(t, "triage", events[0].FromAgent)
	assert.Equal(t, "specialist", events[0].Agent)
	assert.Equal(t, "specialist", events[len(events)-1].Agent)
}

func TestHTTPRunner_ScriptedFailure(t *testing.T) {
	r, _ := newScriptedRunner(t)

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "run-5", Input: "fail now"})
	require.NoError(t, err)

	events := collect(t, run, nil)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "scripted failure", last.Error)
}

func TestHTTPRunner_SubmitUnknownRun(t *testing.T) {
	r, _ := newScriptedRunner(t)
	run := &httpRun{id: "nope", runner: r}

	err := run.SubmitToolResult(context.Background(), ToolResult{CallID: "c1"})
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func rawRunner(t *testing.T, handler http.HandlerFunc) *HTTPRunner {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	r, err := NewHTTPRunner(HTTPConfig{URL: ts.URL})
	require.NoError(t, err)
	return r
}

func TestHTTPRunner_MalformedLine(t *testing.T) {
	r := rawRunner(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"text_delta","text":"hi"}` + "\n" + `not json` + "\n"))
	})

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "m"})
	require.NoError(t, err)

	events := collect(t, run, nil)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Contains(t, events[1].Error, ErrMalformedStream.Error())
}

func TestHTTPRunner_ToolCallWithoutPayloadIsMalformed(t *testing.T) {
	r := rawRunner(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"tool_call"}` + "\n"))
	})

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "m"})
	require.NoError(t, err)

	events := collect(t, run, nil)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestHTTPRunner_StreamEndsEarly(t *testing.T) {
	r := rawRunner(t, func(w http.ResponseWriter, _ *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(Event{Type: EventTextDelta, Text: "partial"})
	})

	run, err := r.StartRun(context.Background(), &RunRequest{RunID: "e"})
	require.NoError(t, err)

	events := collect(t, run, nil)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Contains(t, events[1].Error, "without completion")
}

func TestHTTPRunner_RejectedStart(t *testing.T) {
	r := rawRunner(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := r.StartRun(context.Background(), &RunRequest{RunID: "x"})
	require.ErrorIs(t, err, ErrRunnerUnavailable)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestHTTPRunner_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	r, err := NewHTTPRunner(HTTPConfig{URL: url})
	require.NoError(t, err)
	_, err = r.StartRun(context.Background(), &RunRequest{RunID: "x"})
	assert.ErrorIs(t, err, ErrRunnerUnavailable)
}

func TestHTTPRunner_CancelClosesEvents(t *testing.T) {
	script := NewScript(nil)
	script.WordDelay = 200 * time.Millisecond
	ts := httptest.NewServer(script.Handler())
	defer ts.Close()

	r, err := NewHTTPRunner(HTTPConfig{URL: ts.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run, err := r.StartRun(ctx, &RunRequest{RunID: "c", Input: "a long sentence with many words in it"})
	require.NoError(t, err)

	first := <-run.Events()
	assert.Equal(t, EventTextDelta, first.Type)
	cancel()

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-run.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewHTTPRunner_InvalidURL(t *testing.T) {
	_, err := NewHTTPRunner(HTTPConfig{URL: "not a url"})
	assert.Error(t, err)
}

func TestEvent_Terminal(t *testing.T) {
	assert.True(t, Event{Type: EventCompleted}.Terminal())
	assert.True(t, Event{Type: EventError}.Terminal())
	assert.False(t, Event{Type: EventHandoff}.Terminal())
}
