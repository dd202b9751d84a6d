// ABOUTME: Tests for the run orchestrator against a scripted runner and in-memory storage
// ABOUTME: Covers persistence of both turns, tool failures, runner errors, dead-lettering and cancellation

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-bridge/internal/retry"
	"github.com/2389/agent-bridge/internal/runner"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/threads"
	"github.com/2389/agent-bridge/internal/tools"
)

// scriptedRun replays a fixed list of events. A tool_call pauses the script
// until SubmitToolResult is called.
type scriptedRun struct {
	id      string
	events  chan runner.Event
	results chan runner.ToolResult
}

func (r *scriptedRun) ID() string                  { return r.id }
func (r *scriptedRun) Events() <-chan runner.Event { return r.events }

func (r *scriptedRun) SubmitToolResult(ctx context.Context, res runner.ToolResult) error {
	select {
	case r.results <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeRunner struct {
	script   []runner.Event
	startErr error
	// hang keeps the stream open after the script until the run is cancelled.
	hang bool

	mu       sync.Mutex
	requests []*runner.RunRequest
	results  []runner.ToolResult
}

func (f *fakeRunner) StartRun(ctx context.Context, req *runner.RunRequest) (runner.Run, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}

	run := &scriptedRun{id: req.RunID, events: make(chan runner.Event), results: make(chan runner.ToolResult)}
	go func() {
		defer close(run.events)
		for _, ev := range f.script {
			select {
			case run.events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == runner.EventToolCall {
				select {
				case res := <-run.results:
					f.mu.Lock()
					f.results = append(f.results, res)
					f.mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}
		if f.hang {
			<-ctx.Done()
		}
	}()
	return run, nil
}

func (f *fakeRunner) lastRequest() *runner.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeRunner) toolResults() []runner.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.ToolResult(nil), f.results...)
}

type fakeTools struct {
	caps   []tools.Capability
	result *tools.Result
	err    error
}

func (f *fakeTools) Capabilities() []tools.Capability { return f.caps }

func (f *fakeTools) Invoke(ctx context.Context, name string, input json.RawMessage) (*tools.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// failingRepo rejects assistant appends with err.
type failingRepo struct {
	*threads.Repository
	err error
}

func (r *failingRepo) AppendTurn(ctx context.Context, threadID string, turn *store.Turn, idemKey string) (*store.Turn, error) {
	if strings.HasSuffix(idemKey, ":assistant") {
		return nil, r.err
	}
	return r.Repository.AppendTurn(ctx, threadID, turn, idemKey)
}

func newRepo(t *testing.T) *threads.Repository {
	t.Helper()
	fileStore, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	repo, err := threads.New(threads.Config{
		DefaultMode: store.ModeFile,
		Retry:       retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, []store.TurnStore{fileStore}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	_, err = repo.CreateThread(context.Background(), threads.CreateThreadRequest{ID: "t1", OwnerID: "alice"})
	require.NoError(t, err)
	return repo
}

func collect(t *testing.T, ch <-chan RunEvent) []RunEvent {
	t.Helper()
	var events []RunEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(events))
			return nil
		}
	}
}

// requireSingleEnd checks the stream closes with exactly one stream_end and returns it.
func requireSingleEnd(t *testing.T, events []RunEvent) RunEvent {
	t.Helper()
	require.NotEmpty(t, events)
	ends := 0
	for _, ev := range events {
		if ev.Type == EventStreamEnd {
			ends++
		}
	}
	require.Equal(t, 1, ends, "exactly one stream_end")
	last := events[len(events)-1]
	require.Equal(t, EventStreamEnd, last.Type, "stream_end must be last")
	return last
}

func ofType(events []RunEvent, typ EventType) []RunEvent {
	var out []RunEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func turnsOf(t *testing.T, repo *threads.Repository, threadID string) []*store.Turn {
	t.Helper()
	turns, err := repo.ListTurnsPage(context.Background(), threadID, 0, 100)
	require.NoError(t, err)
	return turns
}

func greeting() []runner.Event {
	return []runner.Event{
		{Type: runner.EventTextDelta, Text: "You said: ", Agent: "assistant"},
		{Type: runner.EventTextDelta, Text: "Hello"},
		{Type: runner.EventCompleted, Output: "You said: Hello"},
	}
}

func TestRunTurn_PersistsUserAndAssistantTurns(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: greeting()}
	o := New(repo, nil, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "Hello", TurnKey: "k1"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusCompleted, end.Status)
	assert.Empty(t, end.ErrorClass)
	assert.Equal(t, int64(1), end.UserSeq)
	assert.Equal(t, int64(2), end.TurnSeq)

	deltas := ofType(events, EventTextDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "assistant", deltas[0].Agent)
	for _, ev := range events {
		assert.Equal(t, end.RunID, ev.RunID)
	}

	turns := turnsOf(t, repo, "t1")
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello", turns[0].Content)
	assert.Equal(t, int64(1), turns[0].Seq)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
	assert.Equal(t, "You said: Hello", turns[1].Content)
	assert.Equal(t, "assistant", turns[1].Agent)
	assert.False(t, turns[1].Partial)
}

func TestRunTurn_SendsPriorTurnsAndTools(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, err := repo.AppendTurn(ctx, "t1", &store.Turn{Role: store.RoleUser, Content: "earlier"}, "")
	require.NoError(t, err)
	_, err = repo.AppendTurn(ctx, "t1", &store.Turn{Role: store.RoleAssistant, Content: "reply", Agent: "triage"}, "")
	require.NoError(t, err)

	r := &fakeRunner{script: greeting()}
	tl := &fakeTools{caps: []tools.Capability{{Name: "add", Description: "adds", Server: "math"}}}
	o := New(repo, tl, r, nil, Config{HistoryLimit: 1}, nil)

	requireSingleEnd(t, collect(t, o.RunTurn(ctx, &TurnRequest{ThreadID: "t1", Input: "Hello", UserName: "alice"})))

	req := r.lastRequest()
	assert.Equal(t, "Hello", req.Input)
	assert.Equal(t, "alice", req.UserName)
	require.Len(t, req.PriorTurns, 1, "history is capped")
	assert.Equal(t, "reply", req.PriorTurns[0].Content)
	assert.Equal(t, "triage", req.PriorTurns[0].Agent)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "add", req.Tools[0].Name)
}

func TestRunTurn_ToolCallRoundTrip(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: []runner.Event{
		{Type: runner.EventToolCall, ToolCall: &runner.ToolCall{CallID: "c1", Name: "add", Input: json.RawMessage(`{"a":2,"b":3}`)}},
		{Type: runner.EventTextDelta, Text: "The add tool returned 5."},
		{Type: runner.EventCompleted},
	}}
	tl := &fakeTools{result: &tools.Result{Output: "5"}}
	o := New(repo, tl, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "use the add tool"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusCompleted, end.Status)

	started := ofType(events, EventToolCallStarted)
	completed := ofType(events, EventToolCallCompleted)
	require.Len(t, started, 1)
	require.Len(t, completed, 1)
	assert.Equal(t, "c1", completed[0].ToolCall.CallID)
	assert.Equal(t, "5", completed[0].ToolCall.Output)
	assert.False(t, completed[0].ToolCall.IsError)

	results := r.toolResults()
	require.Len(t, results, 1)
	assert.Equal(t, runner.ToolResult{CallID: "c1", Output: "5"}, results[0])

	turns := turnsOf(t, repo, "t1")
	require.Len(t, turns, 2)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "add", turns[1].ToolCalls[0].Name)
	assert.True(t, turns[1].ToolCalls[0].Success)
	assert.Equal(t, "The add tool returned 5.", turns[1].Content)
}

func TestRunTurn_UnreachableToolDoesNotFailRun(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: []runner.Event{
		{Type: runner.EventToolCall, ToolCall: &runner.ToolCall{CallID: "c1", Name: "add"}},
		{Type: runner.EventTextDelta, Text: "The add tool failed."},
		{Type: runner.EventCompleted},
	}}
	tl := &fakeTools{err: tools.ErrToolUnreachable}
	o := New(repo, tl, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "use the add tool"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusCompleted, end.Status)
	assert.Equal(t, ClassToolUnavailable, end.ErrorClass)

	errs := ofType(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ClassToolUnavailable, errs[0].ErrorClass)

	results := r.toolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)

	turns := turnsOf(t, repo, "t1")
	require.Len(t, turns, 2)
	assert.Equal(t, "The add tool failed.", turns[1].Content)
	assert.False(t, turns[1].ToolCalls[0].Success)
}

func TestRunTurn_ToolTimeoutIsClassified(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: []runner.Event{
		{Type: runner.EventToolCall, ToolCall: &runner.ToolCall{CallID: "c1", Name: "slow"}},
		{Type: runner.EventCompleted, Output: "gave up"},
	}}
	o := New(repo, &fakeTools{err: tools.ErrToolTimeout}, r, nil, Config{}, nil)

	end := requireSingleEnd(t, collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "x"})))
	assert.Equal(t, ClassToolTimeout, end.ErrorClass)
	assert.Equal(t, StatusCompleted, end.Status)
}

func TestRunTurn_HandoffUpdatesAgent(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: []runner.Event{
		{Type: runner.EventHandoff, FromAgent: "triage", Agent: "specialist"},
		{Type: runner.EventTextDelta, Text: "hi"},
		{Type: runner.EventCompleted},
	}}
	o := New(repo, nil, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "handoff"}))
	requireSingleEnd(t, events)

	handoffs := ofType(events, EventHandoff)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "triage", handoffs[0].FromAgent)
	assert.Equal(t, "specialist", ofType(events, EventTextDelta)[0].Agent)

	turns := turnsOf(t, repo, "t1")
	assert.Equal(t, "specialist", turns[1].Agent)
}

func TestRunTurn_RunnerErrorEndsFailed(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: []runner.Event{
		{Type: runner.EventTextDelta, Text: "partial "},
		{Type: runner.EventError, Error: "model exploded"},
	}}
	o := New(repo, nil, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "fail"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusFailed, end.Status)
	assert.Equal(t, ClassAgentError, end.ErrorClass)

	errs := ofType(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "model exploded", errs[0].Message)

	turns := turnsOf(t, repo, "t1")
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Partial)
	assert.Equal(t, "partial ", turns[1].Content)
}

func TestRunTurn_RunnerUnavailable(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{startErr: runner.ErrRunnerUnavailable}
	o := New(repo, nil, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "Hello"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusFailed, end.Status)
	assert.Equal(t, ClassAgentError, end.ErrorClass)
	assert.Zero(t, end.TurnSeq)

	turns := turnsOf(t, repo, "t1")
	require.Len(t, turns, 1, "only the user turn is stored")
}

func TestRunTurn_StreamClosedWithoutCompletion(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: []runner.Event{{Type: runner.EventTextDelta, Text: "cut"}}}
	o := New(repo, nil, r, nil, Config{}, nil)

	end := requireSingleEnd(t, collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "x"})))
	assert.Equal(t, StatusFailed, end.Status)
	assert.Equal(t, ClassAgentError, end.ErrorClass)
}

func TestRunTurn_UnknownThread(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{script: greeting()}
	o := New(repo, nil, r, nil, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "missing", Input: "Hello"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusFailed, end.Status)
	assert.Equal(t, ClassInvalidThread, end.ErrorClass)
	assert.Empty(t, r.requests, "runner is never started")
}

func TestRunTurn_PersistenceFailureIsDeadLettered(t *testing.T) {
	repo := newRepo(t)
	dlq, err := store.NewDeadLetter(filepath.Join(t.TempDir(), "dead.jsonl"), nil)
	require.NoError(t, err)

	failing := &failingRepo{Repository: repo, err: store.ErrStorageCorrupt}
	o := New(failing, nil, &fakeRunner{script: greeting()}, dlq, Config{}, nil)

	events := collect(t, o.RunTurn(context.Background(), &TurnRequest{ThreadID: "t1", Input: "Hello", TurnKey: "k9"}))

	end := requireSingleEnd(t, events)
	assert.Equal(t, ClassPersistenceFailed, end.ErrorClass)
	assert.Zero(t, end.TurnSeq)

	errs := ofType(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ClassPersistenceFailed, errs[0].ErrorClass)

	entries, err := dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ThreadID)
	assert.Equal(t, "k9:assistant", entries[0].Turn.Key)
	assert.Equal(t, "You said: Hello", entries[0].Turn.Content)
}

func TestRunTurn_CancelStoresPartialTurn(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{
		script: []runner.Event{{Type: runner.EventTextDelta, Text: "half an answer"}},
		hang:   true,
	}
	o := New(repo, nil, r, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := o.RunTurn(ctx, &TurnRequest{ThreadID: "t1", Input: "Hello"})

	var events []RunEvent
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == EventTextDelta {
			cancel()
		}
	}

	end := requireSingleEnd(t, events)
	assert.Equal(t, StatusCancelled, end.Status)
	assert.Equal(t, ClassCancelled, end.ErrorClass)
	assert.NotZero(t, end.TurnSeq)

	turns := turnsOf(t, repo, "t1")
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Partial)
	assert.Equal(t, "half an answer", turns[1].Content)
}

func TestRunTurn_CancelWithoutContentStoresNothing(t *testing.T) {
	repo := newRepo(t)
	r := &fakeRunner{hang: true}
	o := New(repo, nil, r, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := o.RunTurn(ctx, &TurnRequest{ThreadID: "t1", Input: "Hello"})
	time.AfterFunc(20*time.Millisecond, cancel)

	end := requireSingleEnd(t, collect(t, ch))
	assert.Equal(t, StatusCancelled, end.Status)
	assert.Len(t, turnsOf(t, repo, "t1"), 1)
}

func TestRunTurn_RetriedTurnKeyIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	o := New(repo, nil, &fakeRunner{script: greeting()}, nil, Config{}, nil)
	ctx := context.Background()

	first := requireSingleEnd(t, collect(t, o.RunTurn(ctx, &TurnRequest{ThreadID: "t1", Input: "Hello", TurnKey: "same"})))
	second := requireSingleEnd(t, collect(t, o.RunTurn(ctx, &TurnRequest{ThreadID: "t1", Input: "Hello", TurnKey: "same"})))

	assert.Equal(t, first.UserSeq, second.UserSeq)
	assert.Equal(t, first.TurnSeq, second.TurnSeq)
	assert.Len(t, turnsOf(t, repo, "t1"), 2)
}

func TestClassifyStorage(t *testing.T) {
	cases := map[error]ErrorClass{
		store.ErrNotFound:           ClassInvalidThread,
		store.ErrInvalidThread:      ClassInvalidThread,
		store.ErrStorageCorrupt:     ClassStorageCorrupt,
		store.ErrStorageUnavailable: ClassStorageUnavailable,
		store.ErrModeUnavailable:    ClassStorageUnavailable,
		context.Canceled:            ClassCancelled,
		errors.New("boom"):          ClassInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, ClassifyStorage(err), err.Error())
	}
}
