// ABOUTME: Drives one agent run per user turn and turns it into a RunEvent stream
// ABOUTME: Records the user turn, bridges tool calls, persists the assistant turn, always ends the stream

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-bridge/internal/runner"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/tools"
)

// Repository is the thread persistence the orchestrator needs.
type Repository interface {
	GetThread(ctx context.Context, threadID string) (*store.Thread, error)
	ListTurns(ctx context.Context, threadID string, sinceSeq int64) iter.Seq2[*store.Turn, error]
	AppendTurn(ctx context.Context, threadID string, turn *store.Turn, idemKey string) (*store.Turn, error)
}

// ToolInvoker is the tool gateway as seen by a run.
type ToolInvoker interface {
	Capabilities() []tools.Capability
	Invoke(ctx context.Context, name string, input json.RawMessage) (*tools.Result, error)
}

// DeadLetter records assistant turns that could not be persisted.
type DeadLetter interface {
	Record(ctx context.Context, threadID string, turn *store.Turn, cause error) error
}

// Config tunes the orchestrator.
type Config struct {
	// PersistTimeout bounds the assistant turn write, which outlives the request.
	PersistTimeout time.Duration
	// HistoryLimit caps how many prior turns are sent to the runner; 0 sends all.
	HistoryLimit int
	// EventBuffer sizes each run's event channel.
	EventBuffer int
}

// TurnRequest is one user turn.
type TurnRequest struct {
	ThreadID string
	Input    string
	// TurnKey makes the turn idempotent; one is generated when empty.
	TurnKey  string
	UserName string
}

// Orchestrator runs agent turns.
type Orchestrator struct {
	repo   Repository
	tools  ToolInvoker
	runner runner.Runner
	dlq    DeadLetter
	cfg    Config
	logger *slog.Logger
}

// New creates an Orchestrator. tools and dlq may be nil.
func New(repo Repository, toolInvoker ToolInvoker, r runner.Runner, dlq DeadLetter, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Orchestrator{
		repo:   repo,
		tools:  toolInvoker,
		runner: r,
		dlq:    dlq,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
}

// RunTurn starts a run and returns its event stream. The channel yields
// exactly one stream_end as its last event and closes only after persistence
// has finished. Callers must drain it.
func (o *Orchestrator) RunTurn(ctx context.Context, req *TurnRequest) <-chan RunEvent {
	out := make(chan RunEvent, o.cfg.EventBuffer)
	t := &turn{
		o:      o,
		req:    *req,
		runID:  uuid.New().String(),
		out:    out,
		status: StatusCompleted,
	}
	if t.req.TurnKey == "" {
		t.req.TurnKey = t.runID
	}
	t.logger = o.logger.With("run_id", t.runID, "thread_id", req.ThreadID)
	go t.run(ctx)
	return out
}

// turn is the state of one run. It is owned by a single goroutine.
type turn struct {
	o      *Orchestrator
	req    TurnRequest
	runID  string
	out    chan<- RunEvent
	logger *slog.Logger

	userSeq   int64
	agent     string
	text      strings.Builder
	final     string
	toolCalls []store.ToolCall

	status   Status
	class    ErrorClass
	turnSeq  int64
	finished bool
}

func (t *turn) run(ctx context.Context) {
	defer close(t.out)
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("run panicked", "panic", p, "stack", string(debug.Stack()))
			if !t.finished {
				t.fail(ClassInternal, fmt.Sprintf("internal error: %v", p))
				t.end()
			}
		}
	}()

	start := time.Now()
	if t.prepare(ctx) {
		t.drive(ctx)
		t.persist(ctx)
	}
	t.end()
	t.logger.Info("run finished",
		"status", t.status,
		"error_class", t.class,
		"turn_seq", t.turnSeq,
		"tool_calls", len(t.toolCalls),
		"duration", time.Since(start),
	)
}

// prepare validates the thread and records the user turn. It reports whether the run may start.
func (t *turn) prepare(ctx context.Context) bool {
	if _, err := t.o.repo.GetThread(ctx, t.req.ThreadID); err != nil {
		t.storageFailed(ctx, "thread lookup failed", err)
		return false
	}

	userTurn, err := t.o.repo.AppendTurn(ctx, t.req.ThreadID, &store.Turn{
		Role:    store.RoleUser,
		Content: t.req.Input,
	}, t.req.TurnKey+":user")
	if err != nil {
		t.storageFailed(ctx, "recording user turn failed", err)
		return false
	}
	t.userSeq = userTurn.Seq
	return true
}

func (t *turn) storageFailed(ctx context.Context, msg string, err error) {
	if ctx.Err() != nil {
		t.cancelled()
		return
	}
	t.logger.Warn(msg, "error", err)
	t.fail(ClassifyStorage(err), fmt.Sprintf("%s: %v", msg, err))
}

// history loads prior turns, excluding the user turn just recorded.
func (t *turn) history(ctx context.Context) ([]runner.PriorTurn, error) {
	var prior []runner.PriorTurn
	for tr, err := range t.o.repo.ListTurns(ctx, t.req.ThreadID, 0) {
		if err != nil {
			return nil, err
		}
		if tr.Seq >= t.userSeq {
			break
		}
		prior = append(prior, runner.PriorTurn{Role: string(tr.Role), Content: tr.Content, Agent: tr.Agent})
	}
	if limit := t.o.cfg.HistoryLimit; limit > 0 && len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	return prior, nil
}

func (t *turn) toolSpecs() []runner.ToolSpec {
	if t.o.tools == nil {
		return nil
	}
	caps := t.o.tools.Capabilities()
	specs := make([]runner.ToolSpec, 0, len(caps))
	for _, c := range caps {
		specs = append(specs, runner.ToolSpec{Name: c.Name, Description: c.Description, InputSchema: c.InputSchema})
	}
	return specs
}

// drive runs the agent and relays its events until a terminal state.
func (t *turn) drive(ctx context.Context) {
	prior, err := t.history(ctx)
	if err != nil {
		t.storageFailed(ctx, "loading history failed", err)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	run, err := t.o.runner.StartRun(runCtx, &runner.RunRequest{
		RunID:      t.runID,
		ThreadID:   t.req.ThreadID,
		UserName:   t.req.UserName,
		PriorTurns: prior,
		Input:      t.req.Input,
		Tools:      t.toolSpecs(),
	})
	if err != nil {
		if ctx.Err() != nil {
			t.cancelled()
			return
		}
		t.logger.Warn("runner start failed", "error", err)
		t.fail(classifyRunner(err), err.Error())
		return
	}

	events := run.Events()
	for {
		select {
		case <-ctx.Done():
			t.cancelled()
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					t.cancelled()
				} else {
					t.fail(ClassAgentError, "runner stream closed without completion")
				}
				return
			}
			if done := t.handle(runCtx, run, ev); done {
				return
			}
		}
	}
}

// handle translates one runner event. It reports whether the run is over.
func (t *turn) handle(ctx context.Context, run runner.Run, ev runner.Event) bool {
	switch ev.Type {
	case runner.EventTextDelta:
		if ev.Agent != "" {
			t.agent = ev.Agent
		}
		t.text.WriteString(ev.Text)
		t.emit(RunEvent{Type: EventTextDelta, Text: ev.Text, Agent: t.agent})

	case runner.EventHandoff:
		t.logger.Info("agent handoff", "from_agent", ev.FromAgent, "to_agent", ev.Agent)
		t.agent = ev.Agent
		t.emit(RunEvent{Type: EventHandoff, FromAgent: ev.FromAgent, Agent: ev.Agent})

	case runner.EventToolCall:
		return t.callTool(ctx, run, ev.ToolCall)

	case runner.EventCompleted:
		if ev.Agent != "" {
			t.agent = ev.Agent
		}
		t.final = ev.Output
		return true

	case runner.EventError:
		t.logger.Warn("runner reported error", "error", ev.Error)
		t.fail(ClassAgentError, ev.Error)
		return true
	}
	return false
}

// callTool invokes the tool, reports the outcome to the client and the runner,
// and keeps the run going unless the runner itself became unreachable.
func (t *turn) callTool(ctx context.Context, run runner.Run, call *runner.ToolCall) bool {
	info := &ToolCallInfo{CallID: call.CallID, Name: call.Name, Input: call.Input}
	t.emit(RunEvent{Type: EventToolCallStarted, ToolCall: info, Agent: t.agent})

	result := t.invoke(ctx, call)
	if ctx.Err() != nil {
		return false // drive observes cancellation
	}

	t.toolCalls = append(t.toolCalls, store.ToolCall{
		CallID:  call.CallID,
		Name:    call.Name,
		Input:   string(call.Input),
		Output:  result.Output,
		Success: !result.IsError,
	})
	done := *info
	done.Output = result.Output
	done.IsError = result.IsError
	t.emit(RunEvent{Type: EventToolCallCompleted, ToolCall: &done, Agent: t.agent})

	err := run.SubmitToolResult(ctx, runner.ToolResult{CallID: call.CallID, Output: result.Output, IsError: result.IsError})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.logger.Warn("submitting tool result failed", "call_id", call.CallID, "error", err)
		t.fail(ClassAgentError, fmt.Sprintf("submitting tool result: %v", err))
		return true
	}
	return false
}

// invoke runs a tool call. Unreachable or timed out tools become failed
// results for the agent plus an error event for the client.
func (t *turn) invoke(ctx context.Context, call *runner.ToolCall) *tools.Result {
	if t.o.tools == nil {
		err := fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
		t.toolFailed(call, err)
		return &tools.Result{Output: err.Error(), IsError: true}
	}
	res, err := t.o.tools.Invoke(ctx, call.Name, call.Input)
	if err == nil {
		return res
	}
	if ctx.Err() != nil {
		return &tools.Result{Output: "cancelled", IsError: true}
	}
	t.toolFailed(call, err)
	return &tools.Result{Output: err.Error(), IsError: true}
}

func (t *turn) toolFailed(call *runner.ToolCall, err error) {
	class := classifyTool(err)
	t.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.CallID, "error_class", class, "error", err)
	t.note(class)
	t.emit(RunEvent{Type: EventError, ErrorClass: class, Message: err.Error(), ToolCall: &ToolCallInfo{CallID: call.CallID, Name: call.Name}})
}

// persist stores the assistant turn. A completed run is stored in full;
// a failed or cancelled run keeps whatever content it produced, flagged partial.
func (t *turn) persist(ctx context.Context) {
	content := t.text.String()
	if content == "" {
		content = t.final
	}
	partial := t.status != StatusCompleted
	if partial && content == "" && len(t.toolCalls) == 0 {
		return
	}

	assistant := &store.Turn{
		Role:      store.RoleAssistant,
		Content:   content,
		Agent:     t.agent,
		Partial:   partial,
		ToolCalls: t.toolCalls,
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.o.cfg.PersistTimeout)
	defer cancel()

	stored, err := t.o.repo.AppendTurn(pctx, t.req.ThreadID, assistant, t.req.TurnKey+":assistant")
	if err == nil {
		t.turnSeq = stored.Seq
		return
	}

	t.logger.Error("persisting assistant turn failed", "error", err, "storage_class", ClassifyStorage(err))
	if t.o.dlq != nil {
		assistant.Key = t.req.TurnKey + ":assistant"
		assistant.CreatedAt = time.Now().UTC()
		if derr := t.o.dlq.Record(context.WithoutCancel(ctx), t.req.ThreadID, assistant, err); derr != nil {
			t.logger.Error("dead-lettering assistant turn failed", "error", derr)
		}
	}
	t.note(ClassPersistenceFailed)
	t.emit(RunEvent{
		Type:       EventError,
		ErrorClass: ClassPersistenceFailed,
		Message:    "the response was delivered but could not be saved",
	})
}

func (t *turn) emit(ev RunEvent) {
	ev.RunID = t.runID
	t.out <- ev
}

// note records class as the stream_end classification unless one is already set.
func (t *turn) note(class ErrorClass) {
	if t.class == "" {
		t.class = class
	}
}

func (t *turn) fail(class ErrorClass, msg string) {
	t.status = StatusFailed
	t.class = class
	t.emit(RunEvent{Type: EventError, ErrorClass: class, Message: msg})
}

func (t *turn) cancelled() {
	t.status = StatusCancelled
	t.note(ClassCancelled)
}

func (t *turn) end() {
	if t.finished {
		return
	}
	t.finished = true
	ev := StreamEnd(t.runID, t.status, t.class)
	ev.TurnSeq = t.turnSeq
	ev.UserSeq = t.userSeq
	t.emit(ev)
}

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev RunEvent) bool {
	return ev.Type == EventStreamEnd
}
