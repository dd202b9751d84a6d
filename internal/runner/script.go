// ABOUTME: Scripted runner service for local development and end-to-end tests
// ABOUTME: Echoes input word by word and reacts to "use the X tool", "handoff", and "fail"

package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	toolPattern   = regexp.MustCompile(`(?i)use the ([A-Za-z0-9_\-]+) tool`)
	numberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)
)

// Script is an http.Handler implementing the runner protocol with canned behavior:
//
//   - every run streams "You said: <input>" one word per text_delta, then completes
//   - "use the X tool" first requests tool X and reports its output
//   - "handoff" hands the run from the triage agent to the specialist agent
//   - "fail" ends the run with an error event instead of completing
type Script struct {
	// ToolWait bounds how long a run waits for a tool result.
	ToolWait time.Duration
	// WordDelay spaces out text deltas.
	WordDelay time.Duration
	Logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan ToolResult // run_id/call_id
	runs    []RunRequest
}

// NewScript creates a scripted runner.
func NewScript(logger *slog.Logger) *Script {
	if logger == nil {
		logger = slog.Default()
	}
	return &Script{
		ToolWait: 30 * time.Second,
		Logger:   logger.With("component", "fake_runner"),
		pending:  make(map[string]chan ToolResult),
	}
}

// Runs returns the run requests received so far.
func (s *Script) Runs() []RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRequest, len(s.runs))
	copy(out, s.runs)
	return out
}

// Handler returns the routes of the runner protocol.
func (s *Script) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.handleRun)
	mux.HandleFunc("POST /runs/{id}/tool_results", s.handleToolResult)
	return mux
}

func (s *Script) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid run request", http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	s.mu.Lock()
	s.runs = append(s.runs, req)
	s.mu.Unlock()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(ev Event) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		flusher.Flush()
		return r.Context().Err() == nil
	}

	s.Logger.Info("run started", "run_id", req.RunID, "thread_id", req.ThreadID, "input", req.Input)
	agent := "assistant"
	lower := strings.ToLower(req.Input)

	if strings.Contains(lower, "handoff") {
		if !send(Event{Type: EventHandoff, FromAgent: "triage", Agent: "specialist"}) {
			return
		}
		agent = "specialist"
	}

	var prefix string
	if m := toolPattern.FindStringSubmatch(req.Input); m != nil {
		call := &ToolCall{CallID: uuid.New().String(), Name: m[1], Input: toolInput(m[1], req.Input)}
		ch := s.expect(req.RunID, call.CallID)
		if !send(Event{Type: EventToolCall, Agent: agent, ToolCall: call}) {
			s.forget(req.RunID, call.CallID)
			return
		}

		select {
		case res := <-ch:
			if res.IsError {
				prefix = fmt.Sprintf("The %s tool failed: %s.", call.Name, res.Output)
			} else {
				prefix = fmt.Sprintf("The %s tool returned %s.", call.Name, res.Output)
			}
		case <-time.After(s.ToolWait):
			s.forget(req.RunID, call.CallID)
			send(Event{Type: EventError, Error: "timed out waiting for tool result"})
			return
		case <-r.Context().Done():
			s.forget(req.RunID, call.CallID)
			return
		}
	}

	words := strings.Fields(strings.TrimSpace(prefix + " You said: " + req.Input))
	var full strings.Builder
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		full.WriteString(word)
		if !send(Event{Type: EventTextDelta, Agent: agent, Text: word}) {
			return
		}
		if s.WordDelay > 0 {
			select {
			case <-time.After(s.WordDelay):
			case <-r.Context().Done():
				return
			}
		}
	}

	if strings.Contains(lower, "fail") {
		send(Event{Type: EventError, Error: "scripted failure"})
		return
	}
	send(Event{Type: EventCompleted, Agent: agent, Output: full.String()})
}

func (s *Script) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var res ToolResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, "invalid tool result", http.StatusBadRequest)
		return
	}
	key := r.PathValue("id") + "/" + res.CallID

	s.mu.Lock()
	ch, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown run or call", http.StatusNotFound)
		return
	}
	ch <- res
	w.WriteHeader(http.StatusNoContent)
}

func (s *Script) expect(runID, callID string) chan ToolResult {
	ch := make(chan ToolResult, 1)
	s.mu.Lock()
	s.pending[runID+"/"+callID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Script) forget(runID, callID string) {
	s.mu.Lock()
	delete(s.pending, runID+"/"+callID)
	s.mu.Unlock()
}

// toolInput builds arguments for the fake tool server's tools from the free-text input.
func toolInput(tool, input string) json.RawMessage {
	var args any
	switch tool {
	case "add":
		var nums [2]float64
		for i, n := range numberPattern.FindAllString(input, 2) {
			nums[i], _ = strconv.ParseFloat(n, 64)
		}
		args = map[string]float64{"a": nums[0], "b": nums[1]}
	case "echo":
		args = map[string]string{"text": input}
	default:
		args = map[string]any{}
	}
	raw, _ := json.Marshal(args)
	return raw
}
