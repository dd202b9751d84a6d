// ABOUTME: HTTP API handlers for threads, streamed turns, transcripts, and tool status
// ABOUTME: Turns stream as SSE; a deferred guard guarantees every stream ends with stream_end

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/agent-bridge/internal/auth"
	"github.com/2389/agent-bridge/internal/orchestrator"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/threads"
	"github.com/2389/agent-bridge/internal/tools"
)

// maxBodyBytes bounds request bodies on the API.
const maxBodyBytes = 1 << 20

// CreateThreadRequest is the JSON request body for POST /api/threads.
type CreateThreadRequest struct {
	ID   string `json:"id,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// TurnRequest is the JSON request body for POST /api/threads/{id}/turns
// and the first WebSocket message.
type TurnRequest struct {
	Input    string `json:"input"`
	TurnKey  string `json:"turn_key,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// InvokeRequest is the JSON request body for POST /api/invoke.
type InvokeRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
	TurnRequest
}

// InvokeResponse is the JSON response for POST /api/invoke.
type InvokeResponse struct {
	ThreadID         string                  `json:"thread_id"`
	NewThreadCreated bool                    `json:"new_thread_created"`
	AssistantOutput  string                  `json:"assistant_output"`
	Status           orchestrator.Status     `json:"status"`
	ErrorClass       orchestrator.ErrorClass `json:"error_class,omitempty"`
	Errors           []string                `json:"errors,omitempty"`
	TurnSeq          int64                   `json:"turn_seq,omitempty"`
}

// ThreadListResponse is the JSON response for GET /api/threads.
type ThreadListResponse struct {
	Threads []*store.Thread `json:"threads"`
}

// TurnListResponse is the JSON response for GET /api/threads/{id}/turns.
type TurnListResponse struct {
	ThreadID string        `json:"thread_id"`
	Turns    []*store.Turn `json:"turns"`
	// NextSince is the since value for the following page; zero when this page was the last.
	NextSince int64 `json:"next_since,omitempty"`
}

// ToolsResponse is the JSON response for GET /api/tools.
type ToolsResponse struct {
	Tools   []tools.Capability `json:"tools"`
	Servers []tools.Status     `json:"servers"`
}

// routes builds the mux. API routes sit behind auth; health routes never do.
func (g *Gateway) routes(verifier auth.TokenVerifier) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/threads", g.handleCreateThread)
	api.HandleFunc("GET /api/threads", g.handleListThreads)
	api.HandleFunc("GET /api/threads/{id}", g.handleGetThread)
	api.HandleFunc("GET /api/threads/{id}/turns", g.handleListTurns)
	api.HandleFunc("POST /api/threads/{id}/turns", g.handleStreamTurn)
	api.HandleFunc("GET /api/threads/{id}/ws", g.handleWebSocket)
	api.HandleFunc("GET /api/threads/{id}/transcript", g.handleTranscript)
	api.HandleFunc("POST /api/invoke", g.handleInvoke)
	api.HandleFunc("GET /api/tools", g.handleTools)

	mux.Handle("/api/", auth.HTTPMiddleware(verifier, g.logger)(api))
	return mux
}

// handleHealth returns 200 OK if the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when every configured store answers a ping.
// Tool servers are reported but do not gate readiness.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	stores := make(map[store.Mode]string)
	ready := true
	for mode, err := range g.repo.Ping(r.Context()) {
		if err != nil {
			stores[mode] = err.Error()
			ready = false
			continue
		}
		stores[mode] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, map[string]any{
		"ready":       ready,
		"stores":      stores,
		"tools_ready": g.tools.Ready(),
		"tools":       g.tools.Status(),
	})
}

func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := decodeBody(r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := store.ParseMode(req.Mode)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := g.repo.CreateThread(r.Context(), threads.CreateThreadRequest{
		ID:      req.ID,
		OwnerID: auth.OwnerFromContext(r.Context()),
		Mode:    mode,
	})
	if err != nil {
		g.sendStorageError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, thread)
}

// handleListThreads lists the caller's threads, most recently active first.
// Without authentication ?owner= may name the owner.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	if q := r.URL.Query().Get("owner"); q != "" && q != owner {
		if id := auth.FromContext(r.Context()); id != nil && id.Authenticated {
			g.sendJSONError(w, http.StatusForbidden, "cannot list another owner's threads")
			return
		}
		owner = q
	}

	limit, err := queryInt(r, "limit", store.DefaultListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := g.repo.ListThreads(r.Context(), owner, int(limit))
	if err != nil {
		g.sendStorageError(w, err)
		return
	}
	if list == nil {
		list = []*store.Thread{}
	}
	g.writeJSON(w, http.StatusOK, ThreadListResponse{Threads: list})
}

func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.loadThread(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, thread)
}

func (g *Gateway) handleListTurns(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.loadThread(w, r)
	if !ok {
		return
	}
	since, err := queryInt(r, "since", 0)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", store.DefaultListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(max(limit, 1), store.MaxListLimit)

	turns, err := g.repo.ListTurnsPage(r.Context(), thread.ID, since, int(limit))
	if err != nil {
		g.sendStorageError(w, err)
		return
	}
	resp := TurnListResponse{ThreadID: thread.ID, Turns: turns}
	if resp.Turns == nil {
		resp.Turns = []*store.Turn{}
	}
	if n := len(turns); n > 0 && n >= int(limit) {
		resp.NextSince = turns[n-1].Seq
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleStreamTurn runs one turn and relays its events as SSE.
func (g *Gateway) handleStreamTurn(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.loadThread(w, r)
	if !ok {
		return
	}
	var req TurnRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Input == "" {
		g.sendJSONError(w, http.StatusBadRequest, "input is required")
		return
	}

	// Check streaming support before starting the run (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	release, err := g.locks.acquire(r.Context(), thread.ID)
	if err != nil {
		g.logger.Debug("client left while waiting for thread", "thread_id", thread.ID)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := g.orch.RunTurn(r.Context(), g.turnRequest(r, thread.ID, &req))
	g.relay(events, func(ev orchestrator.RunEvent) error {
		if err := writeSSEEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (g *Gateway) turnRequest(r *http.Request, threadID string, req *TurnRequest) *orchestrator.TurnRequest {
	userName := req.UserName
	if userName == "" {
		userName = auth.OwnerFromContext(r.Context())
	}
	return &orchestrator.TurnRequest{
		ThreadID: threadID,
		Input:    req.Input,
		TurnKey:  req.TurnKey,
		UserName: userName,
	}
}

// relay forwards events to send until the run's channel closes and returns
// the stream_end that was delivered. The channel is always drained so the
// run can finish persisting, and the client always receives exactly one
// stream_end: if the relay panics or the run closes without one, a
// synthetic failed stream_end is sent instead.
func (g *Gateway) relay(events <-chan orchestrator.RunEvent, send func(orchestrator.RunEvent) error) (end orchestrator.RunEvent) {
	var (
		runID   string
		ended   bool
		sendErr error
	)

	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("relay panicked", "run_id", runID, "panic", p)
		}
		for ev := range events {
			if ev.Type == orchestrator.EventStreamEnd && !ended {
				end = ev
			}
		}
		if ended {
			return
		}
		guard := orchestrator.StreamEnd(runID, orchestrator.StatusFailed, orchestrator.ClassInternal)
		if end.Type == orchestrator.EventStreamEnd {
			guard = end
		}
		end = guard
		if sendErr == nil {
			func() {
				defer func() { _ = recover() }()
				_ = send(guard)
			}()
		}
	}()

	for ev := range events {
		runID = ev.RunID
		if sendErr == nil {
			if sendErr = send(ev); sendErr != nil {
				g.logger.Info("client stream closed, draining run", "run_id", runID, "error", sendErr)
			}
		}
		if ev.Type == orchestrator.EventStreamEnd {
			end = ev
			ended = true
		}
	}
	return end
}

// handleInvoke runs a turn without streaming and returns the collected output.
// Without thread_id a thread is created in the requested or default mode.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Input == "" {
		g.sendJSONError(w, http.StatusBadRequest, "input is required")
		return
	}

	resp := InvokeResponse{ThreadID: req.ThreadID}
	if req.ThreadID == "" {
		mode, err := store.ParseMode(req.Mode)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		thread, err := g.repo.CreateThread(r.Context(), threads.CreateThreadRequest{
			OwnerID: auth.OwnerFromContext(r.Context()),
			Mode:    mode,
		})
		if err != nil {
			g.sendStorageError(w, err)
			return
		}
		resp.ThreadID = thread.ID
		resp.NewThreadCreated = true
	} else {
		r.SetPathValue("id", req.ThreadID)
		if _, ok := g.loadThread(w, r); !ok {
			return
		}
	}

	release, err := g.locks.acquire(r.Context(), resp.ThreadID)
	if err != nil {
		return
	}
	defer release()

	var output []byte
	end := g.relay(g.orch.RunTurn(r.Context(), g.turnRequest(r, resp.ThreadID, &req.TurnRequest)), func(ev orchestrator.RunEvent) error {
		switch ev.Type {
		case orchestrator.EventTextDelta:
			output = append(output, ev.Text...)
		case orchestrator.EventError:
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s", ev.ErrorClass, ev.Message))
		}
		return nil
	})

	resp.AssistantOutput = string(output)
	resp.Status = end.Status
	resp.ErrorClass = end.ErrorClass
	resp.TurnSeq = end.TurnSeq

	status := http.StatusOK
	if end.Status != orchestrator.StatusCompleted {
		status = statusForClass(end.ErrorClass)
	}
	g.writeJSON(w, status, resp)
}

func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	caps := g.tools.Capabilities()
	if caps == nil {
		caps = []tools.Capability{}
	}
	g.writeJSON(w, http.StatusOK, ToolsResponse{Tools: caps, Servers: g.tools.Status()})
}

// loadThread fetches the thread named in the path and checks the caller owns it.
// Unknown and foreign threads both yield 404.
func (g *Gateway) loadThread(w http.ResponseWriter, r *http.Request) (*store.Thread, bool) {
	id := r.PathValue("id")
	thread, err := g.repo.GetThread(r.Context(), id)
	if err != nil {
		g.sendStorageError(w, err)
		return nil, false
	}
	if thread.OwnerID != auth.OwnerFromContext(r.Context()) {
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}
	return thread, true
}

// statusForClass maps a wire error class to an HTTP status.
func statusForClass(class orchestrator.ErrorClass) int {
	switch class {
	case orchestrator.ClassInvalidThread:
		return http.StatusNotFound
	case orchestrator.ClassStorageUnavailable:
		return http.StatusServiceUnavailable
	case orchestrator.ClassAgentError, orchestrator.ClassToolUnavailable, orchestrator.ClassToolTimeout:
		return http.StatusBadGateway
	case orchestrator.ClassCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendStorageError maps a repository error to a JSON error response.
func (g *Gateway) sendStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, store.ErrInvalidThread):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateThread):
		g.sendJSONError(w, http.StatusConflict, "thread already exists")
	case errors.Is(err, store.ErrModeUnavailable):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStorageUnavailable):
		g.logger.Warn("storage unavailable", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		g.logger.Error("storage error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeSSEEvent writes a single SSE record: event: <type>, data: <json>.
func writeSSEEvent(w io.Writer, ev orchestrator.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a JSON body into v. An empty body is accepted when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
