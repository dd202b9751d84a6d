// ABOUTME: WebSocket transport for turns: one request message in, RunEvents out as JSON text frames
// ABOUTME: Shares the per-thread lock and stream_end guard with the SSE handler

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agent-bridge/internal/orchestrator"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 30 * time.Second
)

// handleWebSocket upgrades, reads one TurnRequest, runs it, and closes after stream_end.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.loadThread(w, r)
	if !ok {
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req TurnRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	if err := conn.ReadJSON(&req); err != nil || req.Input == "" {
		g.closeWebSocket(conn, websocket.CloseUnsupportedData, "expected {\"input\": ...}")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// The client closing its side cancels the run.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	release, err := g.locks.acquire(ctx, thread.ID)
	if err != nil {
		return
	}
	defer release()

	events := g.orch.RunTurn(ctx, g.turnRequest(r, thread.ID, &req))
	g.relay(events, func(ev orchestrator.RunEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	})

	g.closeWebSocket(conn, websocket.CloseNormalClosure, "")
}

func (g *Gateway) closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
