// ABOUTME: Renders a thread's turns as a Markdown transcript, optionally converted to HTML
// ABOUTME: Serves GET /api/threads/{id}/transcript?format=markdown|html

package gateway

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/agent-bridge/internal/store"
)

func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.loadThread(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "html" {
		g.sendJSONError(w, http.StatusBadRequest, "format must be markdown or html")
		return
	}

	md, err := g.renderTranscript(r.Context(), thread)
	if err != nil {
		g.sendStorageError(w, err)
		return
	}

	if format == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write(md)
		return
	}

	var body bytes.Buffer
	if err := goldmark.Convert(md, &body); err != nil {
		g.logger.Error("failed to render transcript", "thread_id", thread.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n%s</body></html>\n",
		html.EscapeString("Thread "+thread.ID), body.Bytes())
}

// renderTranscript walks every turn of the thread and writes Markdown.
func (g *Gateway) renderTranscript(ctx context.Context, thread *store.Thread) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Thread %s\n\n", thread.ID)
	fmt.Fprintf(&b, "_Owner %s, %s mode, started %s_\n\n", thread.OwnerID, thread.Mode, thread.CreatedAt.Format("2006-01-02 15:04 MST"))

	for turn, err := range g.repo.ListTurns(ctx, thread.ID, 0) {
		if err != nil {
			return nil, err
		}
		writeTurnMarkdown(&b, turn)
	}
	return b.Bytes(), nil
}

func writeTurnMarkdown(b *bytes.Buffer, turn *store.Turn) {
	heading := string(turn.Role)
	if turn.Agent != "" {
		heading += " (" + turn.Agent + ")"
	}
	if turn.Partial {
		heading += " [partial]"
	}
	fmt.Fprintf(b, "## %d. %s\n\n", turn.Seq, heading)

	for _, tc := range turn.ToolCalls {
		outcome := "ok"
		if !tc.Success {
			outcome = "failed"
		}
		fmt.Fprintf(b, "- tool `%s` %s\n", tc.Name, outcome)
		if tc.Input != "" {
			fmt.Fprintf(b, "  - input: `%s`\n", strings.ReplaceAll(tc.Input, "`", "'"))
		}
		if tc.Output != "" {
			fmt.Fprintf(b, "  - output: `%s`\n", strings.ReplaceAll(tc.Output, "`", "'"))
		}
	}
	if len(turn.ToolCalls) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(strings.TrimRight(turn.Content, "\n"))
	b.WriteString("\n\n")
}
