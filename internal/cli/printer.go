package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/harun/parley/pkg/llm"
)

const maxEchoLen = 160

// printer renders agent events as plain text
type printer struct {
	out     io.Writer
	midLine bool
}

func (p *printer) handle(ev llm.Event) {
	switch ev.Type {
	case llm.EventContent:
		if ev.Text == "" {
			return
		}
		fmt.Fprint(p.out, ev.Text)
		p.midLine = !strings.HasSuffix(ev.Text, "\n")

	case llm.EventToolCallRequest:
		if ev.ToolCall == nil {
			return
		}
		p.newline()
		args, _ := json.Marshal(ev.ToolCall.Args)
		fmt.Fprintf(p.out, "> %s %s\n", ev.ToolCall.Name, truncate(string(args)))

	case llm.EventToolCallResponse:
		if ev.ToolResult == nil {
			return
		}
		p.newline()
		status := "ok"
		if ev.ToolResult.IsError {
			status = "error"
		}
		summary := truncate(firstLine(ev.ToolResult.Output))
		if summary != "" {
			fmt.Fprintf(p.out, "< %s %s: %s\n", ev.ToolResult.Name, status, summary)
		} else {
			fmt.Fprintf(p.out, "< %s %s\n", ev.ToolResult.Name, status)
		}
	}
}

// finish ends the reply on a fresh line
func (p *printer) finish() {
	p.newline()
}

func (p *printer) newline() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string) string {
	if len(s) <= maxEchoLen {
		return s
	}
	return s[:maxEchoLen] + "..."
}
