package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewIDs(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b {
		t.Error("Trace IDs should be unique")
	}
	if len(a) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(a))
	}
	if NewRunID() == NewRunID() {
		t.Error("Run IDs should be unique")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithSessionKey(ctx, "session-1")
	ctx = WithModel(ctx, "gemini-2.5-pro")

	want := Scope{TraceID: "trace-1", RunID: "run-1", SessionKey: "session-1", Model: "gemini-2.5-pro"}
	if got := ScopeFrom(ctx); got != want {
		t.Errorf("Unexpected scope: %+v", got)
	}

	// updates never leak into the parent
	child := WithSessionKey(ctx, "session-2")
	if GetSessionKey(ctx) != "session-1" || GetSessionKey(child) != "session-2" {
		t.Error("Scope updates should copy")
	}
}

func TestContextValuesEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetSessionKey(ctx) != "" || GetModel(ctx) != "" {
		t.Error("Empty context should carry no ids")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
}

func TestNewRunContext(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-parent")

	first := NewRunContext(parent, "claude-sonnet-4-5")
	second := NewRunContext(parent, "")

	if GetTraceID(first) != "trace-parent" {
		t.Error("Trace ID not kept for the run")
	}
	if GetRunID(first) == "" || GetRunID(first) == GetRunID(second) {
		t.Error("Each run should get its own run ID")
	}
	if GetModel(first) != "claude-sonnet-4-5" {
		t.Errorf("Expected model claude-sonnet-4-5, got %s", GetModel(first))
	}
	if GetModel(second) != "" {
		t.Error("Model should stay empty")
	}
}

func TestLoggerFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	base := zerolog.New(buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithSessionKey(ctx, "s1")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"session_key":"s1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, "run_id") {
		t.Error("Unset ids should not be logged")
	}
}

func TestLoggerFromContextEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := LoggerFromContext(context.Background(), zerolog.New(buf))
	logger.Info().Msg("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Error("No ids expected")
	}
}
