package toolexecutor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIApprovalHandler_Answers(t *testing.T) {
	tests := []struct {
		input string
		want  ConfirmationOutcome
		shown string
	}{
		{"y\n", OutcomeProceedOnce, "Approved"},
		{"YES\n", OutcomeProceedOnce, "Approved"},
		{"a\n", OutcomeProceedAlways, "rest of this session"},
		{"always\n", OutcomeProceedAlways, "rest of this session"},
		{"n\n", OutcomeCancel, "Cancelled"},
		{"\n", OutcomeCancel, "Cancelled"},
		{"maybe\n", OutcomeCancel, "Invalid input: maybe"},
		{"", OutcomeCancel, "Cancelled"},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			writer := &bytes.Buffer{}
			handler := NewCLIApprovalHandler(strings.NewReader(tt.input), writer)

			outcome, err := handler.Confirm(context.Background(), ConfirmationDetails{
				ToolName: "run_shell_command",
				Title:    "Allow shell command",
				Command:  "rm -rf build",
				Cwd:      "/tmp/project",
			})

			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)

			output := writer.String()
			assert.Contains(t, output, "Allow shell command")
			assert.Contains(t, output, "rm -rf build")
			assert.Contains(t, output, "/tmp/project")
			assert.Contains(t, output, tt.shown)
		})
	}
}

func TestCLIApprovalHandler_SharedReaderKeepsBufferedInput(t *testing.T) {
	shared := bufio.NewReader(strings.NewReader("y\nnext prompt line\n"))
	handler := NewCLIApprovalHandler(shared, io.Discard)

	outcome, err := handler.Confirm(context.Background(), ConfirmationDetails{ToolName: "t"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceedOnce, outcome)

	rest, err := shared.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "next prompt line\n", rest)
}

func TestCLIApprovalHandler_ShowsArgumentsWithoutCommand(t *testing.T) {
	writer := &bytes.Buffer{}
	handler := NewCLIApprovalHandler(strings.NewReader("y\n"), writer)

	_, err := handler.Confirm(context.Background(), ConfirmationDetails{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": "main.go", "content": "package main"},
	})
	require.NoError(t, err)

	output := writer.String()
	assert.Contains(t, output, "Confirm tool call")
	assert.Contains(t, output, "path: main.go")
	assert.Less(t, strings.Index(output, "content:"), strings.Index(output, "path:"))
}

func TestCLIApprovalHandler_ContextTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	writer := &bytes.Buffer{}
	handler := NewCLIApprovalHandler(pr, writer)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome, err := handler.Confirm(ctx, ConfirmationDetails{ToolName: "t"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeCancel, outcome)
}
