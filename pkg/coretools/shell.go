package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/parley/pkg/toolexecutor"
)

const defaultShellTimeout = 60 * time.Second

type shellRunner struct {
	ws          workspace
	interpreter string
}

type shellArgs struct {
	Command   string  `json:"command"`
	Directory string  `json:"directory"`
	Timeout   float64 `json:"timeout"`
}

func (s shellRunner) definition() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "run_shell_command",
		Description: "Run a shell command in the workspace and return stdout, stderr and the exit code.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
			{Name: "directory", Type: "string", Description: "Working directory (relative to workspace)"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 60)"},
		},
		Confirm: func(params map[string]interface{}) *toolexecutor.ConfirmationDetails {
			var args shellArgs
			_ = decodeArgs(params, &args)
			return &toolexecutor.ConfirmationDetails{
				ToolName: "run_shell_command",
				Title:    "Allow shell command",
				Command:  args.Command,
				Cwd:      args.Directory,
			}
		},
		Handler: s.run,
	}
}

func (s shellRunner) run(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args shellArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	dir, err := s.ws.root(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Directory) != "" {
		if dir, err = resolvePathInWorkspace(dir, args.Directory); err != nil {
			return nil, err
		}
	}

	timeout := defaultShellTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout * float64(time.Second))
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(s.shell(), "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// processes go through the call's tracker so an abort can terminate them
	tracker := toolexecutor.NewProcessTracker(0)
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil && execCtx.Tracker != nil {
		tracker = execCtx.Tracker
	}

	start := time.Now()
	exitCode := 0
	if err := tracker.Run(runCtx, cmd); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("command timed out after %v", timeout)
		default:
			return nil, err
		}
	}

	return map[string]interface{}{
		"command":   command,
		"directory": dir,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
		"duration":  time.Since(start).Milliseconds(),
	}, nil
}

func (s shellRunner) shell() string {
	if s.interpreter != "" {
		return s.interpreter
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path
	}
	return "sh"
}
