package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/parley/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellFixture registers a fake run_shell_command and counts executions
type shellFixture struct {
	adapter  *Adapter
	executed atomic.Int32
	lastCmd  atomic.Value
}

func newShellFixture(t *testing.T, opts Options) *shellFixture {
	t.Helper()
	f := &shellFixture{}

	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name:        "run_shell_command",
		Description: "Run a shell command",
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "Command line", Required: true},
			{Name: "description", Type: "string", Description: "Why"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			f.executed.Add(1)
			f.lastCmd.Store(params["command"])
			return "ran: " + params["command"].(string), nil
		},
	}))

	f.adapter = NewAdapter(reg, opts)
	return f
}

func shellCall(args map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: "call_1", Name: "run_shell_command", Args: args}
}

func TestAdapter_ExecuteCall_Success(t *testing.T) {
	f := newShellFixture(t, Options{})

	res := f.adapter.ExecuteCall(context.Background(), CallRequest{Call: shellCall(map[string]interface{}{"command": "ls"})})

	assert.False(t, res.IsError)
	assert.Equal(t, "call_1", res.CallID)
	assert.Equal(t, "run_shell_command", res.Name)
	assert.Equal(t, "ran: ls", res.Output)
	assert.Equal(t, StateClean, f.adapter.State("run_shell_command"))
}

func TestAdapter_ExecuteCall_ToolNotFound(t *testing.T) {
	f := newShellFixture(t, Options{})

	res := f.adapter.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "x", Name: "nope"}})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "tool not found")
}

func TestAdapter_RecoversMissingArgumentFromTag(t *testing.T) {
	f := newShellFixture(t, Options{})

	res := f.adapter.ExecuteCall(context.Background(), CallRequest{
		Call:          shellCall(map[string]interface{}{}),
		AssistantText: "I will list files.\n<command>ls -la</command>",
	})

	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "ran: ls -la", res.Output)
	assert.EqualValues(t, 1, f.executed.Load())
	assert.Equal(t, StateClean, f.adapter.State("run_shell_command"))
}

func TestAdapter_RecoveryUsesLastTag(t *testing.T) {
	f := newShellFixture(t, Options{})

	res := f.adapter.ExecuteCall(context.Background(), CallRequest{
		Call:          shellCall(map[string]interface{}{"command": "  "}),
		AssistantText: "<command>rm -rf build</command> no wait <command>make clean</command>",
	})

	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "make clean", f.lastCmd.Load())
	assert.EqualValues(t, 1, f.executed.Load())
}

func TestAdapter_UnrecoverableReturnsCorrection(t *testing.T) {
	f := newShellFixture(t, Options{})

	res := f.adapter.ExecuteCall(context.Background(), CallRequest{Call: shellCall(map[string]interface{}{})})

	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Output, CorrectionMarker))
	assert.Contains(t, res.Output, "run_shell_command(command: string (required), description: string)")
	assert.Equal(t, StateRepairing, f.adapter.State("run_shell_command"))
	assert.EqualValues(t, 0, f.executed.Load())
}

func TestAdapter_ErrorLoopAfterThreeFailures(t *testing.T) {
	f := newShellFixture(t, Options{})
	ctx := context.Background()
	bad := CallRequest{Call: shellCall(map[string]interface{}{})}

	f.adapter.ExecuteCall(ctx, bad)
	f.adapter.ExecuteCall(ctx, bad)
	assert.Equal(t, StateRepairing, f.adapter.State("run_shell_command"))

	res := f.adapter.ExecuteCall(ctx, bad)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "disabled")
	assert.Equal(t, StateErrorLoop, f.adapter.State("run_shell_command"))

	// even a valid call is rejected now
	res = f.adapter.ExecuteCall(ctx, CallRequest{Call: shellCall(map[string]interface{}{"command": "ls"})})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "disabled")
	assert.EqualValues(t, 0, f.executed.Load())

	f.adapter.Reset("run_shell_command")
	assert.Equal(t, StateClean, f.adapter.State("run_shell_command"))

	res = f.adapter.ExecuteCall(ctx, CallRequest{Call: shellCall(map[string]interface{}{"command": "ls"})})
	assert.False(t, res.IsError)
	assert.EqualValues(t, 1, f.executed.Load())
}

func TestAdapter_SuccessResetsCounter(t *testing.T) {
	f := newShellFixture(t, Options{})
	ctx := context.Background()
	bad := CallRequest{Call: shellCall(map[string]interface{}{})}
	good := CallRequest{Call: shellCall(map[string]interface{}{"command": "pwd"})}

	f.adapter.ExecuteCall(ctx, bad)
	f.adapter.ExecuteCall(ctx, bad)
	f.adapter.ExecuteCall(ctx, good)
	f.adapter.ExecuteCall(ctx, bad)
	f.adapter.ExecuteCall(ctx, bad)

	assert.Equal(t, StateRepairing, f.adapter.State("run_shell_command"))
}

func TestAdapter_EchoGuard(t *testing.T) {
	f := newShellFixture(t, Options{})

	echoed := CorrectionMarker + " The call to \"run_shell_command\" was rejected"
	res := f.adapter.ExecuteCall(context.Background(), CallRequest{
		Call:          shellCall(map[string]interface{}{"command": echoed}),
		AssistantText: "<command>ls</command>",
	})

	assert.True(t, res.IsError)
	assert.EqualValues(t, 0, f.executed.Load())
	assert.Equal(t, StateRepairing, f.adapter.State("run_shell_command"))
}

func TestAdapter_CountersArePerAdapter(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name: "t", Description: "d", Handler: noopHandler,
		Parameters: []ToolParameter{{Name: "p", Type: "string", Description: "p", Required: true}},
	}))

	first := NewAdapter(reg, Options{ErrorLoopThreshold: 1})
	second := NewAdapter(reg, Options{ErrorLoopThreshold: 1})

	first.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "1", Name: "t"}})

	assert.Equal(t, StateErrorLoop, first.State("t"))
	assert.Equal(t, StateClean, second.State("t"))
}

type panickyTool struct{ *FunctionTool }

func (panickyTool) ValidateParams(map[string]interface{}) error { panic("boom") }

func TestAdapter_ValidateParamsRecoversPanic(t *testing.T) {
	base, err := NewFunctionTool(ToolDefinition{Name: "p", Description: "d", Handler: noopHandler})
	require.NoError(t, err)

	a := NewAdapter(NewRegistry(), Options{})
	res := a.ValidateParams(panickyTool{base}, nil)

	assert.False(t, res.Valid)
	assert.Contains(t, res.Err.Error(), "panicked")
}

func TestAdapter_HandlerErrorAndPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name: "failing", Description: "d",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("handler error")
		},
	}))
	require.NoError(t, reg.Register(ToolDefinition{
		Name: "panicking", Description: "d",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}))
	a := NewAdapter(reg, Options{})

	res := a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "1", Name: "failing"}})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "handler error")

	res = a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "2", Name: "panicking"}})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "kaboom")
}

func TestAdapter_Timeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name: "slow_tool", Description: "d",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(2 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	a := NewAdapter(reg, Options{Timeout: 50 * time.Millisecond})

	res := a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "1", Name: "slow_tool"}})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "timeout")
}

func TestAdapter_OutputBudget(t *testing.T) {
	large := strings.Repeat("A", 15*1024)
	reg := NewRegistry()
	for _, name := range []string{"big", "small_budget"} {
		require.NoError(t, reg.Register(ToolDefinition{
			Name: name, Description: "d",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return large, nil
			},
		}))
	}
	a := NewAdapter(reg, Options{OutputBudgets: map[string]int{"small_budget": 100}})

	res := a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "1", Name: "big"}})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Output, "[output truncated: showing 10240 of 15360 bytes]")

	res = a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "2", Name: "small_budget"}})
	assert.True(t, strings.HasPrefix(res.Output, strings.Repeat("A", 100)+"\n"))
}

func TestAdapter_StructuredOutputIsJSON(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name: "info", Description: "d",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			execCtx := ExecContextFromContext(ctx)
			return map[string]interface{}{"session": execCtx.SessionKey, "call": execCtx.CallID}, nil
		},
	}))
	a := NewAdapter(reg, Options{SessionKey: "s1"})

	res := a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "c9", Name: "info"}})
	assert.JSONEq(t, `{"session":"s1","call":"c9"}`, res.Output)
}

type scriptedHandler struct {
	outcomes []ConfirmationOutcome
	calls    int
}

func (s *scriptedHandler) Confirm(ctx context.Context, details ConfirmationDetails) (ConfirmationOutcome, error) {
	o := s.outcomes[s.calls]
	s.calls++
	return o, nil
}

func confirmingRegistry(t *testing.T, executed *int) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name: "write_file", Description: "d",
		Parameters: []ToolParameter{{Name: "path", Type: "string", Description: "p", Required: true}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			*executed++
			return "ok", nil
		},
		Confirm: func(params map[string]interface{}) *ConfirmationDetails {
			return &ConfirmationDetails{Title: "Write file", Params: params}
		},
	}))
	return reg
}

func TestAdapter_ConfirmationOutcomes(t *testing.T) {
	executed := 0
	handler := &scriptedHandler{outcomes: []ConfirmationOutcome{OutcomeCancel, OutcomeProceedOnce, OutcomeProceedAlways}}
	a := NewAdapter(confirmingRegistry(t, &executed), Options{Approval: NewApprovalManager(handler)})
	ctx := context.Background()
	call := CallRequest{Call: llm.ToolCall{ID: "1", Name: "write_file", Args: map[string]interface{}{"path": "a"}}}

	res := a.ExecuteCall(ctx, call)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "declined")
	assert.Equal(t, 0, executed)

	res = a.ExecuteCall(ctx, call)
	assert.False(t, res.IsError)
	assert.Equal(t, 1, executed)

	a.ExecuteCall(ctx, call)
	assert.Equal(t, 2, executed)

	// remembered: no further prompts
	a.ExecuteCall(ctx, call)
	a.ExecuteCall(ctx, call)
	assert.Equal(t, 4, executed)
	assert.Equal(t, 3, handler.calls)
}

func TestAdapter_NoApprovalManagerRunsDirectly(t *testing.T) {
	executed := 0
	a := NewAdapter(confirmingRegistry(t, &executed), Options{})

	res := a.ExecuteCall(context.Background(), CallRequest{Call: llm.ToolCall{ID: "1", Name: "write_file", Args: map[string]interface{}{"path": "a"}}})

	assert.False(t, res.IsError)
	assert.Equal(t, 1, executed)
}
