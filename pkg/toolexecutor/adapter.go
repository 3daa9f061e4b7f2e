package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds a single tool execution
const DefaultTimeout = 2 * time.Minute

// Options configures an Adapter
type Options struct {
	ErrorLoopThreshold int
	// Recoverers run in order; the first that fills every missing argument wins
	Recoverers []ArgumentRecoverer
	// Approval is consulted for tools that ask for confirmation. Nil runs them directly.
	Approval *ApprovalManager

	Timeout             time.Duration
	OutputBudgets       map[string]int
	DefaultOutputBudget int

	Tracker    *ProcessTracker
	SessionKey string
	WorkingDir string
	Logger     *zerolog.Logger
}

// CallRequest is one tool call to execute
type CallRequest struct {
	Call llm.ToolCall
	// AssistantText is the latest model text, used to recover missing arguments
	AssistantText string
}

// ValidationResult is the outcome of ValidateParams
type ValidationResult struct {
	Valid bool
	Err   error
}

// Adapter validates, repairs, confirms and executes tool calls for one conversation.
// Repair counters and "always" approvals live for the adapter's lifetime only.
type Adapter struct {
	registry *Registry
	opts     Options
	repair   *repairTracker
	logger   zerolog.Logger

	mu     sync.Mutex
	always map[string]bool
}

// NewAdapter creates an adapter over registry
func NewAdapter(registry *Registry, opts Options) *Adapter {
	observability.EnsureRegistered()

	if len(opts.Recoverers) == 0 {
		opts.Recoverers = []ArgumentRecoverer{TagRecoverer{}}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DefaultOutputBudget <= 0 {
		opts.DefaultOutputBudget = DefaultOutputBudget
	}
	if opts.Tracker == nil {
		opts.Tracker = NewProcessTracker(DefaultKillGrace)
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Adapter{
		registry: registry,
		opts:     opts,
		repair:   newRepairTracker(opts.ErrorLoopThreshold),
		logger:   logger,
		always:   make(map[string]bool),
	}
}

// Registry returns the tool registry
func (a *Adapter) Registry() *Registry {
	return a.registry
}

// Tracker returns the process tracker shared with tools
func (a *Adapter) Tracker() *ProcessTracker {
	return a.opts.Tracker
}

// State returns the repair state of a tool
func (a *Adapter) State(tool string) RepairState {
	return a.repair.state(tool)
}

// Reset clears the repair state of one tool
func (a *Adapter) Reset(tool string) {
	a.repair.reset(tool)
}

// ResetAll clears every repair counter
func (a *Adapter) ResetAll() {
	a.repair.resetAll()
}

// ValidateParams runs the tool's own validation. A panicking validator becomes an
// invalid result.
func (a *Adapter) ValidateParams(tool Tool, params map[string]interface{}) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ValidationResult{Err: fmt.Errorf("validator panicked: %v", r)}
		}
	}()

	if tool == nil {
		return ValidationResult{Err: errors.New("tool is nil")}
	}
	if err := tool.ValidateParams(params); err != nil {
		return ValidationResult{Err: err}
	}
	return ValidationResult{Valid: true}
}

// ExecuteCall runs one call end to end. It never returns an error: every failure is an
// error-flagged result the model can react to.
func (a *Adapter) ExecuteCall(ctx context.Context, req CallRequest) llm.ToolResult {
	name := req.Call.Name
	ctx, span := tracing.StartSpan(ctx, "parley.tools", "tool.execute",
		attribute.String("tool", name),
		attribute.String("call_id", req.Call.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger).With().Str("tool", name).Str("call_id", req.Call.ID).Logger()

	result := a.executeCall(ctx, req, logger)
	if result.IsError {
		span.SetStatus(codes.Error, "tool call failed")
	}
	return result
}

func (a *Adapter) executeCall(ctx context.Context, req CallRequest, logger zerolog.Logger) llm.ToolResult {
	name := req.Call.Name
	fail := func(msg string) llm.ToolResult {
		return llm.ToolResult{CallID: req.Call.ID, Name: name, Output: msg, IsError: true}
	}

	tool := a.registry.GetTool(name)
	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return fail(fmt.Sprintf("tool not found: %s", name))
	}

	if a.repair.state(name) == StateErrorLoop {
		observability.RecordToolRepair(name, "rejected")
		return fail(errorLoopMessage(name, a.repair.threshold))
	}

	params := cloneParams(req.Call.Args)

	if containsMarker(params) {
		logger.Warn().Msg("Tool arguments echo a correction message")
		return a.unrecoverable(tool, fmt.Errorf("arguments repeat a previous correction message instead of real values"), req, logger)
	}

	vr := a.ValidateParams(tool, params)
	if vr.Valid {
		if blank := missingRequired(tool, params); len(blank) > 0 {
			vr = ValidationResult{Err: fmt.Errorf("required argument %s is empty", strings.Join(blank, ", "))}
		}
	}
	if !vr.Valid {
		repaired, ok := a.recover(tool, params, req.AssistantText)
		if !ok {
			return a.unrecoverable(tool, vr.Err, req, logger)
		}
		if rv := a.ValidateParams(tool, repaired); !rv.Valid {
			return a.unrecoverable(tool, rv.Err, req, logger)
		}

		observability.RecordToolRepair(name, "recovered")
		logger.Info().Msg("Recovered missing tool arguments from assistant text")
		params = repaired
	}
	a.repair.recordSuccess(name)

	if msg, ok := a.confirm(ctx, tool, params, logger); !ok {
		return fail(msg)
	}

	return a.run(ctx, tool, params, req, logger)
}

// recover tries each recoverer for the required arguments that are absent or empty
func (a *Adapter) recover(tool Tool, params map[string]interface{}, assistantText string) (map[string]interface{}, bool) {
	missing := missingRequired(tool, params)
	if len(missing) == 0 {
		return nil, false
	}
	for _, r := range a.opts.Recoverers {
		if repaired, ok := r.Recover(tool, params, missing, assistantText); ok {
			return repaired, true
		}
	}
	return nil, false
}

func (a *Adapter) unrecoverable(tool Tool, cause error, req CallRequest, logger zerolog.Logger) llm.ToolResult {
	state, failures := a.repair.recordFailure(tool.Name())
	out := llm.ToolResult{CallID: req.Call.ID, Name: tool.Name(), IsError: true}

	if state == StateErrorLoop {
		observability.RecordToolRepair(tool.Name(), "error_loop")
		logger.Error().Int("failures", failures).Msg("Tool entered error loop")
		out.Output = errorLoopMessage(tool.Name(), failures)
		return out
	}

	observability.RecordToolRepair(tool.Name(), "failed")
	logger.Warn().Err(cause).Int("failures", failures).Msg("Invalid tool call")
	out.Output = correctionMessage(tool, cause, failures, a.repair.threshold)
	return out
}

// confirm asks for confirmation when the tool requires it. On refusal it returns the
// message for the model.
func (a *Adapter) confirm(ctx context.Context, tool Tool, params map[string]interface{}, logger zerolog.Logger) (string, bool) {
	details, needed := tool.ShouldConfirmExecute(ctx, params)
	if !needed || a.opts.Approval == nil {
		return "", true
	}

	a.mu.Lock()
	always := a.always[tool.Name()]
	a.mu.Unlock()
	if always {
		return "", true
	}

	outcome, err := a.opts.Approval.Confirm(ctx, *details)
	if err != nil {
		observability.RecordToolAudit(ctx, tool.Name(), a.opts.SessionKey, "confirmation_failed", map[string]interface{}{"error": err.Error()})
		return fmt.Sprintf("Tool execution was not confirmed: %v", err), false
	}

	switch outcome {
	case OutcomeProceedAlways:
		a.mu.Lock()
		a.always[tool.Name()] = true
		a.mu.Unlock()
		observability.RecordToolAudit(ctx, tool.Name(), a.opts.SessionKey, "approved_always", nil)
		return "", true
	case OutcomeProceedOnce:
		observability.RecordToolAudit(ctx, tool.Name(), a.opts.SessionKey, "approved", nil)
		return "", true
	default:
		logger.Info().Msg("Tool call cancelled by user")
		observability.RecordToolAudit(ctx, tool.Name(), a.opts.SessionKey, "denied", nil)
		return "The user declined to run this tool call.", false
	}
}

type execOutcome struct {
	output interface{}
	err    error
}

func (a *Adapter) run(ctx context.Context, tool Tool, params map[string]interface{}, req CallRequest, logger zerolog.Logger) llm.ToolResult {
	start := time.Now()
	name := tool.Name()

	timeoutCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	execCtx := ContextWithExecContext(timeoutCtx, &ExecutionContext{
		SessionKey: a.opts.SessionKey,
		CallID:     req.Call.ID,
		WorkingDir: a.opts.WorkingDir,
		Timeout:    a.opts.Timeout,
		Tracker:    a.opts.Tracker,
	})

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Execute(execCtx, params)
		done <- execOutcome{output: out, err: err}
	}()

	res := llm.ToolResult{CallID: req.Call.ID, Name: name}

	select {
	case o := <-done:
		if o.err != nil {
			res.IsError = true
			res.Output = fmt.Sprintf("Error: %v", o.err)
			if timeoutCtx.Err() == context.DeadlineExceeded {
				res.Output = fmt.Sprintf("Error: tool execution timeout after %v", a.opts.Timeout)
			}
			break
		}
		res.Output, _ = applyBudget(name, renderOutput(o.output), a.budget(name))

	case <-timeoutCtx.Done():
		res.IsError = true
		if ctx.Err() != nil {
			res.Output = "Error: tool execution was cancelled"
		} else {
			res.Output = fmt.Sprintf("Error: tool execution timeout after %v", a.opts.Timeout)
		}
	}

	duration := time.Since(start)
	observability.RecordToolExecution(name, duration, !res.IsError)

	if res.IsError {
		logger.Error().Dur("duration", duration).Str("error", firstLine(res.Output)).Msg("Tool execution failed")
		observability.RecordToolAudit(ctx, name, a.opts.SessionKey, "error", map[string]interface{}{"duration_ms": duration.Milliseconds()})
	} else {
		logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
		observability.RecordToolAudit(ctx, name, a.opts.SessionKey, "success", map[string]interface{}{"duration_ms": duration.Milliseconds()})
	}

	return res
}

func (a *Adapter) budget(tool string) int {
	if b, ok := a.opts.OutputBudgets[tool]; ok && b > 0 {
		return b
	}
	return a.opts.DefaultOutputBudget
}

// missingRequired lists required params that are absent, null or blank strings
func missingRequired(tool Tool, params map[string]interface{}) []string {
	var missing []string
	for _, name := range requiredParams(tool.Schema()) {
		v, ok := params[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func cloneParams(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
