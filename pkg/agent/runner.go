package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Runner drives conversations through the model/tool loop
type Runner struct {
	queue       *commandqueue.CommandQueue
	maxTurns    int
	sessionMax  int
	nextSpeaker NextSpeakerChecker
	newDetector func() LoopDetector
	toolLimit   int
	logger      zerolog.Logger

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex

	// model turns used per conversation, checked against sessionMax
	sessionTurns map[string]int
	turnsMu      sync.Mutex
}

// Config holds runner configuration
type Config struct {
	CommandQueue *commandqueue.CommandQueue
	// MaxTurns bounds the model turns of one run; 0 means DefaultMaxTurns
	MaxTurns int
	// SessionMaxTurns bounds the model turns of a conversation across runs; 0 means unlimited
	SessionMaxTurns int
	// NextSpeaker enables continuation when set
	NextSpeaker NextSpeakerChecker
	// NewLoopDetector builds the detector for each run; nil uses NewRepetitionDetector
	NewLoopDetector func() LoopDetector
	// ToolConcurrency caps parallel tool calls of one model turn; 0 runs them all at once
	ToolConcurrency int
	Logger          zerolog.Logger
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.CommandQueue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.MaxTurns < 0 || cfg.SessionMaxTurns < 0 {
		return nil, fmt.Errorf("turn limits cannot be negative")
	}

	maxTurns := cfg.MaxTurns
	if maxTurns == 0 {
		maxTurns = DefaultMaxTurns
	}
	newDetector := cfg.NewLoopDetector
	if newDetector == nil {
		newDetector = func() LoopDetector { return NewRepetitionDetector() }
	}

	return &Runner{
		queue:        cfg.CommandQueue,
		maxTurns:     maxTurns,
		sessionMax:   cfg.SessionMaxTurns,
		nextSpeaker:  cfg.NextSpeaker,
		newDetector:  newDetector,
		toolLimit:    cfg.ToolConcurrency,
		logger:       cfg.Logger,
		activeRuns:   make(map[string]context.CancelFunc),
		sessionTurns: make(map[string]int),
	}, nil
}

// Run executes one user message, serialized with any other run of the same conversation
func (r *Runner) Run(ctx context.Context, params RunParams) (RunResult, error) {
	conv := params.Conversation
	if conv == nil || conv.Chat == nil || conv.Tools == nil {
		return RunResult{}, ErrInvalidConversation
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, conv.ID)
	ctx, span := tracing.StartSpan(ctx, "parley.agent", "agent.run",
		attribute.String("session_id", conv.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	lane := fmt.Sprintf("session-%s", conv.ID)
	var result RunResult
	err := r.queue.Run(ctx, lane, func(taskCtx context.Context) error {
		var err error
		result, err = r.execute(taskCtx, params)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Agent run failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	span.SetAttributes(
		attribute.Int("turns", result.Turns),
		attribute.Bool("aborted", result.Aborted),
	)
	return result, nil
}

// Abort cancels the running run of a conversation
func (r *Runner) Abort(sessionID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionID]
	if !exists {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Aborting agent run")
	cancel()
	delete(r.activeRuns, sessionID)
}

// IsRunning checks if a run is in progress for a conversation
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionID]
	return exists
}

// SessionTurns returns the model turns a conversation has used
func (r *Runner) SessionTurns(sessionID string) int {
	r.turnsMu.Lock()
	defer r.turnsMu.Unlock()
	return r.sessionTurns[sessionID]
}

func (r *Runner) execute(ctx context.Context, params RunParams) (RunResult, error) {
	conv := params.Conversation
	ctx = tracing.NewRunContext(ctx, conv.Chat.Model().Get())
	logger := tracing.LoggerFromContext(ctx, r.logger)
	provider := conv.Chat.Adapter().Name()
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[conv.ID] = cancel
	r.runsMu.Unlock()

	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, conv.ID)
		r.runsMu.Unlock()
	}()

	sink := params.Sink
	if sink == nil {
		sink = func(llm.Event) {}
	}

	result, err := r.loop(runCtx, conv, params.Parts, sink, logger)
	observability.RecordAgentRun(provider, time.Since(start), err == nil && !result.Aborted)
	return result, err
}

// loop runs model turns until the model stops asking for tools and does not need to continue
func (r *Runner) loop(ctx context.Context, conv *Conversation, parts []llm.Part, sink Sink, logger zerolog.Logger) (RunResult, error) {
	result := RunResult{Finish: llm.FinishUnknown}
	detector := r.newDetector()
	message := parts

	// results of executed calls not yet sent back to the model
	var pending []llm.ToolResult
	stop := func() {
		if len(pending) == 0 {
			return
		}
		if err := conv.Chat.AddHistory(llm.NewToolResultTurn(pending)); err != nil {
			logger.Error().Err(err).Msg("Failed to record unsent tool results")
		}
		pending = nil
	}

	for {
		if ctx.Err() != nil {
			stop()
			result.Aborted = true
			return result, nil
		}
		if result.Turns >= r.maxTurns {
			logger.Warn().Int("max_turns", r.maxTurns).Msg("Run stopped at the turn limit")
			stop()
			result.MaxTurnsReached = true
			return result, nil
		}
		if err := r.reserveTurn(conv.ID); err != nil {
			stop()
			return result, err
		}
		if detector.TurnStarted(ctx) {
			logger.Warn().Msg("Loop detected before turn start")
			stop()
			result.LoopDetected = true
			return result, nil
		}

		if info, err := conv.Chat.TryCompress(ctx, false); err != nil {
			logger.Warn().Err(err).Msg("Chat compression failed")
		} else if info != nil {
			logger.Info().
				Int("original_tokens", info.OriginalTokenCount).
				Int("new_tokens", info.NewTokenCount).
				Msg("History compressed before turn")
		}

		switches := conv.Chat.Model().Switches()
		stream, err := conv.Chat.SendMessageStream(ctx, message)
		if err != nil {
			if ctx.Err() != nil {
				stop()
				result.Aborted = true
				return result, nil
			}
			stop()
			return result, err
		}
		pending = nil
		result.Turns++
		observability.RecordAgentTurn(conv.Chat.Adapter().Name())

		turn, err := r.consume(stream, detector, sink)
		result.Finish = stream.Finish()
		if text := turn.text; text != "" {
			result.Text = text
		}
		switch {
		case turn.loop:
			logger.Warn().Int("turn", result.Turns).Msg("Loop detected, turn aborted")
			result.LoopDetected = true
			return result, nil
		case err != nil && ctx.Err() != nil:
			result.Aborted = true
			return result, nil
		case err != nil:
			return result, err
		}

		if len(turn.calls) > 0 {
			result.ToolCalls = append(result.ToolCalls, turn.calls...)
			pending = r.executeTools(ctx, conv, turn.calls, turn.text, sink)
			message = toolResultParts(pending)
			continue
		}

		if conv.Chat.Model().Switches() != switches {
			// a fallback fired during the turn; the new model must not continue context meant for the old one
			logger.Info().Str("model", conv.Chat.Model().Get()).Msg("Model switched during turn, skipping continuation")
			result.ModelSwitched = true
			return result, nil
		}
		if r.nextSpeaker == nil || ctx.Err() != nil {
			return result, nil
		}

		speaker, err := r.nextSpeaker.Check(ctx, conv.Chat)
		if err != nil {
			logger.Warn().Err(err).Msg("Next speaker check failed")
			return result, nil
		}
		if speaker != SpeakerModel {
			return result, nil
		}
		logger.Debug().Int("turn", result.Turns).Msg("Model continues without user input")
		message = []llm.Part{{Text: ContinuationPrompt}}
	}
}

type turnOutput struct {
	text  string
	calls []llm.ToolCall
	loop  bool
}

// consume relays one streamed model turn to the sink
func (r *Runner) consume(stream llm.Stream, detector LoopDetector, sink Sink) (turnOutput, error) {
	var (
		out  turnOutput
		text strings.Builder
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			out.text = text.String()
			return out, nil
		}
		if err != nil {
			out.text = text.String()
			return out, err
		}

		if detector.AddAndCheck(ev) {
			_ = stream.Close()
			out.text = text.String()
			out.calls = nil
			out.loop = true
			return out, nil
		}

		switch ev.Type {
		case llm.EventContent:
			text.WriteString(ev.Text)
		case llm.EventToolCallRequest:
			if ev.ToolCall != nil {
				out.calls = append(out.calls, *ev.ToolCall)
			}
		}
		sink(ev)
	}
}

// executeTools runs the calls of one model turn in parallel. Results keep call order.
func (r *Runner) executeTools(ctx context.Context, conv *Conversation, calls []llm.ToolCall, assistantText string, sink Sink) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))

	var g errgroup.Group
	if r.toolLimit > 0 {
		g.SetLimit(r.toolLimit)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = conv.Tools.ExecuteCall(ctx, toolexecutor.CallRequest{
				Call:          call,
				AssistantText: assistantText,
			})
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		res := results[i]
		sink(llm.Event{Type: llm.EventToolCallResponse, ToolResult: &res})
	}
	return results
}

func (r *Runner) reserveTurn(sessionID string) error {
	r.turnsMu.Lock()
	defer r.turnsMu.Unlock()
	if r.sessionMax > 0 && r.sessionTurns[sessionID] >= r.sessionMax {
		return fmt.Errorf("%w (%d)", ErrSessionTurnLimit, r.sessionMax)
	}
	r.sessionTurns[sessionID]++
	return nil
}

func toolResultParts(results []llm.ToolResult) []llm.Part {
	return llm.NewToolResultTurn(results).Parts
}
