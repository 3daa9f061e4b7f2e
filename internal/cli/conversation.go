package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/coretools"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/retry"
	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// newAdapter binds the provider backend; replaced in tests
var newAdapter = func(ctx context.Context, cfg provider.Config) (llm.Adapter, error) {
	return provider.New(ctx, cfg)
}

// conversationOptions are the per-invocation choices of `parley chat`
type conversationOptions struct {
	ResumeID    string
	AutoApprove bool
	// Interactive enables stdin prompts for model fallback
	Interactive bool
	WorkingDir  string
}

// conversation wires one chat session to the agent runner
type conversation struct {
	id      string
	conv    *agent.Conversation
	runner  *agent.Runner
	queue   *commandqueue.CommandQueue
	model   *llm.ActiveModel
	tracker *toolexecutor.ProcessTracker
	printer *printer
	errOut  io.Writer
	logger  zerolog.Logger
}

func openConversation(ctx context.Context, rt *runtime, opts conversationOptions, in *bufio.Reader, out, errOut io.Writer) (*conversation, error) {
	cfg := rt.cfg
	logger := rt.log.Component("chat")

	adapter, err := newAdapter(ctx, provider.Config{
		Provider: cfg.Model.Provider,
		APIKey:   cfg.APIKey(),
		BaseURL:  cfg.Providers[cfg.Model.Provider].BaseURL,
		ProxyURL: cfg.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", cfg.Model.Provider, err)
	}

	id := opts.ResumeID
	var history []llm.Turn
	if id != "" {
		history, err = rt.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resume session: %w", err)
		}
		logger.Info().Str("session_id", id).Int("turns", len(history)).Msg("Session resumed")
	} else {
		id = uuid.New().String()
	}

	workDir := opts.WorkingDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	registry := toolexecutor.NewRegistry()
	if err := coretools.RegisterCoreTools(registry, coretools.Options{
		WorkspaceRoot: workDir,
		Shell:         cfg.Tools.Shell,
	}); err != nil {
		return nil, err
	}

	var handler toolexecutor.ConfirmationHandler = toolexecutor.NewCLIApprovalHandler(in, errOut)
	if opts.AutoApprove || cfg.Tools.AutoApprove {
		handler = toolexecutor.AutoApproveHandler{}
		observability.RecordSecurityAudit(ctx, "auto_approve", id, "enabled", nil)
		logger.Warn().Str("session_id", id).Msg("Tool calls run without confirmation")
	}

	tracker := toolexecutor.NewProcessTracker(toolexecutor.DefaultKillGrace)
	tools := toolexecutor.NewAdapter(registry, toolexecutor.Options{
		ErrorLoopThreshold:  cfg.Tools.ErrorLoopThreshold,
		Approval:            toolexecutor.NewApprovalManager(handler),
		Timeout:             time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		OutputBudgets:       cfg.Tools.OutputBudget,
		DefaultOutputBudget: cfg.Tools.DefaultOutputBudget,
		Tracker:             tracker,
		SessionKey:          id,
		WorkingDir:          workDir,
		Logger:              &logger,
	})

	model := llm.NewActiveModel(cfg.Model.Active)
	retryOpts := retryOptions(cfg)
	if cfg.Model.Fallback != "" {
		var consent retry.ConsentFunc
		if opts.Interactive {
			consent = promptConsent(in, errOut)
		}
		policy := &retry.FallbackPolicy{
			Model:         model,
			FallbackModel: cfg.Model.Fallback,
			Consent:       auditedConsent(id, consent),
		}
		retryOpts.OnPersistentQuota = policy.Handle
	}

	c, err := chat.New(adapter, model, chat.Options{
		SystemInstruction: cfg.Model.SystemPrompt,
		Tools:             registry.FunctionDeclarations(),
		Config: llm.GenerateConfig{
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
		Retry:                retryOpts,
		CompressionThreshold: cfg.Session.CompressionThreshold,
		PreserveFraction:     cfg.Session.PreserveFraction,
		Recorder:             rt.store.Transcript(id),
		Logger:               &logger,
	}, history...)
	if err != nil {
		return nil, fmt.Errorf("failed to start chat: %w", err)
	}

	queue := commandqueue.New()
	runner, err := agent.NewRunner(agent.Config{
		CommandQueue:    queue,
		SessionMaxTurns: cfg.Session.MaxTurns,
		// the check itself must not trigger a fallback prompt
		NextSpeaker:     agent.LLMNextSpeaker{Retry: retryOptions(cfg)},
		ToolConcurrency: cfg.Tools.Concurrency,
		Logger:          logger,
	})
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	return &conversation{
		id:      id,
		conv:    &agent.Conversation{ID: id, Chat: c, Tools: tools},
		runner:  runner,
		queue:   queue,
		model:   model,
		tracker: tracker,
		printer: &printer{out: out},
		errOut:  errOut,
		logger:  logger,
	}, nil
}

func retryOptions(cfg *config.Config) retry.Options {
	initial, max := cfg.RetryDelays()
	return retry.Options{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		AuthMode:     cfg.AuthMode,
	}
}

// send runs one user message through the agent loop and reports how it ended
func (c *conversation) send(ctx context.Context, text string) (agent.RunResult, error) {
	startModel := c.model.Get()

	res, err := c.runner.Run(ctx, agent.RunParams{
		Conversation: c.conv,
		Parts:        []llm.Part{{Text: text}},
		Sink:         c.printer.handle,
	})
	c.printer.finish()
	if err != nil {
		return res, err
	}

	switch {
	case res.Aborted:
		fmt.Fprintln(c.errOut, "[interrupted]")
	case res.LoopDetected:
		fmt.Fprintln(c.errOut, "[stopped: the model was repeating itself]")
	case res.MaxTurnsReached:
		fmt.Fprintln(c.errOut, "[stopped: turn limit reached for this message]")
	}
	if now := c.model.Get(); now != startModel {
		fmt.Fprintf(c.errOut, "[switched to %s]\n", now)
	}
	return res, nil
}

// close stops the queue and any tool process still running
func (c *conversation) close() {
	c.tracker.TerminateAll()
	if err := c.queue.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Queue close failed")
	}
}

// promptConsent asks on the terminal before switching to the fallback model
func promptConsent(in *bufio.Reader, out io.Writer) retry.ConsentFunc {
	return func(ctx context.Context, current, fallback string, cause error) (bool, error) {
		fmt.Fprintf(out, "\n%s keeps failing with quota errors (%v).\n", current, cause)
		fmt.Fprintf(out, "Switch to %s for the rest of this session? [y/N]: ", fallback)

		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("failed to read input: %w", err)
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

// auditedConsent records every fallback decision. A nil consent accepts.
func auditedConsent(sessionID string, consent retry.ConsentFunc) retry.ConsentFunc {
	return func(ctx context.Context, current, fallback string, cause error) (bool, error) {
		ok, err := true, error(nil)
		if consent != nil {
			ok, err = consent(ctx, current, fallback, cause)
		}

		status := "declined"
		if ok && err == nil {
			status = "granted"
		}
		observability.RecordSecurityAudit(ctx, "model_fallback", sessionID, status, map[string]interface{}{
			"from": current,
			"to":   fallback,
		})
		return ok, err
	}
}

// sessionExists reports whether id names a stored transcript
func sessionExists(store *session.Store, id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}
	if !store.Exists(id) {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return nil
}
