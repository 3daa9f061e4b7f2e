package chat

import (
	"context"
	"strings"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultCompressionThreshold = 0.7
	DefaultPreserveFraction     = 0.3

	snapshotRequest = "First, reason in your scratchpad. Then, generate the <state_snapshot>."
	snapshotAck     = "Got it. Thanks for the additional context!"
)

const compressionPrompt = `You are the component that summarizes internal chat history into a given structure.

When the conversation history grows too large, you will be invoked to distill the entire history into a concise, structured XML snapshot. This snapshot is CRITICAL, as it will become the agent's *only* memory of the past. The agent will resume its work based solely on this snapshot. All crucial details, plans, errors, and user directives MUST be preserved.

First, you will think through the entire history in a private <scratchpad>. Review the user's overall goal, the agent's actions, tool outputs, file modifications, and any unresolved questions. Identify every piece of information that is essential for future actions.

After your reasoning is complete, generate the final <state_snapshot> XML object. Be incredibly dense with information. Omit any irrelevant conversational filler.

The structure MUST be as follows:

<state_snapshot>
    <overall_goal>
        <!-- A single, concise sentence describing the user's high-level objective. -->
    </overall_goal>

    <key_knowledge>
        <!-- Crucial facts, conventions, and constraints the agent must remember based on the conversation history and interaction with the user. Use bullet points. -->
    </key_knowledge>

    <file_system_state>
        <!-- List files that have been created, read, modified, or deleted. Note their status and critical learnings. -->
    </file_system_state>

    <recent_actions>
        <!-- A summary of the last few significant agent actions and their outcomes. Focus on facts. -->
    </recent_actions>

    <current_plan>
        <!-- The agent's step-by-step plan. Mark completed steps. -->
    </current_plan>
</state_snapshot>`

// Compression outcomes reported to metrics
const (
	compressionApplied  = "applied"
	compressionSkipped  = "skipped"
	compressionInflated = "inflated"
	compressionFailed   = "failed"
)

// CompressionInfo reports the token counts around a compression that was kept
type CompressionInfo struct {
	OriginalTokenCount int
	NewTokenCount      int
}

// TryCompress replaces the older part of the history with a model-written state snapshot
// when the curated history exceeds the compression threshold, or always when force is set.
// It returns nil info when nothing was compressed.
func (c *Chat) TryCompress(ctx context.Context, force bool) (*CompressionInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "parley.chat", "chat.compress",
		attribute.Bool("force", force),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	curated := c.History(true)
	if len(curated) == 0 {
		return nil, nil
	}

	model := c.model.Get()
	original, err := c.adapter.CountTokens(ctx, model, curated)
	if err != nil || !original.Known() {
		logger.Warn().Err(err).Str("model", model).Msg("Token count unavailable, skipping compression")
		return nil, nil
	}
	originalCount := *original.Total

	limit := c.opts.TokenLimit
	if limit <= 0 {
		limit = llm.TokenLimit(model)
	}
	if !force && float64(originalCount) < c.opts.CompressionThreshold*float64(limit) {
		return nil, nil
	}

	cut := findIndexAfterFraction(curated, 1-c.opts.PreserveFraction)
	// the kept tail must open with a fresh user message, never a model reply or tool result
	for cut < len(curated) && (curated[cut].Role == llm.RoleModel || curated[cut].IsToolResponse()) {
		cut++
	}
	toCompress := curated[:cut]
	toKeep := curated[cut:]
	if len(toCompress) == 0 {
		observability.RecordCompression(compressionSkipped, originalCount, originalCount)
		return nil, nil
	}

	summaryResp, err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context) (*llm.Response, error) {
		return c.adapter.GenerateContent(ctx, llm.Request{
			Model:             c.model.Get(),
			History:           summaryRequestHistory(toCompress),
			SystemInstruction: compressionPrompt,
			Config:            c.opts.Config,
		})
	})
	if err != nil {
		observability.RecordCompression(compressionFailed, originalCount, originalCount)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	summary := strings.TrimSpace(summaryResp.Text())
	if summary == "" {
		logger.Warn().Msg("Compression produced an empty summary, history unchanged")
		observability.RecordCompression(compressionFailed, originalCount, originalCount)
		return nil, nil
	}

	previous := c.History(false)
	compressed := make([]llm.Turn, 0, len(toKeep)+2)
	compressed = append(compressed, llm.NewUserTurn(summary), llm.NewModelTurn(snapshotAck))
	compressed = append(compressed, toKeep...)

	c.mu.Lock()
	c.history = compressed
	c.mu.Unlock()

	newCount, err := c.adapter.CountTokens(ctx, c.model.Get(), compressed)
	if err != nil || !newCount.Known() {
		logger.Warn().Err(err).Msg("Token count unavailable after compression")
		c.persistHistory(ctx, compressed)
		return nil, nil
	}

	if *newCount.Total >= originalCount {
		c.mu.Lock()
		c.history = previous
		c.mu.Unlock()
		logger.Info().
			Int("original_tokens", originalCount).
			Int("new_tokens", *newCount.Total).
			Msg("Compression did not reduce history, reverted")
		observability.RecordCompression(compressionInflated, originalCount, *newCount.Total)
		return nil, nil
	}

	c.persistHistory(ctx, compressed)
	observability.RecordCompression(compressionApplied, originalCount, *newCount.Total)
	span.SetAttributes(
		attribute.Int("original_tokens", originalCount),
		attribute.Int("new_tokens", *newCount.Total),
	)
	logger.Info().
		Int("original_tokens", originalCount).
		Int("new_tokens", *newCount.Total).
		Int("compressed_turns", len(toCompress)).
		Msg("Chat history compressed")

	return &CompressionInfo{OriginalTokenCount: originalCount, NewTokenCount: *newCount.Total}, nil
}

func (c *Chat) persistHistory(ctx context.Context, history []llm.Turn) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.ReplaceHistory(context.WithoutCancel(ctx), history); err != nil {
		tracing.LoggerFromContext(ctx, c.logger).Error().Err(err).Msg("Failed to persist compressed history")
	}
}

// findIndexAfterFraction returns the index of the first turn at which the cumulative
// serialized length reaches fraction of the total.
func findIndexAfterFraction(history []llm.Turn, fraction float64) int {
	if len(history) == 0 || fraction <= 0 {
		return 0
	}

	lengths := make([]int, len(history))
	total := 0
	for i, turn := range history {
		lengths[i] = turn.SerializedLength()
		total += lengths[i]
	}

	target := fraction * float64(total)
	cumulative := 0
	for i, l := range lengths {
		cumulative += l
		if float64(cumulative) >= target {
			return i
		}
	}
	return len(history)
}

// summaryRequestHistory appends the snapshot request as a user message, merged into the
// last turn when that is already a user turn.
func summaryRequestHistory(toCompress []llm.Turn) []llm.Turn {
	history := llm.CloneTurns(toCompress)
	n := len(history)
	if n > 0 && history[n-1].Role == llm.RoleUser {
		history[n-1].Parts = append(history[n-1].Parts, llm.Part{Text: snapshotRequest})
		return history
	}
	return append(history, llm.NewUserTurn(snapshotRequest))
}
