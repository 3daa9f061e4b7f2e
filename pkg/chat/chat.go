package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrInvalidRole is returned when history holds a turn whose role is not user or model
	ErrInvalidRole = errors.New("invalid turn role")
	// ErrNotInitialized is returned when a Chat is used without an adapter or model
	ErrNotInitialized = errors.New("chat session not initialized")
	// ErrEmptyMessage is returned when a send carries no parts
	ErrEmptyMessage = errors.New("message has no content")
)

// Recorder persists the turn log. Failures are logged and never fail a send.
type Recorder interface {
	AppendTurns(ctx context.Context, turns []llm.Turn) error
	ReplaceHistory(ctx context.Context, history []llm.Turn) error
}

// Options configures a Chat
type Options struct {
	SystemInstruction string
	Tools             []llm.FunctionDeclaration
	Config            llm.GenerateConfig
	Retry             retry.Options

	// CompressionThreshold is the fraction of the model's token limit that triggers compression
	CompressionThreshold float64
	// PreserveFraction is the share of recent history kept verbatim by compression
	PreserveFraction float64
	// TokenLimit overrides llm.TokenLimit(model) when set
	TokenLimit int

	Recorder Recorder
	Logger   *zerolog.Logger
}

// Chat owns one conversation's turn log. Sends are serialized: a send waits until the
// previous one has recorded its turns before building its request.
type Chat struct {
	adapter llm.Adapter
	model   *llm.ActiveModel
	opts    Options
	logger  zerolog.Logger

	// sendSlot holds a token while a send (or compression) owns the log
	sendSlot chan struct{}

	mu      sync.RWMutex
	history []llm.Turn
}

// New creates a chat over adapter. Every history turn must be a user or model turn.
func New(adapter llm.Adapter, model *llm.ActiveModel, opts Options, history ...llm.Turn) (*Chat, error) {
	observability.EnsureRegistered()

	if adapter == nil || model == nil {
		return nil, ErrNotInitialized
	}
	if err := validateHistory(history); err != nil {
		return nil, err
	}

	if opts.CompressionThreshold <= 0 || opts.CompressionThreshold > 1 {
		opts.CompressionThreshold = DefaultCompressionThreshold
	}
	if opts.PreserveFraction <= 0 || opts.PreserveFraction >= 1 {
		opts.PreserveFraction = DefaultPreserveFraction
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Chat{
		adapter:  adapter,
		model:    model,
		opts:     opts,
		logger:   logger.With().Str("component", "chat").Str("provider", adapter.Name()).Logger(),
		sendSlot: make(chan struct{}, 1),
		history:  llm.CloneTurns(history),
	}, nil
}

// Adapter returns the provider adapter the chat is bound to
func (c *Chat) Adapter() llm.Adapter {
	return c.adapter
}

// Model returns the shared active model holder
func (c *Chat) Model() *llm.ActiveModel {
	return c.model
}

// SetTools replaces the function declarations sent with each request
func (c *Chat) SetTools(tools []llm.FunctionDeclaration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Tools = tools
}

// History returns a copy of the comprehensive log, or the curated view when curated is true
func (c *Chat) History(curated bool) []llm.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if curated {
		return llm.CloneTurns(extractCuratedHistory(c.history))
	}
	return llm.CloneTurns(c.history)
}

// AddHistory appends a turn to the log
func (c *Chat) AddHistory(turn llm.Turn) error {
	if err := c.ready(); err != nil {
		return err
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, turn.Clone())
	return nil
}

// SetHistory replaces the log
func (c *Chat) SetHistory(history []llm.Turn) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := validateHistory(history); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = llm.CloneTurns(history)
	return nil
}

// ClearHistory empties the log
func (c *Chat) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// SendMessage sends parts as a new user turn and waits for the whole answer
func (c *Chat) SendMessage(ctx context.Context, parts []llm.Part) (*llm.Response, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "parley.chat", "chat.send",
		attribute.String("provider", c.adapter.Name()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	userTurn, err := newUserTurn(parts)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	curated := c.History(true)
	requestHistory := append(curated, userTurn)

	resp, err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context) (*llm.Response, error) {
		return c.adapter.GenerateContent(ctx, c.request(requestHistory))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Msg("Send failed, history unchanged")
		return nil, err
	}

	entries := []llm.Turn{userTurn}
	if afc := newAFCEntries(resp.AFCHistory, len(curated)); len(afc) > 0 {
		entries = afc
	}
	entries = append(entries, modelTurn(resp.Turn.Parts))
	c.record(ctx, entries)

	span.SetAttributes(attribute.String("finish", string(resp.Finish)))
	return resp, nil
}

// SendMessageStream sends parts as a new user turn and returns the answer as a stream.
// The caller must drain or Close the stream; the next send waits until it has finalized.
func (c *Chat) SendMessageStream(ctx context.Context, parts []llm.Part) (*Stream, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	userTurn, err := newUserTurn(parts)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	requestHistory := append(c.History(true), userTurn)

	ctx, span := tracing.StartSpan(ctx, "parley.chat", "chat.send_stream",
		attribute.String("provider", c.adapter.Name()),
	)

	inner, err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context) (llm.Stream, error) {
		return c.adapter.GenerateContentStream(ctx, c.request(requestHistory))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.release()
		return nil, err
	}

	return newStream(ctx, c, inner, userTurn, span), nil
}

func (c *Chat) request(history []llm.Turn) llm.Request {
	c.mu.RLock()
	tools := c.opts.Tools
	c.mu.RUnlock()

	return llm.Request{
		Model:             c.model.Get(),
		History:           history,
		SystemInstruction: c.opts.SystemInstruction,
		Tools:             tools,
		Config:            c.opts.Config,
	}
}

// record appends turns to the log and the recorder
func (c *Chat) record(ctx context.Context, turns []llm.Turn) {
	c.mu.Lock()
	c.history = append(c.history, turns...)
	c.mu.Unlock()

	if c.opts.Recorder == nil {
		return
	}
	// the turns are already in memory; persisting must not depend on a cancelled ctx
	if err := c.opts.Recorder.AppendTurns(context.WithoutCancel(ctx), turns); err != nil {
		tracing.LoggerFromContext(ctx, c.logger).Error().Err(err).Msg("Failed to persist turns")
	}
}

func (c *Chat) acquire(ctx context.Context) error {
	select {
	case c.sendSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chat) release() {
	<-c.sendSlot
}

func (c *Chat) ready() error {
	if c == nil || c.adapter == nil || c.model == nil || c.sendSlot == nil {
		return ErrNotInitialized
	}
	return nil
}

func newUserTurn(parts []llm.Part) (llm.Turn, error) {
	kept := make([]llm.Part, 0, len(parts))
	for _, p := range parts {
		if !p.Empty() {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return llm.Turn{}, ErrEmptyMessage
	}
	return llm.Turn{Role: llm.RoleUser, Parts: kept}.Clone(), nil
}
