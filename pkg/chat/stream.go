package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stream relays a provider stream while accumulating the model turn. When the stream
// ends, fails, is cancelled or is closed, the user turn and whatever model output arrived
// are recorded exactly once and the chat accepts the next send.
type Stream struct {
	ctx      context.Context
	chat     *Chat
	inner    llm.Stream
	userTurn llm.Turn
	span     trace.Span

	mu     sync.Mutex
	parts  []llm.Part
	finish llm.FinishReason
	usage  *llm.Usage
	turn   llm.Turn
	err    error
	done   bool

	once sync.Once
}

func newStream(ctx context.Context, c *Chat, inner llm.Stream, userTurn llm.Turn, span trace.Span) *Stream {
	return &Stream{
		ctx:      ctx,
		chat:     c,
		inner:    inner,
		userTurn: userTurn,
		span:     span,
		finish:   llm.FinishUnknown,
	}
}

// Recv returns the next event. It returns io.EOF after a clean end and the cause after a
// failure or cancellation; every later call returns the same terminal error.
func (s *Stream) Recv() (llm.Event, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return llm.Event{}, err
	}
	s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		s.finalize(err)
		return llm.Event{}, err
	}

	ev, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		s.finalize(nil)
		return llm.Event{}, io.EOF
	}
	if err != nil {
		// a cancelled request surfaces as a transport error; report the cancellation
		if cerr := s.ctx.Err(); cerr != nil {
			err = cerr
		}
		s.finalize(err)
		return llm.Event{}, err
	}

	switch ev.Type {
	case llm.EventContent, llm.EventToolCallRequest:
		if part, ok := ev.Part(); ok {
			s.mu.Lock()
			s.parts = append(s.parts, part)
			s.mu.Unlock()
		}
	case llm.EventDone:
		s.mu.Lock()
		if ev.Finish != "" {
			s.finish = ev.Finish
		}
		s.usage = ev.Usage
		s.mu.Unlock()
	case llm.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("provider reported a stream error")
		}
		s.finalize(err)
		return llm.Event{}, err
	}
	return ev, nil
}

// Close stops the stream early. Output received so far is recorded without unanswered tool calls.
func (s *Stream) Close() error {
	s.finalize(context.Canceled)
	return nil
}

// Finish returns the terminal reason reported by the provider
func (s *Stream) Finish() llm.FinishReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish
}

// Usage returns token accounting, if the provider reported any
func (s *Stream) Usage() *llm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Turn returns the recorded model turn once the stream has ended
func (s *Stream) Turn() llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.Clone()
}

func (s *Stream) finalize(cause error) {
	s.once.Do(func() {
		defer s.chat.release()
		defer s.span.End()

		if err := s.inner.Close(); err != nil {
			tracing.LoggerFromContext(s.ctx, s.chat.logger).Debug().Err(err).Msg("Failed to close provider stream")
		}

		s.mu.Lock()
		parts := s.parts
		if cause != nil {
			parts = withoutToolCalls(parts)
			if s.finish == llm.FinishUnknown || s.finish == llm.FinishToolCalls {
				s.finish = llm.FinishError
			}
		}
		s.turn = modelTurn(parts)
		s.err = cause
		s.done = true
		turn := s.turn
		s.mu.Unlock()

		if cause != nil {
			s.span.RecordError(cause)
			s.span.SetStatus(codes.Error, cause.Error())
		}
		s.span.SetAttributes(
			attribute.String("finish", string(s.finish)),
			attribute.Int("parts", len(turn.Parts)),
		)

		s.chat.record(s.ctx, []llm.Turn{s.userTurn, turn})
	})
}
