package agent

import (
	"context"
	"strings"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/retry"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Speaker names who should talk next
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// NextSpeakerChecker decides whether the model should keep going without new user input
type NextSpeakerChecker interface {
	Check(ctx context.Context, c *chat.Chat) (Speaker, error)
}

const nextSpeakerPrompt = `Look only at your immediately preceding response (your last turn in this conversation) and decide who should speak next: the "user" or the "model" (you).

Rules, in order:
1. If your last response says you are about to take a next step yourself ("Next, I will...", "Now I'll..."), mentions a tool call you meant to make but did not, or stops mid-thought, the model speaks next.
2. If your last response ends with a question addressed to the user, the user speaks next.
3. Otherwise your response is complete and waits for the user, so the user speaks next.

Reply with a single JSON object and nothing else:
{"reasoning": "<one short sentence>", "next_speaker": "user" | "model"}`

// LLMNextSpeaker asks the chat's own model who should speak next. The question and its
// answer are never recorded in the chat history.
type LLMNextSpeaker struct {
	Retry retry.Options
}

// Check implements NextSpeakerChecker
func (n LLMNextSpeaker) Check(ctx context.Context, c *chat.Chat) (Speaker, error) {
	comprehensive := c.History(false)
	if len(comprehensive) == 0 {
		return SpeakerUser, nil
	}

	last := comprehensive[len(comprehensive)-1]
	// tool results still waiting for a reply, or a reply that came back empty
	if last.IsToolResponse() {
		return SpeakerModel, nil
	}
	if last.Role == llm.RoleModel && len(last.Parts) == 0 {
		return SpeakerModel, nil
	}

	curated := c.History(true)
	if len(curated) == 0 || curated[len(curated)-1].Role != llm.RoleModel {
		return SpeakerUser, nil
	}

	adapter := c.Adapter()
	model := c.Model()
	history := append(curated, llm.NewUserTurn(nextSpeakerPrompt))

	resp, err := retry.Do(ctx, n.Retry, func(ctx context.Context) (*llm.Response, error) {
		return adapter.GenerateContent(ctx, llm.Request{
			Model:   model.Get(),
			History: history,
		})
	})
	if err != nil {
		return SpeakerUser, err
	}

	speaker, reasoning := parseNextSpeaker(resp.Text())
	tracing.LoggerFromContext(ctx, log.Logger).Debug().
		Str("next_speaker", string(speaker)).
		Str("reasoning", reasoning).
		Msg("Next speaker checked")
	return speaker, nil
}

// parseNextSpeaker reads the checker's JSON answer. Anything unreadable means the user speaks.
func parseNextSpeaker(text string) (Speaker, string) {
	raw := extractJSONObject(text)
	if raw == "" || !gjson.Valid(raw) {
		return SpeakerUser, ""
	}
	result := gjson.Parse(raw)
	reasoning := result.Get("reasoning").String()
	switch Speaker(result.Get("next_speaker").String()) {
	case SpeakerModel:
		return SpeakerModel, reasoning
	default:
		return SpeakerUser, reasoning
	}
}

// extractJSONObject strips code fences and surrounding prose from a JSON answer
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
