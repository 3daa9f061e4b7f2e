package retry

import (
	"context"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/pkg/llm"
	"github.com/rs/zerolog/log"
)

// Authentication modes. Fallback only applies to oauth sessions.
const (
	AuthModeAPIKey = "api_key"
	AuthModeOAuth  = "oauth"
)

// ConsentFunc asks whether to switch from current to fallback after err.
type ConsentFunc func(ctx context.Context, current, fallback string, err error) (bool, error)

// FallbackPolicy swaps the active model to a designated fallback after a persistent
// quota error. A nil Consent accepts the swap without asking.
type FallbackPolicy struct {
	Model         *llm.ActiveModel
	FallbackModel string
	Consent       ConsentFunc
}

// Handle implements QuotaHandler. It returns the new model id when the swap happened,
// or an empty id when it was declined or not applicable.
func (p *FallbackPolicy) Handle(ctx context.Context, authMode string, err error) (string, error) {
	if authMode != AuthModeOAuth || p.Model == nil || p.FallbackModel == "" {
		return "", nil
	}

	current := p.Model.Get()
	if current == p.FallbackModel {
		observability.RecordFallback("already_fallback")
		return "", nil
	}

	if p.Consent != nil {
		ok, cerr := p.Consent(ctx, current, p.FallbackModel, err)
		if cerr != nil {
			observability.RecordFallback("error")
			return "", cerr
		}
		if !ok {
			observability.RecordFallback("declined")
			log.Info().Str("model", current).Msg("Model fallback declined")
			return "", nil
		}
	}

	if !p.Model.Set(p.FallbackModel) {
		return "", nil
	}

	observability.RecordFallback("accepted")
	log.Warn().
		Str("from", current).
		Str("to", p.FallbackModel).
		Msg("Switched to fallback model after persistent quota errors")
	return p.FallbackModel, nil
}
