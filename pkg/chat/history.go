package chat

import (
	"fmt"

	"github.com/harun/parley/pkg/llm"
)

func validateHistory(history []llm.Turn) error {
	for i, turn := range history {
		if !turn.Role.Valid() {
			return fmt.Errorf("%w: turn %d has role %q", ErrInvalidRole, i, turn.Role)
		}
	}
	return nil
}

// extractCuratedHistory drops invalid model output together with the user turn that
// produced it, so provider requests keep strict user/model alternation.
func extractCuratedHistory(comprehensive []llm.Turn) []llm.Turn {
	if len(comprehensive) == 0 {
		return nil
	}

	curated := make([]llm.Turn, 0, len(comprehensive))
	for i := 0; i < len(comprehensive); {
		if comprehensive[i].Role == llm.RoleUser {
			curated = append(curated, comprehensive[i])
			i++
			continue
		}

		var run []llm.Turn
		valid := true
		for i < len(comprehensive) && comprehensive[i].Role == llm.RoleModel {
			run = append(run, comprehensive[i])
			if !comprehensive[i].IsValid() {
				valid = false
			}
			i++
		}

		if valid {
			curated = append(curated, run...)
		} else if n := len(curated); n > 0 && curated[n-1].Role == llm.RoleUser {
			curated = curated[:n-1]
		}
	}
	return curated
}

// consolidate drops thought parts and merges adjacent plain text parts into one
func consolidate(parts []llm.Part) []llm.Part {
	out := make([]llm.Part, 0, len(parts))
	for _, p := range parts {
		if p.Thought {
			continue
		}
		if p.IsText() {
			if p.Text == "" {
				continue
			}
			if n := len(out); n > 0 && out[n-1].IsText() {
				out[n-1].Text += p.Text
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// modelTurn builds the recorded model turn. With no content left it is an empty (invalid)
// turn, which keeps the exchange in the comprehensive log but out of curated history.
func modelTurn(parts []llm.Part) llm.Turn {
	consolidated := consolidate(parts)
	if len(consolidated) == 0 {
		return llm.Turn{Role: llm.RoleModel}
	}
	return llm.Turn{Role: llm.RoleModel, Parts: consolidated}
}

// withoutToolCalls strips calls that were never answered, e.g. from an aborted stream
func withoutToolCalls(parts []llm.Part) []llm.Part {
	out := parts[:0:0]
	for _, p := range parts {
		if p.ToolCall == nil {
			out = append(out, p)
		}
	}
	return out
}

// newAFCEntries returns the part of a provider-side function calling transcript not
// already covered by the request's curated history.
func newAFCEntries(afc []llm.Turn, curatedLen int) []llm.Turn {
	if curatedLen >= len(afc) {
		return nil
	}
	return extractCuratedHistory(afc[curatedLen:])
}
