package toolexecutor

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// DefaultOutputBudget is the output size kept for tools without their own budget
const DefaultOutputBudget = 10 * 1024

// renderOutput converts a handler result into the text the model receives
func renderOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}

// applyBudget truncates out to at most budget bytes, on a rune boundary, and flags it
func applyBudget(tool, out string, budget int) (string, bool) {
	if budget <= 0 || len(out) <= budget {
		return out, false
	}

	cut := budget
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}

	log.Warn().
		Str("tool", tool).
		Int("original", len(out)).
		Int("truncated", cut).
		Msg("Output truncated")

	return fmt.Sprintf("%s\n... [output truncated: showing %d of %d bytes]", out[:cut], cut, len(out)), true
}
