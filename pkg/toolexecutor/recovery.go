package toolexecutor

import (
	"regexp"
	"strconv"
	"strings"
)

// ArgumentRecoverer tries to fill missing required arguments from the assistant's
// latest text. It returns the repaired params and whether every missing name was filled.
type ArgumentRecoverer interface {
	Recover(tool Tool, params map[string]interface{}, missing []string, assistantText string) (map[string]interface{}, bool)
}

// TagRecoverer recovers <name>value</name> declarations. The last occurrence of a tag wins.
type TagRecoverer struct{}

func (TagRecoverer) Recover(tool Tool, params map[string]interface{}, missing []string, assistantText string) (map[string]interface{}, bool) {
	if len(missing) == 0 || strings.TrimSpace(assistantText) == "" {
		return nil, false
	}

	schema := tool.Schema()
	repaired := make(map[string]interface{}, len(params)+len(missing))
	for k, v := range params {
		repaired[k] = v
	}

	for _, name := range missing {
		raw, ok := lastTagValue(assistantText, name)
		if !ok {
			return nil, false
		}
		value, ok := coerce(raw, paramType(schema, name))
		if !ok {
			return nil, false
		}
		repaired[name] = value
	}
	return repaired, true
}

func lastTagValue(text, name string) (string, bool) {
	re, err := regexp.Compile(`(?s)<` + regexp.QuoteMeta(name) + `>(.*?)</` + regexp.QuoteMeta(name) + `>`)
	if err != nil {
		return "", false
	}
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	value := strings.TrimSpace(matches[len(matches)-1][1])
	if value == "" || strings.Contains(value, CorrectionMarker) {
		return "", false
	}
	return value, true
}

func coerce(raw, typ string) (interface{}, bool) {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false
		}
		return float64(n), true
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false
		}
		return b, true
	case "", "string":
		return raw, true
	default:
		return nil, false
	}
}
