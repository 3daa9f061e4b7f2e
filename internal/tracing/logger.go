package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base with the non-empty scope fields of ctx attached
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	s := ScopeFrom(ctx)
	if s.empty() {
		return base
	}

	fields := make(map[string]interface{}, 4)
	for key, v := range map[string]string{
		"trace_id":    s.TraceID,
		"run_id":      s.RunID,
		"session_key": s.SessionKey,
		"model":       s.Model,
	} {
		if v != "" {
			fields[key] = v
		}
	}
	return base.With().Fields(fields).Logger()
}
