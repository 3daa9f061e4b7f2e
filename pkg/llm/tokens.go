package llm

import "strings"

// DefaultTokenLimit applies to models missing from the table
const DefaultTokenLimit = 1_048_576

var tokenLimits = []struct {
	prefix string
	limit  int
}{
	{"gemini-1.5-pro", 2_097_152},
	{"gemini-1.5-flash", 1_048_576},
	{"gemini-2.5", 1_048_576},
	{"gemini-2.0-flash-preview-image-generation", 32_000},
	{"gemini-2.0", 1_048_576},
	{"claude-", 200_000},
	{"gpt-4.1", 1_047_576},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-3.5-turbo", 16_385},
	{"o1", 200_000},
	{"o3", 200_000},
	{"o4", 200_000},
}

// TokenLimit returns the context window of a model
func TokenLimit(model string) int {
	for _, entry := range tokenLimits {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.limit
		}
	}
	return DefaultTokenLimit
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(turns []Turn) int {
	totalChars := 0
	for _, t := range turns {
		totalChars += t.SerializedLength()
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
