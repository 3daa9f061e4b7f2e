package toolexecutor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recoveryTool(t *testing.T) Tool {
	t.Helper()
	tool, err := NewFunctionTool(ToolDefinition{
		Name:        "search",
		Description: "Search files",
		Parameters: []ToolParameter{
			{Name: "pattern", Type: "string", Description: "Pattern", Required: true},
			{Name: "limit", Type: "integer", Description: "Limit", Required: true},
			{Name: "regex", Type: "boolean", Description: "Regex mode"},
		},
		Handler: noopHandler,
	})
	require.NoError(t, err)
	return tool
}

func TestTagRecoverer(t *testing.T) {
	tool := recoveryTool(t)

	tests := []struct {
		name    string
		params  map[string]interface{}
		missing []string
		text    string
		want    map[string]interface{}
		ok      bool
	}{
		{
			name:    "single tag",
			params:  map[string]interface{}{"limit": 5.0},
			missing: []string{"pattern"},
			text:    "Searching for <pattern>TODO</pattern> now",
			want:    map[string]interface{}{"limit": 5.0, "pattern": "TODO"},
			ok:      true,
		},
		{
			name:    "multiline and last wins",
			params:  map[string]interface{}{},
			missing: []string{"pattern", "limit"},
			text:    "<pattern>first</pattern>\n<limit>3</limit>\n<pattern>\n  func main\n</pattern>",
			want:    map[string]interface{}{"pattern": "func main", "limit": 3.0},
			ok:      true,
		},
		{
			name:    "integer that does not parse",
			params:  map[string]interface{}{"pattern": "x"},
			missing: []string{"limit"},
			text:    "<limit>ten</limit>",
			ok:      false,
		},
		{
			name:    "one of two missing",
			params:  map[string]interface{}{},
			missing: []string{"pattern", "limit"},
			text:    "<pattern>x</pattern>",
			ok:      false,
		},
		{
			name:    "empty tag",
			params:  map[string]interface{}{},
			missing: []string{"pattern"},
			text:    "<pattern>   </pattern>",
			ok:      false,
		},
		{
			name:    "tag holding a correction",
			params:  map[string]interface{}{},
			missing: []string{"pattern"},
			text:    "<pattern>" + CorrectionMarker + " rejected</pattern>",
			ok:      false,
		},
		{
			name:    "no text",
			params:  map[string]interface{}{},
			missing: []string{"pattern"},
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TagRecoverer{}.Recover(tool, tt.params, tt.missing, tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTagRecoverer_DoesNotMutateInput(t *testing.T) {
	tool := recoveryTool(t)
	params := map[string]interface{}{"limit": 1.0}

	_, ok := TagRecoverer{}.Recover(tool, params, []string{"pattern"}, "<pattern>p</pattern>")
	require.True(t, ok)
	assert.NotContains(t, params, "pattern")
}

func TestMissingRequired(t *testing.T) {
	tool := recoveryTool(t)

	assert.Equal(t, []string{"limit", "pattern"}, missingRequired(tool, map[string]interface{}{}))
	assert.Equal(t, []string{"pattern"}, missingRequired(tool, map[string]interface{}{"pattern": " ", "limit": 2.0}))
	assert.Empty(t, missingRequired(tool, map[string]interface{}{"pattern": "x", "limit": 2.0}))
}

func TestContainsMarker(t *testing.T) {
	assert.False(t, containsMarker(map[string]interface{}{"a": "ls"}))
	assert.True(t, containsMarker(map[string]interface{}{"a": []interface{}{"x", CorrectionMarker}}))
	assert.True(t, containsMarker(map[string]interface{}{"a": map[string]interface{}{"b": ".." + CorrectionMarker}}))
}
