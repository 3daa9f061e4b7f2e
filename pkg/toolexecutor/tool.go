package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Items       string      `json:"items,omitempty"` // element type for arrays
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ConfirmFunc decides whether a call needs user confirmation. A nil result means no.
type ConfirmFunc func(params map[string]interface{}) *ConfirmationDetails

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	Confirm     ConfirmFunc     `json:"-"`
}

// ConfirmationDetails describes a pending call shown to the user before it runs
type ConfirmationDetails struct {
	ToolName string                 `json:"tool_name"`
	Title    string                 `json:"title"`
	Command  string                 `json:"command,omitempty"`
	Cwd      string                 `json:"cwd,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
}

// Tool is the contract the adapter executes against
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the parameters object
	Schema() map[string]interface{}
	ValidateParams(params map[string]interface{}) error
	ShouldConfirmExecute(ctx context.Context, params map[string]interface{}) (*ConfirmationDetails, bool)
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// FunctionTool is a Tool backed by a ToolDefinition and a compiled JSON schema
type FunctionTool struct {
	def       ToolDefinition
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
}

// NewFunctionTool validates def and compiles its parameter schema
func NewFunctionTool(def ToolDefinition) (*FunctionTool, error) {
	if err := validateToolDefinition(def); err != nil {
		return nil, fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := generateSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema: %w", err)
	}

	return &FunctionTool{def: def, schemaMap: schemaMap, schema: schema}, nil
}

func (t *FunctionTool) Name() string { return t.def.Name }

func (t *FunctionTool) Description() string { return t.def.Description }

func (t *FunctionTool) Schema() map[string]interface{} { return t.schemaMap }

// ValidateParams validates parameters against the compiled schema
func (t *FunctionTool) ValidateParams(params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}

func (t *FunctionTool) ShouldConfirmExecute(_ context.Context, params map[string]interface{}) (*ConfirmationDetails, bool) {
	if t.def.Confirm == nil {
		return nil, false
	}
	details := t.def.Confirm(params)
	if details == nil {
		return nil, false
	}
	if details.ToolName == "" {
		details.ToolName = t.def.Name
	}
	return details, true
}

func (t *FunctionTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.def.Handler(ctx, params)
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}

	seen := map[string]bool{}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateSchemaMap builds the JSON schema object for the tool parameters
func generateSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []interface{}{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Type == "array" {
			items := param.Items
			if items == "" {
				items = "string"
			}
			paramSchema["items"] = map[string]interface{}{"type": items}
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// requiredParams lists the required property names declared by a schema, sorted
func requiredParams(schema map[string]interface{}) []string {
	var names []string
	switch req := schema["required"].(type) {
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
	case []string:
		names = append(names, req...)
	}
	sort.Strings(names)
	return names
}

// paramType returns the declared JSON type of a property, or "" when unknown
func paramType(schema map[string]interface{}, name string) string {
	props, _ := schema["properties"].(map[string]interface{})
	prop, _ := props[name].(map[string]interface{})
	t, _ := prop["type"].(string)
	return t
}
