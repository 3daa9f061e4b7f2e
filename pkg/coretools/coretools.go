package coretools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/parley/pkg/toolexecutor"
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is used when a call carries no working directory of its own.
	WorkspaceRoot string
	// Shell is the interpreter used by run_shell_command. Defaults to bash, then sh.
	Shell string
}

// RegisterCoreTools registers the shell and filesystem tools.
func RegisterCoreTools(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}

	ws := workspace{fallbackRoot: opts.WorkspaceRoot}
	shell := shellRunner{ws: ws, interpreter: opts.Shell}
	files := fileTools{ws: ws}

	for _, tool := range []toolexecutor.ToolDefinition{
		shell.definition(),
		files.readDefinition(),
		files.listDefinition(),
		files.writeDefinition(),
		files.editDefinition(),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// decodeArgs copies already-validated model arguments into a typed struct.
func decodeArgs(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
