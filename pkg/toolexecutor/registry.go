package toolexecutor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/parley/pkg/llm"
	"github.com/rs/zerolog/log"
)

// ErrToolExists is returned when registering a name twice
var ErrToolExists = errors.New("tool already registered")

// Registry holds the tools available to a conversation
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register builds a FunctionTool from def and registers it
func (r *Registry) Register(def ToolDefinition) error {
	tool, err := NewFunctionTool(def)
	if err != nil {
		return err
	}
	return r.RegisterTool(tool)
}

// RegisterTool registers any Tool implementation
func (r *Registry) RegisterTool(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, tool.Name())
	}
	r.tools[tool.Name()] = tool

	log.Debug().Str("tool", tool.Name()).Msg("Tool registered")
	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// GetTool returns a tool by name, or nil
func (r *Registry) GetTool(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// GetAllTools returns every tool sorted by name
func (r *Registry) GetAllTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// FunctionDeclarations describes every tool to the model
func (r *Registry) FunctionDeclarations() []llm.FunctionDeclaration {
	tools := r.GetAllTools()
	decls := make([]llm.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, llm.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return decls
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
