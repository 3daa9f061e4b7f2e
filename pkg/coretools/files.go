package coretools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/parley/pkg/toolexecutor"
)

const (
	defaultReadLimit = 200000
	maxListEntries   = 500
)

type fileTools struct {
	ws workspace
}

type readArgs struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
}

type listArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

type editArgs struct {
	Path       string `json:"path"`
	Search     string `json:"search"`
	Replace    string `json:"replace"`
	ReplaceAll bool   `json:"replace_all"`
}

func (f fileTools) readDefinition() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: defaultReadLimit},
		},
		Handler: f.read,
	}
}

func (f fileTools) read(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args readArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	target, err := f.ws.resolve(ctx, args.Path)
	if err != nil {
		return nil, err
	}

	data, truncated, err := readHead(target, args.MaxBytes)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"path":      args.Path,
		"content":   string(data),
		"truncated": truncated,
		"bytes":     len(data),
	}, nil
}

// readHead reads at most limit bytes and reports whether more remained.
func readHead(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}
	// one byte past the limit tells us whether the file was cut
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

func (f fileTools) listDefinition() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_directory",
		Description: "List the entries of a workspace directory. Directories end with a slash.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default the workspace root)"},
		},
		Handler: f.list,
	}
}

func (f fileTools) list(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args listArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Path) == "" {
		args.Path = "."
	}
	target, err := f.ws.resolve(ctx, args.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	truncated := len(names) > maxListEntries
	if truncated {
		names = names[:maxListEntries]
	}
	return map[string]interface{}{
		"path":      args.Path,
		"entries":   names,
		"truncated": truncated,
	}, nil
}

func (f fileTools) writeDefinition() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
		},
		Confirm: func(params map[string]interface{}) *toolexecutor.ConfirmationDetails {
			var args writeArgs
			_ = decodeArgs(params, &args)
			return &toolexecutor.ConfirmationDetails{
				ToolName: "write_file",
				Title:    "Allow write to " + args.Path,
				Params:   map[string]interface{}{"path": args.Path, "append": args.Append},
			}
		},
		Handler: f.write,
	}
}

func (f fileTools) write(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args writeArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	target, err := f.ws.resolve(ctx, args.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, err
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if args.Append {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(target, flag, 0644)
	if err != nil {
		return nil, err
	}
	_, err = file.WriteString(args.Content)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"path":   args.Path,
		"bytes":  len(args.Content),
		"append": args.Append,
	}, nil
}

func (f fileTools) editDefinition() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
		},
		Confirm: func(params map[string]interface{}) *toolexecutor.ConfirmationDetails {
			var args editArgs
			_ = decodeArgs(params, &args)
			return &toolexecutor.ConfirmationDetails{
				ToolName: "edit_file",
				Title:    "Allow edit of " + args.Path,
				Params:   params,
			}
		},
		Handler: f.edit,
	}
}

func (f fileTools) edit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args editArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Search == "" {
		return nil, errors.New("search text is required")
	}
	target, err := f.ws.resolve(ctx, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	content := string(data)

	n := 1
	if args.ReplaceAll {
		n = -1
	}
	occurrences := strings.Count(content, args.Search)
	if occurrences == 0 {
		return nil, fmt.Errorf("search text not found in %s", args.Path)
	}
	if !args.ReplaceAll {
		occurrences = 1
	}

	updated := strings.Replace(content, args.Search, args.Replace, n)
	if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"path":        args.Path,
		"occurrences": occurrences,
	}, nil
}
