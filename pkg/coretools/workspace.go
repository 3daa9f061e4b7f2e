package coretools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/parley/pkg/toolexecutor"
)

// workspace confines tool paths to the directory a call runs in.
type workspace struct {
	fallbackRoot string
}

// root prefers the per-call working directory over the registered default.
func (w workspace) root(ctx context.Context) (string, error) {
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
		if dir := strings.TrimSpace(execCtx.WorkingDir); dir != "" {
			return filepath.Clean(dir), nil
		}
	}
	if dir := strings.TrimSpace(w.fallbackRoot); dir != "" {
		return filepath.Clean(dir), nil
	}
	return "", fmt.Errorf("workspace root is not configured")
}

// resolve returns the absolute form of path if it lies inside the workspace.
func (w workspace) resolve(ctx context.Context, path string) (string, error) {
	root, err := w.root(ctx)
	if err != nil {
		return "", err
	}
	return resolvePathInWorkspace(root, path)
}

func resolvePathInWorkspace(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", fmt.Errorf("path is required")
	case strings.Contains(path, "://"):
		return "", fmt.Errorf("path must be a local file")
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside workspace root", path)
	}
	return target, nil
}
