package agent

import (
	"context"
	"errors"
)

// ErrNoWorkspace is returned by adapters called outside WithWorkspace.
var ErrNoWorkspace = errors.New("agent call outside a workspace scope")

type workspaceKey struct{}

// WithWorkspace runs fn with dir as the agent's current project. The scope
// ends when fn returns; scopes for different workspaces never share state.
func WithWorkspace(ctx context.Context, dir string, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, workspaceKey{}, dir))
}

// WorkspaceFromContext returns the workspace directory in scope.
func WorkspaceFromContext(ctx context.Context) (string, error) {
	dir, ok := ctx.Value(workspaceKey{}).(string)
	if !ok || dir == "" {
		return "", ErrNoWorkspace
	}
	return dir, nil
}
