// Package policy decides which workspace paths are synchronized to clients.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values produced by the watch policy.
const (
	DecisionInclude = "include"
	DecisionExclude = "exclude"
)

// Engine is the OPA policy engine for watch paths.
type Engine struct {
	query rego.PreparedEvalQuery
	cache sync.Map // "d:" or "f:" + path -> bool
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.watch_policy.decision"),
		rego.Module("watch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or the default policy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watch policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the decision for a workspace-relative slash path.
func (e *Engine) Evaluate(ctx context.Context, path string, dir bool) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"path": path,
		"dir":  dir,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionInclude, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionInclude, nil
}

// Excluded reports whether path must be left out of snapshots and patches.
// Decisions are cached per path; evaluation errors fall back to the
// built-in rules.
func (e *Engine) Excluded(path string, dir bool) bool {
	key := "f:" + path
	if dir {
		key = "d:" + path
	}
	if v, ok := e.cache.Load(key); ok {
		return v.(bool)
	}

	decision, err := e.Evaluate(context.Background(), path, dir)
	excluded := decision == DecisionExclude
	if err != nil {
		excluded = DefaultExcluded(path)
	}
	e.cache.Store(key, excluded)
	return excluded
}

// DefaultPolicy excludes dotfiles, dependency folders and VCS directories.
const DefaultPolicy = `
package watch_policy

import rego.v1

default decision := "include"

excluded_dirs := {"node_modules", ".git", ".svn", ".hg"}

decision := "exclude" if {
	some segment in split(input.path, "/")
	startswith(segment, ".")
}

decision := "exclude" if {
	some segment in split(input.path, "/")
	excluded_dirs[segment]
}
`
