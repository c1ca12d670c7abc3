package policy

import "strings"

// DefaultExcluded mirrors DefaultPolicy without OPA.
func DefaultExcluded(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if strings.HasPrefix(segment, ".") || segment == "node_modules" {
			return true
		}
	}
	return false
}

// Builtin is a PathFilter backed by DefaultExcluded.
type Builtin struct{}

// Excluded implements the filter interfaces of watch and workspace.
func (Builtin) Excluded(path string, _ bool) bool {
	return DefaultExcluded(path)
}
