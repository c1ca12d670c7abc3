package reconcile

import (
	"sort"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Diff returns the ops turning prev into next: deletes of vanished paths,
// then writes of new or changed files, each group sorted by path.
// Unchanged files produce no op.
func Diff(prev, next map[string]domain.FileEntry) []domain.FsPatchOp {
	var deletes, writes []string
	for p := range prev {
		if _, ok := next[p]; !ok {
			deletes = append(deletes, p)
		}
	}
	for p, entry := range next {
		if old, ok := prev[p]; !ok || !sameContent(old, entry) {
			writes = append(writes, p)
		}
	}
	sort.Strings(deletes)
	sort.Strings(writes)

	ops := make([]domain.FsPatchOp, 0, len(deletes)+len(writes))
	for _, p := range deletes {
		ops = append(ops, domain.DeleteOp(p))
	}
	for _, p := range writes {
		entry := next[p]
		content := entry.Content
		ops = append(ops, domain.FsPatchOp{Op: domain.OpWrite, Path: p, Content: &content, Encoding: entry.Encoding})
	}
	return ops
}

func sameContent(a, b domain.FileEntry) bool {
	if encoding(a) == encoding(b) {
		return a.Content == b.Content
	}
	ab, errA := a.Bytes()
	bb, errB := b.Bytes()
	return errA == nil && errB == nil && string(ab) == string(bb)
}

func encoding(f domain.FileEntry) domain.Encoding {
	if f.Encoding == "" {
		return domain.EncodingUTF8
	}
	return f.Encoding
}
