package watch

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
)

type builtinFilter struct{}

func (builtinFilter) Excluded(path string, _ bool) bool { return policy.DefaultExcluded(path) }

type sink struct {
	mu  sync.Mutex
	ops []domain.FsPatchOp
}

func (s *sink) emit(op domain.FsPatchOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *sink) last() map[string]domain.FsPatchOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.FsPatchOp)
	for _, op := range s.ops {
		out[op.Path] = op
	}
	return out
}

func TestInitialTreeEmitsNothing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.js"), []byte("1"), 0o644))

	s := &sink{}
	w, err := New(root, builtinFilter{}, s.emit, zap.NewNop(), WithSettle(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Empty(t, s.last())
}

func TestWatchWritesDeletesAndNewDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0o644))

	s := &sink{}
	w, err := New(root, builtinFilter{}, s.emit, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.js"), []byte("hello"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "old.txt")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets", "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "img", "p.bin"), []byte{0, 1, 2}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("S=1"), 0o644))

	require.Eventually(t, func() bool {
		ops := s.last()
		_, img := ops["assets/img/p.bin"]
		return img && ops["main.js"].Op == domain.OpWrite && ops["old.txt"].Op == domain.OpDelete
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())

	ops := s.last()
	assert.Equal(t, "hello", *ops["main.js"].Content)
	assert.Equal(t, domain.OpMkdir, ops["assets"].Op)
	assert.Equal(t, domain.EncodingBase64, ops["assets/img/p.bin"].Encoding)
	for p := range ops {
		assert.NotContains(t, p, "node_modules")
		assert.NotEqual(t, ".env", p)
	}
}

func TestLivenessSuppressesEmission(t *testing.T) {
	root := t.TempDir()
	var live atomic.Bool
	s := &sink{}
	w, err := New(root, builtinFilter{}, s.emit, zap.NewNop(), WithLiveness(live.Load))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, w.Close())
	assert.Empty(t, s.last())
}
