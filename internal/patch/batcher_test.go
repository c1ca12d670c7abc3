package patch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]domain.FsPatchOp
}

func (r *recorder) flush(ops []domain.FsPatchOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ops)
}

func (r *recorder) get() [][]domain.FsPatchOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]domain.FsPatchOp(nil), r.batches...)
}

func TestLastStateWins(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.flush)

	b.Enqueue(domain.WriteOp("a", []byte("1")))
	b.Enqueue(domain.WriteOp("a", []byte("2")))
	b.Enqueue(domain.DeleteOp("a"))
	b.Flush()

	batches := rec.get()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, domain.OpDelete, batches[0][0].Op)
	assert.Equal(t, "a", batches[0][0].Path)
}

func TestReplacedOpMovesToEnd(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.flush)

	b.Enqueue(domain.WriteOp("src/a.js", []byte("1")))
	b.Enqueue(domain.DeleteOp("src"))
	b.Enqueue(domain.WriteOp("src/a.js", []byte("2")))
	b.Close()

	batches := rec.get()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "src", batches[0][0].Path)
	assert.Equal(t, "src/a.js", batches[0][1].Path)
	assert.Equal(t, "2", *batches[0][1].Content)
}

func TestDebounceCollapsesBurst(t *testing.T) {
	rec := &recorder{}
	b := New(30*time.Millisecond, rec.flush)

	for i := 0; i < 10; i++ {
		b.Enqueue(domain.WriteOp("f"+string(rune('a'+i)), []byte("x")))
		time.Sleep(2 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.get()[0], 10)
	assert.Equal(t, 0, b.Pending())

	b.Enqueue(domain.MkdirOp("later"))
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.flush)
	b.Flush()
	b.Close()
	assert.Empty(t, rec.get())
}

func TestCloseForcesFlushAndRejectsLateOps(t *testing.T) {
	rec := &recorder{}
	b := New(time.Hour, rec.flush)
	b.Enqueue(domain.WriteOp("a", []byte("1")))
	assert.Equal(t, 1, b.Pending())
	b.Close()
	require.Len(t, rec.get(), 1)

	b.Enqueue(domain.WriteOp("b", []byte("1")))
	assert.Equal(t, 0, b.Pending())
	b.Flush()
	assert.Len(t, rec.get(), 1)
}
