package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/config"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
	"github.com/kllilizxc/GameMakerAgent-sub000/tests/helpers"
)

type builtinFilter struct{}

func (builtinFilter) Excluded(path string, _ bool) bool { return policy.DefaultExcluded(path) }

func newTestRegistry(t *testing.T, root string) (*Registry, *workspace.Store) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	ws, err := workspace.New(root, builtinFilter{}, db)
	require.NoError(t, err)

	tpl := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tpl, "index.html"), []byte("<canvas/>"), 0o644))
	catalog := &config.Catalog{Engines: []config.Engine{{
		ID:              "phaser",
		DefaultTemplate: "starter",
		Templates:       []config.Template{{ID: "starter", Dir: tpl}},
	}}}
	return NewRegistry(ws, catalog, zap.NewNop(), nil), ws
}

func TestCreateSeedsWorkspace(t *testing.T) {
	r, ws := newTestRegistry(t, t.TempDir())
	ctx := context.Background()

	s, resumed, err := r.Create(ctx, "phaser", "", "")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, "phaser", s.Meta().EngineID)
	assert.Equal(t, "starter", s.Meta().TemplateID)

	files, err := ws.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "<canvas/>", files["index.html"].Content)

	again, resumed, err := r.Create(ctx, "phaser", "", s.ID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, s, again)
	assert.Equal(t, 1, r.Len())
}

func TestCreateUnknownEngine(t *testing.T) {
	r, _ := newTestRegistry(t, t.TempDir())
	_, _, err := r.Create(context.Background(), "unity", "", "")
	assert.ErrorIs(t, err, domain.ErrUnknownEngine)
}

func TestCreateRejectsBadID(t *testing.T) {
	r, _ := newTestRegistry(t, t.TempDir())
	_, _, err := r.Create(context.Background(), "phaser", "", "../evil")
	assert.ErrorIs(t, err, domain.ErrInvalidPath)
}

func TestRehydrateFromDisk(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	root := t.TempDir()
	ws, err := workspace.New(root, builtinFilter{}, db)
	require.NoError(t, err)

	r1 := NewRegistry(ws, nil, zap.NewNop(), nil)
	s, _, err := r1.Create(ctx, "default", "", "sess_keep")
	require.NoError(t, err)
	s.UpdateMeta(func(m *domain.SessionMeta) {
		m.AgentHandle = "agent-session-1"
		m.HeadMessageID = "msg_3"
	})
	require.NoError(t, r1.Persist(ctx, s))
	r1.Close()

	// Simulated restart: new registry over the same disk state.
	r2 := NewRegistry(ws, nil, zap.NewNop(), nil)
	_, err = r2.Get("sess_keep")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	got, resumed, err := r2.Create(ctx, "ignored", "", "sess_keep")
	require.NoError(t, err)
	assert.True(t, resumed)
	meta := got.Meta()
	assert.Equal(t, "default", meta.EngineID)
	assert.Equal(t, "blank", meta.TemplateID)
	assert.Equal(t, "agent-session-1", meta.AgentHandle)
	assert.Equal(t, "msg_3", meta.HeadMessageID)
}

func TestDestroy(t *testing.T) {
	r, ws := newTestRegistry(t, t.TempDir())
	ctx := context.Background()
	s, _, err := r.Create(ctx, "phaser", "", "")
	require.NoError(t, err)
	ch := helpers.NewRecordingChannel("c1")
	s.AddClient(ch)

	require.NoError(t, r.Destroy(ctx, s.ID))
	assert.False(t, ws.Exists(s.ID))
	assert.True(t, ch.Closed())
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.ErrorIs(t, r.Destroy(ctx, s.ID), domain.ErrSessionNotFound)
}

func TestDestroyWithWorkspaceAlreadyGone(t *testing.T) {
	r, ws := newTestRegistry(t, t.TempDir())
	ctx := context.Background()
	s, _, err := r.Create(ctx, "phaser", "", "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(ws.Dir(s.ID)))
	assert.NoError(t, r.Destroy(ctx, s.ID))
}

func TestSeqAndAck(t *testing.T) {
	s := newSession(domain.SessionMeta{SessionID: "s"}, "", zap.NewNop(), nil)

	var wg sync.WaitGroup
	seen := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.NextSeq()
		}()
	}
	wg.Wait()
	close(seen)
	unique := map[int64]bool{}
	for n := range seen {
		unique[n] = true
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, int64(100), s.Seq())

	assert.Equal(t, int64(5), s.AckSeq(5))
	assert.Equal(t, int64(5), s.AckSeq(3))
	assert.Equal(t, int64(9), s.AckSeq(9))
}

func TestRunAdmission(t *testing.T) {
	s := newSession(domain.SessionMeta{SessionID: "s"}, "", zap.NewNop(), nil)
	require.NoError(t, s.StartRun("run_1"))
	err := s.StartRun("run_2")
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.Equal(t, "run_1", s.CurrentRunID())

	assert.False(t, s.ClearRun("run_2"))
	assert.True(t, s.ClearRun("run_1"))
	require.NoError(t, s.StartRun("run_3"))
	s.FinishRun()
	assert.Equal(t, "", s.CurrentRunID())
}

func TestBroadcastDropsFailingClient(t *testing.T) {
	s := newSession(domain.SessionMeta{SessionID: "s"}, "", zap.NewNop(), nil)
	good := helpers.NewRecordingChannel("good")
	bad := helpers.NewRecordingChannel("bad")
	bad.FailSends()
	s.AddClient(good)
	s.AddClient(bad)
	s.AddClient(good)
	assert.Equal(t, 2, s.ClientCount())

	require.NoError(t, s.Broadcast(map[string]string{"type": "run/started"}))
	assert.Equal(t, 1, s.ClientCount())
	assert.True(t, bad.Closed())

	frames := good.Frames()
	require.Len(t, frames, 1)
	var msg map[string]string
	require.NoError(t, json.Unmarshal(frames[0], &msg))
	assert.Equal(t, "run/started", msg["type"])

	assert.False(t, s.RemoveClient("bad"))
}

func TestSequencedOrdering(t *testing.T) {
	s := newSession(domain.SessionMeta{SessionID: "s", CreatedAt: time.Now()}, "", zap.NewNop(), nil)
	ch := helpers.NewRecordingChannel("c")
	s.AddClient(ch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Sequenced(func() error {
				return s.Broadcast(map[string]int64{"seq": s.NextSeq()})
			})
		}()
	}
	wg.Wait()

	var last int64
	for _, f := range ch.Frames() {
		var msg map[string]int64
		require.NoError(t, json.Unmarshal(f, &msg))
		assert.Equal(t, last+1, msg["seq"])
		last = msg["seq"]
	}
	assert.Equal(t, int64(50), last)
	assert.Equal(t, 1, s.Info().Clients)
}

// gatedMeta blocks metadata loads until release is closed.
type gatedMeta struct {
	workspace.MetaStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedMeta) GetSessionMeta(ctx context.Context, sessionID string) (*domain.SessionMeta, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.MetaStore.GetSessionMeta(ctx, sessionID)
}

func TestCreateDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	meta := &gatedMeta{
		MetaStore: helpers.NewTestSQLiteStore(t),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	ws, err := workspace.New(root, builtinFilter{}, meta)
	require.NoError(t, err)
	r := NewRegistry(ws, nil, zap.NewNop(), nil)
	t.Cleanup(r.Close)

	live, _, err := r.Create(ctx, "default", "", "live")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "old"), 0o755))

	type result struct {
		s       *Session
		resumed bool
		err     error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, resumed, err := r.Create(ctx, "default", "", "old")
			results <- result{s, resumed, err}
		}()
	}
	<-meta.entered

	got := make(chan *Session, 1)
	go func() {
		s, _ := r.Get("live")
		got <- s
	}()
	select {
	case s := <-got:
		assert.Same(t, live, s)
	case <-time.After(2 * time.Second):
		t.Fatal("Get blocked while another session was loading")
	}
	assert.Equal(t, 1, r.Len())

	close(meta.release)
	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.s, second.s)
	assert.True(t, first.resumed)
	assert.True(t, second.resumed)
	assert.Equal(t, 2, r.Len())
}
