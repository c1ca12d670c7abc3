package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/repository"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
	"github.com/kllilizxc/GameMakerAgent-sub000/tests/helpers"
)

type fixture struct {
	svc   *Service
	reg   *session.Registry
	ws    *workspace.Store
	db    *repository.SQLiteStore
	agent *helpers.FakeAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	ws, err := workspace.New(t.TempDir(), engine, db)
	require.NoError(t, err)
	reg := session.NewRegistry(ws, nil, zap.NewNop(), nil)
	ag := helpers.NewFakeAgent()
	svc := New(reg, ws, db, ag, Options{
		PatchDebounce: 20 * time.Millisecond,
		WatchSettle:   20 * time.Millisecond,
		AgentTimeout:  10 * time.Second,
	}, zap.NewNop(), nil)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(sctx)
		reg.Close()
	})
	return &fixture{svc: svc, reg: reg, ws: ws, db: db, agent: ag}
}

func (f *fixture) session(t *testing.T) (*session.Session, *helpers.RecordingChannel) {
	t.Helper()
	sess, _, err := f.svc.CreateSession(context.Background(), "", "", "")
	require.NoError(t, err)
	ch := helpers.NewRecordingChannel("viewer")
	_, err = f.svc.Attach(sess.ID, ch)
	require.NoError(t, err)
	return sess, ch
}

func (f *fixture) activeRuns() int {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	return len(f.svc.runs)
}

func (f *fixture) run(t *testing.T, sessionID string, ch *helpers.RecordingChannel, prompt string, script helpers.Script) string {
	t.Helper()
	f.agent.Queue(script)
	runID, err := f.svc.StartRun(context.Background(), sessionID, prompt, nil)
	require.NoError(t, err)
	waitTerminal(t, ch, runID)
	require.Eventually(t, func() bool { return f.activeRuns() == 0 }, 5*time.Second, 5*time.Millisecond)
	return runID
}

func waitTerminal(t *testing.T, ch *helpers.RecordingChannel, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range ch.Messages() {
			typ := m["type"]
			if (typ == protocol.TypeRunFinished || typ == protocol.TypeRunError) && m["runId"] == runID {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

// replay applies every broadcast patch to an empty file map.
func replay(patches []protocol.PatchMessage) map[string]string {
	files := map[string]string{}
	for _, p := range patches {
		for _, op := range p.Ops {
			switch op.Op {
			case domain.OpWrite:
				files[op.Path] = *op.Content
			case domain.OpDelete:
				delete(files, op.Path)
				for k := range files {
					if strings.HasPrefix(k, op.Path+"/") {
						delete(files, k)
					}
				}
			}
		}
	}
	return files
}

func snapshotContents(t *testing.T, files map[string]domain.FileEntry) map[string]string {
	t.Helper()
	out := map[string]string{}
	for p, e := range files {
		raw, err := e.Bytes()
		require.NoError(t, err)
		out[p] = string(raw)
	}
	return out
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)

	runID := f.run(t, sess.ID, ch, "make pong", helpers.WriteFiles("Pong is ready.", map[string]string{
		"index.html":  "<canvas></canvas>",
		"src/game.js": "let score = 0",
	}))

	types := ch.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, protocol.TypeRunStarted, types[0])
	assert.Equal(t, protocol.TypeRunFinished, types[len(types)-1])
	assert.Contains(t, types, protocol.TypeAgentEvent)

	patches := helpers.OfType[protocol.PatchMessage](ch, protocol.TypeFsPatch)
	require.NotEmpty(t, patches)
	for i, p := range patches {
		assert.Equal(t, int64(i+1), p.Seq)
		assert.Equal(t, runID, p.RunID)
	}
	assert.Equal(t, map[string]string{
		"index.html":  "<canvas></canvas>",
		"src/game.js": "let score = 0",
	}, replay(patches))

	finished := helpers.OfType[protocol.RunFinishedMessage](ch, protocol.TypeRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.FinishReasonCompleted, finished[0].FinishReason)

	meta := sess.Meta()
	assert.Equal(t, "ag_1", meta.AgentHandle)
	assert.Equal(t, "m2", meta.HeadMessageID)
	assert.Equal(t, "", sess.CurrentRunID())

	list, err := f.svc.ListMessages(context.Background(), sess.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "m1", list.Messages[0].ID)
	assert.Equal(t, "make pong", list.Messages[0].Content)
	assert.Equal(t, "m2", list.Messages[1].ID)
	assert.Equal(t, domain.RoleAgent, list.Messages[1].Role)
	assert.Equal(t, "Pong is ready.", list.Messages[1].Content)
	assert.Len(t, list.Messages[1].Activities, 2)

	updates := helpers.OfType[protocol.MessageUpdatedMessage](ch, protocol.TypeMessageUpdated)
	require.Len(t, updates, 3)
	assert.Equal(t, "m1", updates[1].Message.ID)
	assert.Equal(t, updates[0].Message.ID, updates[1].PrevID)

	run, err := f.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDone, run.Status)
	events, err := f.db.GetEvents(context.Background(), runID, 0, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestStartRunAdmission(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.agent.Queue(helpers.Block(release, helpers.WriteFiles("done", nil)))
	first, err := f.svc.StartRun(ctx, sess.ID, "one", nil)
	require.NoError(t, err)

	_, err = f.svc.StartRun(ctx, sess.ID, "two", nil)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.Equal(t, first, sess.CurrentRunID())

	_, err = f.svc.Push(ctx, sess.ID, []domain.FsPatchOp{domain.WriteOp("a.txt", []byte("x"))})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	close(release)
	waitTerminal(t, ch, first)
	require.Eventually(t, func() bool { return f.activeRuns() == 0 }, 5*time.Second, 5*time.Millisecond)

	f.run(t, sess.ID, ch, "three", helpers.WriteFiles("ok", nil))
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartRun(ctx, "missing", "hi", nil)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	sess, _ := f.session(t)
	_, err = f.svc.StartRun(ctx, sess.ID, "   ", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestWriteThenDeleteLeavesNoFile(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)

	f.run(t, sess.ID, ch, "temp file", func(ctx context.Context, dir string, req agent.RunRequest, emit agent.EventHandler) (string, error) {
		p := filepath.Join(dir, "tmp.txt")
		if err := os.WriteFile(p, []byte("1"), 0o644); err != nil {
			return "", err
		}
		if err := os.WriteFile(p, []byte("2"), 0o644); err != nil {
			return "", err
		}
		if err := os.Remove(p); err != nil {
			return "", err
		}
		return "cleaned", os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("k"), 0o644)
	})

	patches := helpers.OfType[protocol.PatchMessage](ch, protocol.TypeFsPatch)
	assert.Equal(t, map[string]string{"keep.txt": "k"}, replay(patches))
	for _, p := range patches {
		seen := map[string]int{}
		for _, op := range p.Ops {
			seen[op.Path]++
		}
		for path, n := range seen {
			assert.Equal(t, 1, n, "path %s appears more than once in one batch", path)
		}
	}
}

func TestCancelRunSuppressesLateOutput(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()

	release := make(chan struct{})
	late := func(ctx context.Context, dir string, req agent.RunRequest, emit agent.EventHandler) (string, error) {
		<-release
		_ = os.WriteFile(filepath.Join(dir, "late.js"), []byte("late"), 0o644)
		_ = emit(agent.NewEvent(agent.EventText, agent.TextData{Text: "still here"}))
		return "late", nil
	}
	f.agent.Queue(late)
	runID, err := f.svc.StartRun(ctx, sess.ID, "slow", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.CancelRun(ctx, sess.ID, "run_nope"), domain.ErrRunNotFound)
	require.NoError(t, f.svc.CancelRun(ctx, sess.ID, runID))
	assert.Equal(t, "", sess.CurrentRunID())
	require.NoError(t, f.svc.CancelRun(ctx, sess.ID, runID))

	close(release)
	require.Eventually(t, func() bool { return f.activeRuns() == 0 }, 5*time.Second, 5*time.Millisecond)

	finished := helpers.OfType[protocol.RunFinishedMessage](ch, protocol.TypeRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.FinishReasonCancelled, finished[0].FinishReason)

	types := ch.Types()
	assert.Equal(t, protocol.TypeRunFinished, types[len(types)-1])
	assert.False(t, ch.Has(protocol.TypeFsPatch))

	run, err := f.svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
}

func TestAgentFailure(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)

	runID := f.run(t, sess.ID, ch, "crash", helpers.Fail(errors.New("model exploded")))

	errs := helpers.OfType[protocol.RunErrorMessage](ch, protocol.TypeRunError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "model exploded")
	assert.Equal(t, runID, errs[0].RunID)
	assert.Equal(t, "", sess.CurrentRunID())
	assert.False(t, ch.Has(protocol.TypeRunFinished))

	run, err := f.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func threeRuns(t *testing.T, f *fixture, sess *session.Session, ch *helpers.RecordingChannel) {
	t.Helper()
	f.run(t, sess.ID, ch, "v1", helpers.WriteFiles("one", map[string]string{"game.js": "v1", "one.txt": "1"}))
	f.run(t, sess.ID, ch, "v2", helpers.WriteFiles("two", map[string]string{"game.js": "v2", "two.txt": "2"}))
	f.run(t, sess.ID, ch, "v3", helpers.WriteFiles("three", map[string]string{"game.js": "v3", "three.txt": "3"}))
}

func messageIDs(msgs []domain.ClientMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestRewindTruncatesConversationAndWorkspace(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()
	threeRuns(t, f, sess, ch)

	other := helpers.NewRecordingChannel("other")
	_, err := f.svc.Attach(sess.ID, other)
	require.NoError(t, err)

	res, err := f.svc.Rewind(ctx, sess.ID, "m3", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(res.Messages))
	// m3 is the prompt of the second run: the workspace is as the first run left it.
	assert.Equal(t, map[string]string{"game.js": "v1", "one.txt": "1"}, snapshotContents(t, res.Snapshot.Files))

	lists := helpers.OfType[protocol.MessagesListMessage](other, protocol.TypeMessagesList)
	require.Len(t, lists, 1)
	assert.True(t, lists[0].Replace)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(lists[0].Messages))
	snaps := helpers.OfType[protocol.SnapshotMessage](other, protocol.TypeFsSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, res.Snapshot.Seq, snaps[0].Seq)

	stored, err := f.svc.ListMessages(ctx, sess.ID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(stored.Messages))
	assert.Equal(t, "m3", sess.Meta().HeadMessageID)
	assert.Equal(t, "", sess.CurrentRunID())
}

func TestRewindEditTargetsParentPrompt(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	threeRuns(t, f, sess, ch)

	res, err := f.svc.Rewind(context.Background(), sess.ID, "m4", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(res.Messages))

	for _, dir := range f.agent.Scopes {
		assert.Equal(t, sess.Dir, dir)
	}
}

func TestRewindPreconditions(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()

	_, err := f.svc.Rewind(ctx, sess.ID, "m1", false)
	assert.ErrorIs(t, err, domain.ErrNothingToRewind)

	f.run(t, sess.ID, ch, "first", helpers.WriteFiles("ok", nil))

	release := make(chan struct{})
	f.agent.Queue(helpers.Block(release, helpers.WriteFiles("ok", nil)))
	runID, err := f.svc.StartRun(ctx, sess.ID, "second", nil)
	require.NoError(t, err)
	_, err = f.svc.Rewind(ctx, sess.ID, "m1", false)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	close(release)
	waitTerminal(t, ch, runID)

	_, err = f.svc.Rewind(ctx, sess.ID, "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestReconnectSnapshotMatchesBroadcastState(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	f.run(t, sess.ID, ch, "a", helpers.WriteFiles("ok", map[string]string{"a.js": "1", "lib/b.js": "2"}))
	f.svc.Detach(sess.ID, ch.ID())

	other := helpers.NewRecordingChannel("other")
	_, err := f.svc.Attach(sess.ID, other)
	require.NoError(t, err)
	f.run(t, sess.ID, other, "b", helpers.WriteFiles("ok", map[string]string{"a.js": "3"}))
	assert.Len(t, helpers.OfType[protocol.RunFinishedMessage](ch, protocol.TypeRunFinished), 1)

	// The detached viewer missed the second run; a new channel resyncs.
	fresh := helpers.NewRecordingChannel("fresh")
	_, err = f.svc.Attach(sess.ID, fresh)
	require.NoError(t, err)
	require.NoError(t, f.svc.SendSnapshot(sess.ID, fresh))

	snaps := helpers.OfType[protocol.SnapshotMessage](fresh, protocol.TypeFsSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, sess.Seq(), snaps[0].Seq)
	assert.Equal(t, map[string]string{"a.js": "3", "lib/b.js": "2"}, snapshotContents(t, snaps[0].Files))
}

func TestPushBroadcastsUnsequencedRunPatch(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()

	seq, err := f.svc.Push(ctx, sess.ID, []domain.FsPatchOp{
		domain.WriteOp("./src/edit.js", []byte("mine")),
		domain.MkdirOp("assets"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	patches := helpers.OfType[protocol.PatchMessage](ch, protocol.TypeFsPatch)
	require.Len(t, patches, 1)
	assert.Equal(t, "", patches[0].RunID)
	assert.Equal(t, "src/edit.js", patches[0].Ops[0].Path)

	files, err := f.ws.Snapshot(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", files["src/edit.js"].Content)

	_, err = f.svc.Push(ctx, sess.ID, []domain.FsPatchOp{{Op: domain.OpWrite, Path: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPatchOp)
	_, err = f.svc.Push(ctx, sess.ID, []domain.FsPatchOp{domain.DeleteOp("../../etc")})
	assert.ErrorIs(t, err, domain.ErrInvalidPath)
	_, err = f.svc.Push(ctx, sess.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestListMessagesPaging(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()
	threeRuns(t, f, sess, ch)

	page, err := f.svc.ListMessages(ctx, sess.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m6"}, messageIDs(page.Messages))
	assert.True(t, page.HasMore)

	page, err = f.svc.ListMessages(ctx, sess.ID, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(page.Messages))
	assert.False(t, page.HasMore)

	_, err = f.svc.ListMessages(ctx, "missing", 10, 0)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAckAndDestroy(t *testing.T) {
	f := newFixture(t)
	sess, ch := f.session(t)
	ctx := context.Background()

	n, err := f.svc.Ack(sess.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	n, err = f.svc.Ack(sess.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	require.NoError(t, f.svc.DestroySession(ctx, sess.ID))
	assert.True(t, ch.Closed())
	_, err = f.svc.SessionInfo(sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
