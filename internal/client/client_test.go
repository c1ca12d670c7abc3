package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/config"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/mirror"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/reconcile"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/service"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/ws"
	"github.com/kllilizxc/GameMakerAgent-sub000/tests/helpers"
)

type builtinFilter struct{}

func (builtinFilter) Excluded(path string, _ bool) bool { return policy.DefaultExcluded(path) }

func startServer(t *testing.T) (string, *helpers.FakeAgent) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	store, err := workspace.New(t.TempDir(), builtinFilter{}, db)
	require.NoError(t, err)
	reg := session.NewRegistry(store, nil, zap.NewNop(), nil)
	ag := helpers.NewFakeAgent()
	svc := service.New(reg, store, db, ag, service.Options{
		PatchDebounce: 20 * time.Millisecond,
		WatchSettle:   20 * time.Millisecond,
	}, zap.NewNop(), nil)
	cfg := &config.Config{
		PingInterval:   time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    10 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBufferSize: 64,
	}
	h := hub.NewHub(zap.NewNop(), nil)
	e := echo.New()
	e.GET("/ws", ws.NewServer(cfg, h, svc, zap.NewNop()).HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		h.CloseAll()
		srv.Close()
		reg.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", ag
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c := New(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Dial(ctx, url))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMirror(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		data, err := os.ReadFile(p)
		out[filepath.ToSlash(rel)] = string(data)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestSyncMirrorsRunsAndRewind(t *testing.T) {
	url, ag := startServer(t)
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := filepath.Join(t.TempDir(), "preview")
	engine := c.NewSyncEngine(mirror.NewDirMirror(dir, mirror.Options{}, zap.NewNop()))
	c.Bind(ctx, engine)

	finished := make(chan string, 4)
	c.OnMessage(func(msgType string, data []byte) {
		if msgType == protocol.TypeRunFinished {
			finished <- string(data)
		}
	})

	created, err := c.CreateSession(ctx, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, created.Session.SessionID, c.SessionID())
	require.Eventually(t, func() bool { return engine.State() == reconcile.StateReady }, 5*time.Second, 5*time.Millisecond)

	ag.Queue(
		helpers.WriteFiles("v1", map[string]string{"game.js": "v1", "one.txt": "1"}),
		helpers.WriteFiles("v2", map[string]string{"game.js": "v2"}),
	)
	for _, prompt := range []string{"first", "second"} {
		runID, err := c.StartRun(ctx, prompt, nil)
		require.NoError(t, err)
		require.NotEmpty(t, runID)
		select {
		case <-finished:
		case <-ctx.Done():
			t.Fatal("run did not finish")
		}
	}
	require.Eventually(t, func() bool {
		m := readMirror(t, dir)
		return m["game.js"] == "v2" && m["one.txt"] == "1"
	}, 5*time.Second, 10*time.Millisecond)

	list, err := c.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Messages, 4)

	// m3 is the second prompt; the mirror returns to the first run's output.
	rewound, err := c.Rewind(ctx, "m3", false)
	require.NoError(t, err)
	assert.True(t, rewound.Replace)
	assert.Len(t, rewound.Messages, 3)
	require.Eventually(t, func() bool {
		return readMirror(t, dir)["game.js"] == "v1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRequestErrors(t *testing.T) {
	url, ag := startServer(t)
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.StartRun(ctx, "no session yet", nil)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, serverErr.Code)

	_, err = c.CreateSession(ctx, "no-such-engine", "", "")
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrorCodeUnknownEngine, serverErr.Code)

	_, err = c.CreateSession(ctx, "", "", "")
	require.NoError(t, err)
	_, err = c.Rewind(ctx, "m1", false)
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, serverErr.Code)

	release := make(chan struct{})
	defer close(release)
	ag.Queue(helpers.Block(release, helpers.WriteFiles("ok", nil)))
	_, err = c.StartRun(ctx, "one", nil)
	require.NoError(t, err)
	_, err = c.StartRun(ctx, "two", nil)
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrorCodeRunInProgress, serverErr.Code)

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Ack(1), ErrNotConnected)
}
