package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/config"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/service"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/workspace"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/ws"
	"github.com/kllilizxc/GameMakerAgent-sub000/tests/helpers"
)

func startServer(t *testing.T) (string, *helpers.FakeAgent) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	store, err := workspace.New(t.TempDir(), policy.Builtin{}, db)
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

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestArgumentValidation(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)

	_, err = execute(t, "rewind", "m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--session is required")

	_, err = execute(t, "messages")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--session is required")

	_, err = execute(t, "messages", "--session", "s1", "--server", "ws://127.0.0.1:1/ws", "--timeout", "200ms")
	assert.Error(t, err)
}

func TestRunMessagesAndRewind(t *testing.T) {
	url, ag := startServer(t)
	ag.Queue(
		helpers.WriteFiles("first game", map[string]string{"game.js": "v1"}),
		helpers.WriteFiles("second game", map[string]string{"game.js": "v2"}),
	)

	out, err := execute(t, "run", "--server", url, "--session", "cli", "make", "a", "game")
	require.NoError(t, err)
	assert.Contains(t, out, "session created")
	assert.Contains(t, out, "run started")
	assert.Contains(t, out, "write completed")
	assert.Contains(t, out, "first game")
	assert.Contains(t, out, "run completed")

	out, err = execute(t, "run", "--server", url, "--session", "cli", "make it faster")
	require.NoError(t, err)
	assert.Contains(t, out, "session resumed")
	assert.Contains(t, out, "second game")

	out, err = execute(t, "messages", "--server", url, "--session", "cli")
	require.NoError(t, err)
	for _, want := range []string{"make a game", "first game", "make it faster", "second game", "m4"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "older messages omitted")

	out, err = execute(t, "messages", "--server", url, "--session", "cli", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "older messages omitted")
	assert.Contains(t, out, "second game")
	assert.NotContains(t, out, "make a game")

	out, err = execute(t, "rewind", "--server", url, "--session", "cli", "m2")
	require.NoError(t, err)
	assert.Contains(t, out, "rewound to")
	assert.Contains(t, out, "first game")
	assert.NotContains(t, out, "second game")

	_, err = execute(t, "rewind", "--server", url, "--session", "fresh", "m2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rewind")
}

func TestEventPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &eventPrinter{w: &out}

	p.print(agent.NewEvent(agent.EventTextDelta, agent.TextData{PartID: "t1", Text: "Hel"}))
	p.print(agent.NewEvent(agent.EventTextDelta, agent.TextData{PartID: "t1", Text: "lo"}))
	p.print(agent.NewEvent(agent.EventText, agent.TextData{PartID: "t1", Text: "Hello"}))
	p.print(agent.NewEvent(agent.EventToolStart, agent.ToolData{CallID: "c1", Tool: "bash", State: agent.ToolRunning, Title: "npm test"}))
	p.print(agent.NewEvent(agent.EventTool, agent.ToolData{CallID: "c1", Tool: "bash", State: agent.ToolRunning, Title: "npm test"}))
	p.print(agent.NewEvent(agent.EventText, agent.TextData{PartID: "t2", Text: "done"}))
	p.print(agent.NewEvent(agent.EventError, agent.ErrorData{Message: "boom"}))

	got := out.String()
	assert.Equal(t, 1, strings.Count(got, "Hello"))
	assert.Equal(t, 1, strings.Count(got, "bash running"))
	assert.Contains(t, got, "done\n")
	assert.Contains(t, got, "agent error: boom")
}

func TestPrintMessages(t *testing.T) {
	var out bytes.Buffer
	printMessages(&out, nil, false)
	assert.Contains(t, out.String(), "no messages")

	out.Reset()
	printMessages(&out, []domain.ClientMessage{
		{ID: "m1", Role: domain.RoleUser, Content: "add a score\ncounter", Timestamp: 1},
		{ID: "m2", Role: domain.RoleAgent, Content: "done", Timestamp: 2, Activities: []domain.Activity{
			{ID: "a1", Type: "tool", Completed: true, Data: domain.ActivityData{Tool: "write", Title: "score.js"}},
		}},
	}, true)
	got := out.String()
	assert.Contains(t, got, "older messages omitted")
	assert.Contains(t, got, "  add a score\n  counter\n")
	assert.Contains(t, got, "✓ write")
	assert.Contains(t, got, "score.js")
}
