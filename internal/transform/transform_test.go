package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

func TestMessagesFlattenAndSort(t *testing.T) {
	turns := []agent.Turn{
		{
			ID: "m2", Role: agent.RoleAssistant, ParentID: "m1",
			Time: agent.TurnTime{Created: 200},
			Parts: []agent.Part{
				{ID: "p1", Type: agent.PartText, Text: "Creating "},
				{ID: "p2", Type: agent.PartTool, CallID: "call_1", Tool: "write", State: &agent.ToolState{
					Status: agent.ToolCompleted,
					Input:  map[string]any{"filePath": "src/main.js", "command": "ignored"},
					Time:   agent.ToolTime{Start: 210, End: 250},
				}},
				{ID: "p3", Type: agent.PartText, Text: "the game."},
				{ID: "p4", Type: "step-finish"},
			},
		},
		{
			ID: "m1", Role: agent.RoleUser,
			Time:  agent.TurnTime{Created: 100},
			Parts: []agent.Part{{ID: "p0", Type: agent.PartText, Text: "make pong"}},
		},
	}

	msgs := Messages(turns)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.ClientMessage{ID: "m1", Role: domain.RoleUser, Content: "make pong", Timestamp: 100}, msgs[0])

	agentMsg := msgs[1]
	assert.Equal(t, domain.RoleAgent, agentMsg.Role)
	assert.Equal(t, "Creating the game.", agentMsg.Content)
	require.Len(t, agentMsg.Activities, 1)
	assert.Equal(t, domain.Activity{
		ID: "p2", Type: "tool", Timestamp: 250, Completed: true, CallID: "call_1",
		Data: domain.ActivityData{Tool: "write", Title: "src/main.js", Path: "src/main.js"},
	}, agentMsg.Activities[0])
}

func TestTitlePriority(t *testing.T) {
	assert.Equal(t, "given", Title("bash", "given", map[string]any{"path": "p"}))
	assert.Equal(t, "p", Title("read", "", map[string]any{"url": "u", "path": "p", "filePath": "f"}))
	assert.Equal(t, "f", Title("read", "", map[string]any{"url": "u", "filePath": "f"}))
	assert.Equal(t, "npm test", Title("bash", "", map[string]any{"command": "npm test", "pattern": "x"}))
	assert.Equal(t, "*.ts", Title("grep", "", map[string]any{"pattern": "*.ts", "url": "u"}))
	assert.Equal(t, "http://x", Title("fetch", "", map[string]any{"url": "http://x"}))
	assert.Equal(t, "todo", Title("todo", "", map[string]any{"count": 3}))
}

func TestRunningToolIsIncomplete(t *testing.T) {
	act := ToolActivity(agent.Part{ID: "p", Type: agent.PartTool, CallID: "c", Tool: "bash", State: &agent.ToolState{
		Status: agent.ToolRunning,
		Input:  map[string]any{"command": "ls"},
		Time:   agent.ToolTime{Start: 42},
	}})
	assert.False(t, act.Completed)
	assert.Equal(t, int64(42), act.Timestamp)
	assert.Equal(t, "ls", act.Data.Title)
	assert.Empty(t, act.Data.Path)
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator()
	assert.True(t, acc.Empty())

	acc.Apply(agent.NewEvent(agent.EventSession, agent.SessionData{SessionHandle: "h"}))
	acc.Apply(agent.NewEvent(agent.EventTextDelta, agent.TextData{PartID: "t1", Text: "Hel"}))
	acc.Apply(agent.NewEvent(agent.EventTextDelta, agent.TextData{PartID: "t1", Text: "lo"}))
	acc.Apply(agent.NewEvent(agent.EventToolStart, agent.ToolData{CallID: "c1", Tool: "write", Input: map[string]any{"path": "a.js"}, Start: 5}))
	acc.Apply(agent.NewEvent(agent.EventTool, agent.ToolData{CallID: "c1", Tool: "write", State: agent.ToolCompleted, Input: map[string]any{"path": "a.js"}, Start: 5, End: 9}))
	acc.Apply(agent.NewEvent(agent.EventText, agent.TextData{PartID: "t2", Text: " world"}))
	acc.Apply(agent.Event{Type: agent.EventTextDelta, Data: []byte("not json")})

	assert.False(t, acc.Empty())
	msg := acc.Message("msg_1", 100)
	assert.Equal(t, "Hello world", msg.Content)
	assert.Equal(t, domain.RoleAgent, msg.Role)
	require.Len(t, msg.Activities, 1)
	assert.True(t, msg.Activities[0].Completed)
	assert.Equal(t, int64(9), msg.Activities[0].Timestamp)
	assert.Equal(t, "a.js", msg.Activities[0].Data.Title)
}
