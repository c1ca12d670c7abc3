// Package transform converts agent conversation turns into client messages.
package transform

import (
	"sort"
	"strings"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// titleKeys are input fields used to title a tool activity, in priority order.
var titleKeys = []string{"path", "filePath", "command", "pattern", "url"}

// Messages flattens turns into client messages ordered by creation time.
func Messages(turns []agent.Turn) []domain.ClientMessage {
	sorted := make([]agent.Turn, len(turns))
	copy(sorted, turns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Created < sorted[j].Time.Created
	})

	out := make([]domain.ClientMessage, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, Message(t))
	}
	return out
}

// Message flattens one turn: text parts are concatenated, tool parts become activities.
func Message(t agent.Turn) domain.ClientMessage {
	msg := domain.ClientMessage{
		ID:        t.ID,
		Role:      Role(t.Role),
		Timestamp: t.Time.Created,
	}
	var content strings.Builder
	for _, p := range t.Parts {
		switch p.Type {
		case agent.PartText:
			content.WriteString(p.Text)
		case agent.PartTool:
			msg.Activities = append(msg.Activities, ToolActivity(p))
		}
	}
	msg.Content = content.String()
	return msg
}

// Role maps an agent role onto a client role.
func Role(role string) domain.Role {
	if role == agent.RoleUser {
		return domain.RoleUser
	}
	return domain.RoleAgent
}

// ToolActivity maps a tool part onto an activity.
func ToolActivity(p agent.Part) domain.Activity {
	act := domain.Activity{
		ID:     p.ID,
		Type:   "tool",
		CallID: p.CallID,
		Data:   domain.ActivityData{Tool: p.Tool},
	}
	if p.State == nil {
		act.Data.Title = p.Tool
		return act
	}
	act.Completed = p.State.Status == agent.ToolCompleted
	act.Timestamp = p.State.Time.Start
	if act.Completed && p.State.Time.End != 0 {
		act.Timestamp = p.State.Time.End
	}
	act.Data.Title = Title(p.Tool, p.State.Title, p.State.Input)
	act.Data.Path = inputPath(p.State.Input)
	return act
}

// Title returns the given title, or one derived from recognizable input
// fields, or the tool name.
func Title(tool, title string, input map[string]any) string {
	if title != "" {
		return title
	}
	for _, key := range titleKeys {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return tool
}

func inputPath(input map[string]any) string {
	for _, key := range []string{"path", "filePath"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
