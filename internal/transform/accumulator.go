package transform

import (
	"strings"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Accumulator collects the text and tool activity of a running agent turn
// from its event stream.
type Accumulator struct {
	parts    []string
	partIdx  map[string]int
	calls    []string
	activity map[string]domain.Activity
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		partIdx:  make(map[string]int),
		activity: make(map[string]domain.Activity),
	}
}

// Apply folds one event into the accumulated turn. Unknown events are ignored.
func (a *Accumulator) Apply(ev agent.Event) {
	switch ev.Type {
	case agent.EventTextDelta:
		var data agent.TextData
		if ev.Decode(&data) != nil {
			return
		}
		i := a.part(data.PartID)
		a.parts[i] += data.Text
	case agent.EventText:
		var data agent.TextData
		if ev.Decode(&data) != nil {
			return
		}
		// A complete text part supersedes its deltas.
		i := a.part(data.PartID)
		a.parts[i] = data.Text
	case agent.EventToolStart, agent.EventTool:
		var data agent.ToolData
		if ev.Decode(&data) != nil || data.CallID == "" {
			return
		}
		if _, ok := a.activity[data.CallID]; !ok {
			a.calls = append(a.calls, data.CallID)
		}
		state := data.State
		if ev.Type == agent.EventToolStart && state == "" {
			state = agent.ToolRunning
		}
		a.activity[data.CallID] = ToolActivity(agent.Part{
			ID:     data.CallID,
			Type:   agent.PartTool,
			CallID: data.CallID,
			Tool:   data.Tool,
			State: &agent.ToolState{
				Status: state,
				Title:  data.Title,
				Input:  data.Input,
				Time:   agent.ToolTime{Start: data.Start, End: data.End},
			},
		})
	}
}

func (a *Accumulator) part(id string) int {
	if id == "" {
		// Unlabelled text continues the last part.
		if len(a.parts) == 0 {
			a.parts = append(a.parts, "")
		}
		return len(a.parts) - 1
	}
	if i, ok := a.partIdx[id]; ok {
		return i
	}
	a.parts = append(a.parts, "")
	a.partIdx[id] = len(a.parts) - 1
	return len(a.parts) - 1
}

// Content returns the accumulated text.
func (a *Accumulator) Content() string {
	return strings.Join(a.parts, "")
}

// Activities returns tool activities in first-seen order.
func (a *Accumulator) Activities() []domain.Activity {
	out := make([]domain.Activity, 0, len(a.calls))
	for _, id := range a.calls {
		out = append(out, a.activity[id])
	}
	return out
}

// Empty reports whether nothing worth persisting was accumulated.
func (a *Accumulator) Empty() bool {
	return strings.TrimSpace(a.Content()) == "" && len(a.calls) == 0
}

// Message builds the synthesized agent message.
func (a *Accumulator) Message(id string, timestamp int64) domain.ClientMessage {
	msg := domain.ClientMessage{
		ID:        id,
		Role:      domain.RoleAgent,
		Content:   a.Content(),
		Timestamp: timestamp,
	}
	if len(a.calls) > 0 {
		msg.Activities = a.Activities()
	}
	return msg
}
