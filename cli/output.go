package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func printSession(w io.Writer, info domain.SessionInfo, resumed bool) {
	verb := "created"
	if resumed {
		verb = "resumed"
	}
	fmt.Fprintf(w, "%s %s %s\n",
		headerStyle.Render("session "+verb),
		info.SessionID,
		dimStyle.Render(fmt.Sprintf("engine=%s seq=%d", info.EngineID, info.Seq)))
}

func printMessages(w io.Writer, messages []domain.ClientMessage, hasMore bool) {
	if len(messages) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no messages"))
		return
	}
	if hasMore {
		fmt.Fprintln(w, dimStyle.Render("(older messages omitted)"))
	}
	for _, m := range messages {
		printMessage(w, m)
	}
}

func printMessage(w io.Writer, m domain.ClientMessage) {
	role := agentStyle.Render("agent")
	if m.Role == domain.RoleUser {
		role = userStyle.Render("user ")
	}
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	fmt.Fprintf(w, "%s %s %s\n", role, idStyle.Render(m.ID), dimStyle.Render(ts))
	if content := strings.TrimSpace(m.Content); content != "" {
		for _, line := range strings.Split(content, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	for _, a := range m.Activities {
		mark := "…"
		if a.Completed {
			mark = "✓"
		}
		fmt.Fprintf(w, "  %s %s\n", toolStyle.Render(mark+" "+a.Data.Tool), a.Data.Title)
	}
}

// eventPrinter renders a run's agent events as a live transcript.
type eventPrinter struct {
	w        io.Writer
	midLine  bool
	lastTool string
	streamed map[string]bool
}

func (p *eventPrinter) breakLine() {
	if p.midLine {
		fmt.Fprintln(p.w)
		p.midLine = false
	}
}

func (p *eventPrinter) print(ev agent.Event) {
	switch ev.Type {
	case agent.EventTextDelta:
		var data agent.TextData
		if ev.Decode(&data) != nil {
			return
		}
		if p.streamed == nil {
			p.streamed = make(map[string]bool)
		}
		p.streamed[data.PartID] = true
		fmt.Fprint(p.w, data.Text)
		p.midLine = !strings.HasSuffix(data.Text, "\n")
	case agent.EventText:
		var data agent.TextData
		if ev.Decode(&data) != nil || p.streamed[data.PartID] {
			p.breakLine()
			return
		}
		p.breakLine()
		fmt.Fprintln(p.w, data.Text)
	case agent.EventToolStart, agent.EventTool:
		var data agent.ToolData
		if ev.Decode(&data) != nil {
			return
		}
		key := data.CallID + "/" + data.State
		if key == p.lastTool {
			return
		}
		p.lastTool = key
		p.breakLine()
		label := data.Tool
		if data.State != "" {
			label += " " + data.State
		}
		fmt.Fprintf(p.w, "%s %s\n", toolStyle.Render("▸ "+label), data.Title)
	case agent.EventError:
		var data agent.ErrorData
		if ev.Decode(&data) != nil {
			return
		}
		p.breakLine()
		fmt.Fprintln(p.w, errorStyle.Render("agent error: "+data.Message))
	}
}

func printFinished(w io.Writer, runID, reason string) {
	style := agentStyle
	if reason != domain.FinishReasonCompleted {
		style = errorStyle
	}
	fmt.Fprintf(w, "%s %s\n", style.Render("run "+reason), idStyle.Render(runID))
}
