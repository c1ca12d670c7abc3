package helpers

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
)

// Script is what a FakeAgent does for one prompt: it may edit dir and emit
// events. The returned text becomes the assistant turn.
type Script func(ctx context.Context, dir string, req agent.RunRequest, emit agent.EventHandler) (string, error)

// WriteFiles returns a script that writes files and replies with reply.
func WriteFiles(reply string, files map[string]string) Script {
	return func(ctx context.Context, dir string, req agent.RunRequest, emit agent.EventHandler) (string, error) {
		for p, content := range files {
			target := filepath.Join(dir, filepath.FromSlash(p))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				return "", err
			}
			if err := emit(agent.NewEvent(agent.EventTool, agent.ToolData{
				CallID: "call_" + p, Tool: "write", State: agent.ToolCompleted,
				Input: map[string]any{"filePath": p},
			})); err != nil {
				return "", err
			}
		}
		if err := emit(agent.NewEvent(agent.EventText, agent.TextData{PartID: "text", Text: reply})); err != nil {
			return "", err
		}
		return reply, nil
	}
}

// Block returns a script that waits for release (or cancellation) and then
// runs next.
func Block(release <-chan struct{}, next Script) Script {
	return func(ctx context.Context, dir string, req agent.RunRequest, emit agent.EventHandler) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return next(ctx, dir, req, emit)
	}
}

// Fail returns a script that fails with err.
func Fail(err error) Script {
	return func(context.Context, string, agent.RunRequest, agent.EventHandler) (string, error) {
		return "", err
	}
}

type fakeSession struct {
	turns       []agent.Turn
	checkpoints map[string]map[string][]byte
	revertTo    string
}

// FakeAgent is an in-process agent. Every turn records a checkpoint of the
// workspace so Revert can restore it.
type FakeAgent struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	scripts  []Script
	clock    int64
	nextID   int

	// Scopes lists the workspace of every call in order.
	Scopes []string
}

func NewFakeAgent() *FakeAgent {
	return &FakeAgent{sessions: make(map[string]*fakeSession)}
}

// Queue appends scripts used by subsequent runs, one per run.
func (a *FakeAgent) Queue(scripts ...Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, scripts...)
}

func (a *FakeAgent) scope(ctx context.Context) (string, error) {
	dir, err := agent.WorkspaceFromContext(ctx)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.Scopes = append(a.Scopes, dir)
	a.mu.Unlock()
	return dir, nil
}

func (a *FakeAgent) tick() int64 {
	a.clock += 10
	return a.clock
}

func (a *FakeAgent) Run(ctx context.Context, req agent.RunRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
	dir, err := a.scope(ctx)
	if err != nil {
		return nil, err
	}
	emit := func(ev agent.Event) error {
		if onEvent == nil {
			return nil
		}
		return onEvent(ev)
	}

	a.mu.Lock()
	handle := req.SessionHandle
	if handle == "" {
		handle = fmt.Sprintf("ag_%d", len(a.sessions)+1)
	}
	sess, ok := a.sessions[handle]
	if !ok {
		sess = &fakeSession{checkpoints: make(map[string]map[string][]byte)}
		a.sessions[handle] = sess
	}
	script := WriteFiles("ok", nil)
	if len(a.scripts) > 0 {
		script = a.scripts[0]
		a.scripts = a.scripts[1:]
	}
	a.nextID++
	userID := fmt.Sprintf("m%d", a.nextID)
	a.nextID++
	assistantID := fmt.Sprintf("m%d", a.nextID)
	userTurn := agent.Turn{
		ID: userID, Role: agent.RoleUser, Time: agent.TurnTime{Created: a.tick()},
		Parts: []agent.Part{{ID: userID + "_p", Type: agent.PartText, Text: req.Prompt}},
	}
	a.mu.Unlock()

	before, err := readTree(dir)
	if err != nil {
		return nil, err
	}
	if err := emit(agent.NewEvent(agent.EventSession, agent.SessionData{SessionHandle: handle})); err != nil {
		return nil, err
	}

	reply, err := script(ctx, dir, req, emit)
	if err != nil {
		return nil, err
	}
	after, err := readTree(dir)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	assistantTurn := agent.Turn{
		ID: assistantID, Role: agent.RoleAssistant, ParentID: userID, Time: agent.TurnTime{Created: a.tick()},
		Parts: []agent.Part{{ID: assistantID + "_p", Type: agent.PartText, Text: reply}},
	}
	sess.turns = append(sess.turns, userTurn, assistantTurn)
	sess.checkpoints[userID] = before
	sess.checkpoints[assistantID] = after
	a.mu.Unlock()

	if err := emit(agent.NewEvent(agent.EventFinished, agent.FinishedData{
		Result: reply, SessionHandle: handle, UserMessageID: userID, AssistantMessageID: assistantID,
	})); err != nil {
		return nil, err
	}
	return &agent.RunResult{
		Result:             reply,
		SessionHandle:      handle,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
	}, nil
}

func (a *FakeAgent) Messages(ctx context.Context, handle string) ([]agent.Turn, error) {
	if _, err := a.scope(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("unknown agent session %s", handle)
	}
	return append([]agent.Turn(nil), sess.turns...), nil
}

// Revert restores the workspace to the checkpoint of messageID.
func (a *FakeAgent) Revert(ctx context.Context, handle, messageID string) error {
	dir, err := a.scope(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	sess, ok := a.sessions[handle]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("unknown agent session %s", handle)
	}
	files, ok := sess.checkpoints[messageID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("unknown message %s", messageID)
	}
	sess.revertTo = messageID
	a.mu.Unlock()
	return restoreTree(dir, files)
}

// Cleanup drops every turn after the revert point.
func (a *FakeAgent) Cleanup(ctx context.Context, handle string) error {
	if _, err := a.scope(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[handle]
	if !ok || sess.revertTo == "" {
		return nil
	}
	for i, t := range sess.turns {
		if t.ID == sess.revertTo {
			sess.turns = sess.turns[:i+1]
			break
		}
	}
	sess.revertTo = ""
	return nil
}

func readTree(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	return files, err
}

func restoreTree(dir string, files map[string][]byte) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	for p, data := range files {
		target := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

var _ agent.Agent = (*FakeAgent)(nil)
