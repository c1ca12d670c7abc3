package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/client"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
)

// finishError marks a run that ended with run/error.
const finishError = "error"

// NewRunCommand starts a run and streams its agent events until it ends.
// Interrupting the command cancels the run.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start a run and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPrompt(ctx, cmd, opts, strings.Join(args, " "))
		},
	}
}

func runPrompt(ctx context.Context, cmd *cobra.Command, opts *RootOptions, prompt string) error {
	out := cmd.OutOrStdout()
	printer := &eventPrinter{w: out}
	terminal := make(chan protocol.RunFinishedMessage, 1)

	c, created, err := opts.connect(ctx, func(c *client.Client) {
		c.OnMessage(func(msgType string, data []byte) {
			switch msgType {
			case protocol.TypeRunStarted:
				var msg protocol.RunStartedMessage
				if json.Unmarshal(data, &msg) == nil {
					fmt.Fprintf(out, "%s %s\n", headerStyle.Render("run started"), idStyle.Render(msg.RunID))
				}
			case protocol.TypeAgentEvent:
				var msg protocol.AgentEventMessage
				var ev agent.Event
				if json.Unmarshal(data, &msg) == nil && json.Unmarshal(msg.Event, &ev) == nil {
					printer.print(ev)
				}
			case protocol.TypeRunFinished:
				var msg protocol.RunFinishedMessage
				if json.Unmarshal(data, &msg) == nil {
					notify(terminal, msg)
				}
			case protocol.TypeRunError:
				var msg protocol.RunErrorMessage
				if json.Unmarshal(data, &msg) == nil {
					printer.breakLine()
					fmt.Fprintln(out, errorStyle.Render("run error: "+msg.Message))
					notify(terminal, protocol.RunFinishedMessage{RunID: msg.RunID, FinishReason: finishError})
				}
			}
		})
	})
	if err != nil {
		return err
	}
	defer c.Close()
	printSession(out, created.Session, created.Resumed)

	startCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	runID, err := c.StartRun(startCtx, prompt, nil)
	cancel()
	if err != nil {
		return err
	}

	select {
	case msg := <-terminal:
		printer.breakLine()
		printFinished(out, runID, msg.FinishReason)
		if msg.FinishReason == finishError {
			return errors.New("run failed")
		}
		return nil
	case <-ctx.Done():
	case <-c.Done():
		return client.ErrNotConnected
	}

	// Interrupted: cancel and wait for the server to confirm.
	if err := c.CancelRun(runID); err != nil {
		return err
	}
	waitCtx, cancelWait := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancelWait()
	select {
	case msg := <-terminal:
		printer.breakLine()
		printFinished(out, runID, msg.FinishReason)
	case <-waitCtx.Done():
		return fmt.Errorf("run %s did not stop: %w", runID, waitCtx.Err())
	case <-c.Done():
	}
	return nil
}

func notify[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
