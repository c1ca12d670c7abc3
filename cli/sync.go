package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/client"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/mirror"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/policy"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/reconcile"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/watch"
)

type syncOptions struct {
	dir          string
	install      string
	dev          string
	url          string
	pushInterval time.Duration
}

// NewSyncCommand mirrors a session into a local directory until interrupted.
// Files edited in the directory are pushed back while no run is active.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	sopts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror a session's workspace into a local directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cmd, opts, sopts)
		},
	}
	cmd.Flags().StringVar(&sopts.dir, "dir", "./preview", "local mirror directory")
	cmd.Flags().StringVar(&sopts.install, "install", "", `dependency install command, e.g. "npm install"`)
	cmd.Flags().StringVar(&sopts.dev, "dev", "", `dev server command, e.g. "npm run dev"`)
	cmd.Flags().StringVar(&sopts.url, "url", "", "URL the dev server listens on")
	cmd.Flags().DurationVar(&sopts.pushInterval, "push-interval", 500*time.Millisecond, "how often local edits are pushed")
	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, opts *RootOptions, sopts *syncOptions) error {
	out := cmd.OutOrStdout()
	logger := opts.logger.With(zap.String("component", "sync"))

	dir := mirror.NewDirMirror(sopts.dir, mirror.Options{
		InstallCommand: strings.Fields(sopts.install),
		DevCommand:     strings.Fields(sopts.dev),
		URL:            sopts.url,
	}, logger)
	defer dir.Close()

	var engine *reconcile.Engine
	var running atomic.Bool
	c, created, err := opts.connect(ctx, func(c *client.Client) {
		engine = c.NewSyncEngine(dir)
		c.Bind(ctx, engine)
		c.OnMessage(func(msgType string, data []byte) {
			switch msgType {
			case protocol.TypeRunStarted:
				running.Store(true)
				var msg protocol.RunStartedMessage
				if json.Unmarshal(data, &msg) == nil {
					fmt.Fprintf(out, "%s %s\n", headerStyle.Render("run started"), idStyle.Render(msg.RunID))
				}
			case protocol.TypeRunFinished:
				running.Store(false)
				var msg protocol.RunFinishedMessage
				if json.Unmarshal(data, &msg) == nil {
					printFinished(out, msg.RunID, msg.FinishReason)
				}
			case protocol.TypeRunError:
				running.Store(false)
				var msg protocol.RunErrorMessage
				if json.Unmarshal(data, &msg) == nil {
					fmt.Fprintln(out, errorStyle.Render("run error: "+msg.Message))
				}
			case protocol.TypeError:
				var msg protocol.ErrorMessage
				if json.Unmarshal(data, &msg) == nil {
					fmt.Fprintln(out, errorStyle.Render(msg.Code+": "+msg.Message))
				}
			}
		})
	})
	if err != nil {
		return err
	}
	defer c.Close()
	printSession(out, created.Session, created.Resumed)
	running.Store(created.Session.CurrentRunID != "")

	if err := os.MkdirAll(sopts.dir, 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	w, err := watch.New(sopts.dir, policy.Builtin{}, func(op domain.FsPatchOp) {
		changed, err := engine.Observe(op)
		if err != nil {
			logger.Warn("ignoring local change", zap.String("path", op.Path), zap.Error(err))
			return
		}
		if changed {
			logger.Debug("local edit", zap.String("path", op.Path), zap.String("op", string(op.Op)))
		}
	}, logger)
	if err != nil {
		return fmt.Errorf("watch mirror dir: %w", err)
	}
	defer w.Close()

	ticker := time.NewTicker(sopts.pushInterval)
	defer ticker.Stop()
	announced := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return client.ErrNotConnected
		case <-ticker.C:
			if !announced && engine.State() == reconcile.StateReady {
				announced = true
				msg := fmt.Sprintf("mirroring %d files into %s", len(engine.Files()), dir.Dir())
				if url := engine.URL(); url != "" {
					msg += " at " + url
				}
				fmt.Fprintln(out, dimStyle.Render(msg))
			}
			if running.Load() {
				continue
			}
			if ops := engine.TakeDirty(); len(ops) > 0 {
				if err := c.Push(ops); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %d file(s)\n", headerStyle.Render("pushed"), len(ops))
			}
		}
	}
}
