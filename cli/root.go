package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/client"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/logging"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	Server   string
	Engine   string
	Template string
	Session  string
	Timeout  time.Duration
	Verbose  bool

	logger *zap.Logger
}

// NewRootCommand creates the root command of the studio CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "studio",
		Short:         "Terminal client for agent-driven project sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.Verbose {
				level = "debug"
			}
			logger, err := logging.New(level, "console")
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "ws://localhost:8080/ws", "websocket endpoint of the session server")
	cmd.PersistentFlags().StringVar(&opts.Engine, "engine", "", "engine id for new sessions (default: first engine)")
	cmd.PersistentFlags().StringVar(&opts.Template, "template", "", "template id for new sessions")
	cmd.PersistentFlags().StringVarP(&opts.Session, "session", "s", "", "session id to resume")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "timeout for connecting and control requests")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRewindCommand(opts))
	cmd.AddCommand(NewMessagesCommand(opts))

	return cmd
}

// connect dials the server and creates or resumes the session. Handlers
// registered by setup see every message from session/created on. It returns
// after the unsolicited messages/list that follows session creation, so a
// later request for that type gets its own reply.
func (o *RootOptions) connect(ctx context.Context, setup func(*client.Client)) (*client.Client, *protocol.SessionCreatedMessage, error) {
	c := client.New(o.logger)
	dialCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	if err := c.Dial(dialCtx, o.Server); err != nil {
		return nil, nil, err
	}

	initial := make(chan struct{}, 1)
	c.OnMessage(func(msgType string, _ []byte) {
		if msgType == protocol.TypeMessagesList {
			notify(initial, struct{}{})
		}
	})
	if setup != nil {
		setup(c)
	}

	created, err := c.CreateSession(dialCtx, o.Engine, o.Template, o.Session)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	select {
	case <-initial:
	case <-dialCtx.Done():
		c.Close()
		return nil, nil, fmt.Errorf("create session: %w", dialCtx.Err())
	}
	o.Session = created.Session.SessionID
	return c, created, nil
}

func (o *RootOptions) requireSession() error {
	if o.Session == "" {
		return fmt.Errorf("--session is required")
	}
	return nil
}
