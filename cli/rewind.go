package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRewindCommand rewinds a session to a message. With --edit the target
// prompt itself is discarded so it can be re-sent.
func NewRewindCommand(opts *RootOptions) *cobra.Command {
	var edit bool
	cmd := &cobra.Command{
		Use:   "rewind <message-id>",
		Short: "Rewind a session to an earlier message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireSession(); err != nil {
				return err
			}
			c, _, err := opts.connect(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			list, err := c.Rewind(ctx, args[0], edit)
			if err != nil {
				return fmt.Errorf("rewind: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("rewound to"), idStyle.Render(args[0]))
			printMessages(out, list.Messages, list.HasMore)
			return nil
		},
	}
	cmd.Flags().BoolVar(&edit, "edit", false, "also discard the prompt of the target message")
	return cmd
}
