package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type messagesOptions struct {
	limit int
	skip  int
}

// NewMessagesCommand prints a page of a session's message log.
func NewMessagesCommand(opts *RootOptions) *cobra.Command {
	mopts := &messagesOptions{}
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Print the message log of a session",
		Args:  cobra.NoArgs,
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
			list, err := c.ListMessages(ctx, mopts.limit, mopts.skip)
			if err != nil {
				return fmt.Errorf("list messages: %w", err)
			}
			printMessages(cmd.OutOrStdout(), list.Messages, list.HasMore)
			return nil
		},
	}
	cmd.Flags().IntVar(&mopts.limit, "limit", 20, "maximum number of messages (0 for all)")
	cmd.Flags().IntVar(&mopts.skip, "skip", 0, "number of newest messages to skip")
	return cmd
}
