package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"threadkx/internal/domain"
)

func printMessage(out io.Writer, m domain.DecryptedMessage) {
	text := m.Text
	if m.Locked {
		text = "<locked>"
	}
	fmt.Fprintf(out, "[%s %s] %s: %s\n", m.ThreadID, m.CreatedAt.Local().Format("15:04:05"), m.SenderUserID, text)
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <thread> <peer> <message>",
		Short: "Encrypt and send a message to a thread",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := domain.ThreadID(args[0])
			// Queued texts die with this process.
			if !wire.Keys.Has(threadID) {
				return fmt.Errorf("thread %s: %w", threadID, domain.ErrNoThreadKey)
			}
			id, err := wire.Messages.Send(cmd.Context(), threadID, domain.UserID(args[1]), args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		cursor string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history <thread>",
		Short: "Fetch and decrypt past messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, next, err := wire.Messages.History(cmd.Context(), domain.ThreadID(args[0]), cursor, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				printMessage(out, m)
			}
			if next != "" {
				fmt.Fprintf(out, "more: --cursor %s\n", next)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor from a previous call")
	cmd.Flags().IntVar(&limit, "limit", 50, "messages per page")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the inbox until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return wire.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve prometheus metrics on this address")
	return cmd
}
