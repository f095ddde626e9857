package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"threadkx/internal/domain"
)

func printView(out io.Writer, v domain.ThreadView) {
	fmt.Fprintf(out, "%s: %s", v.ThreadID, v.State)
	if v.Reason != "" {
		fmt.Fprintf(out, " (%s)", v.Reason)
	}
	if v.State == domain.StateWaitingKeyPackage && !v.WaitingSince.IsZero() {
		fmt.Fprintf(out, " since %s", humanize.Time(v.WaitingSince))
	}
	fmt.Fprintln(out)
}

// waitReady pumps the inbox until threadID is READY, in ERROR, or wait
// elapses.
func waitReady(ctx context.Context, threadID domain.ThreadID, wait time.Duration) domain.ThreadView {
	view := wire.Readiness.View(threadID)
	if wait <= 0 {
		return view
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(wire.Config.PumpInterval)
	defer tick.Stop()
	for view.State != domain.StateReady && view.State != domain.StateError {
		if _, err := wire.Pump.PullOnce(ctx); err != nil && ctx.Err() == nil {
			wire.Logger("THKX").Warnf("Inbox pull failed: %v", err)
		}
		view = wire.Readiness.View(threadID)
		select {
		case <-ctx.Done():
			return view
		case <-tick.C:
		}
	}
	return view
}

type ensureFunc func(context.Context, domain.ThreadID, domain.UserID, bool) (domain.ThreadView, error)

func threadCmd(use, short string, ensure func() ensureFunc) *cobra.Command {
	var (
		creator bool
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   use + " <thread> <peer>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := domain.ThreadID(args[0])
			view, err := ensure()(cmd.Context(), threadID, domain.UserID(args[1]), creator)
			if err == nil {
				view = waitReady(cmd.Context(), threadID, wait)
			}
			printView(cmd.OutOrStdout(), view)
			return err
		},
	}
	cmd.Flags().BoolVar(&creator, "creator", false, "the local user created the thread")
	cmd.Flags().DurationVar(&wait, "wait", 0, "pump the inbox until the thread is ready, up to this long")
	return cmd
}

func openCmd() *cobra.Command {
	return threadCmd("open", "Make a thread ready for messaging", func() ensureFunc {
		return wire.Sessions.EnsureReady
	})
}

func retryCmd() *cobra.Command {
	return threadCmd("retry", "Publish fresh prekeys and open a thread again", func() ensureFunc {
		return wire.Sessions.RefreshKeysAndRetry
	})
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <thread>",
		Short: "Print the readiness of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := domain.ThreadID(args[0])
			out := cmd.OutOrStdout()
			printView(out, wire.Readiness.View(threadID))
			pending, err := wire.KeyShare.PendingTargets(threadID)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				ids := make([]string, len(pending))
				for i, dev := range pending {
					ids[i] = string(dev)
				}
				fmt.Fprintf(out, "awaiting receipts: %s\n", strings.Join(ids, ", "))
			}
			return nil
		},
	}
}

func shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <thread> <peer>",
		Short: "Send the thread key to every device of both users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := wire.KeyShare.ShareThreadKey(cmd.Context(), domain.ThreadID(args[0]), domain.UserID(args[1]))
			out := cmd.OutOrStdout()
			for dev, id := range report.Delivered {
				fmt.Fprintf(out, "delivered %s (%s)\n", dev, id)
			}
			for dev, ferr := range report.Failed {
				fmt.Fprintf(out, "failed    %s: %v\n", dev, ferr)
			}
			return err
		},
	}
}

func wipeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wipe-key <thread>",
		Short: "Delete the local key of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := domain.ThreadID(args[0])
			if err := wire.Keys.Wipe(threadID); err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), wire.Readiness.View(threadID))
			return nil
		},
	}
}
