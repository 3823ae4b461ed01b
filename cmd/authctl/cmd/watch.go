package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valinor-ai/authguard/internal/authstate"
)

func newWatchCommand(opts *options) *cobra.Command {
	var (
		admin bool
		count int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream authorization state transitions",
		Long: `Stream every state transition the daemon publishes until interrupted.

Examples:
  authctl watch
  authctl watch --admin
  authctl watch -o json --count 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cache := ""
			if admin {
				cache = "admin"
			}
			out := cmd.OutOrStdout()
			seen := 0

			err := opts.client().Watch(ctx, cache, func(msg authstate.StreamMessage) error {
				if done, err := formatOutput(out, opts.output, msg); done {
					if err != nil {
						return err
					}
				} else {
					fmt.Fprintf(out, "%s  %-5s  authenticated=%s confidence=%s source=%s",
						formatTime(msg.State.CheckedAt), msg.Cache, authLabel(msg.State), msg.State.Confidence, msg.State.Source)
					if msg.State.ConsecutiveFailures > 0 {
						fmt.Fprintf(out, " failures=%s", warnFmt(msg.State.ConsecutiveFailures))
					}
					fmt.Fprintln(out)
				}
				seen++
				if count > 0 && seen >= count {
					return errWatchDone
				}
				return nil
			})
			if errors.Is(err, errWatchDone) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "Watch the admin check instead of the auth check")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many updates (0 streams forever)")
	return cmd
}

var errWatchDone = errors.New("watch complete")
