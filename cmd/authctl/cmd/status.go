package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/valinor-ai/authguard/internal/authstate"
)

func newStatusCommand(opts *options) *cobra.Command {
	var (
		wait    bool
		admin   bool
		history bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cached authorization state",
		Long: `Show the daemon's current authorization answer without triggering a check.

Examples:
  authctl status
  authctl status --wait
  authctl status --admin -o json
  authctl status --history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			out := cmd.OutOrStdout()

			if history {
				states, err := client.History(cmd.Context())
				if err != nil {
					return err
				}
				if done, err := formatOutput(out, opts.output, states); done {
					return err
				}
				printHistory(out, states)
				return nil
			}

			resp, err := client.Status(cmd.Context(), admin, wait)
			if err != nil {
				return err
			}
			if done, err := formatOutput(out, opts.output, resp); done {
				return err
			}
			printStatus(out, resp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the daemon has an answer")
	cmd.Flags().BoolVar(&admin, "admin", false, "Show the admin check instead of the auth check")
	cmd.Flags().BoolVar(&history, "history", false, "Show recent state transitions")
	cmd.MarkFlagsMutuallyExclusive("history", "admin")
	return cmd
}

func printStatus(out io.Writer, resp authstate.StatusResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Cache:\t%s\n", resp.Cache)
	fmt.Fprintf(w, "Authenticated:\t%s\n", authLabel(resp.State))
	fmt.Fprintf(w, "Confidence:\t%s\n", resp.State.Confidence)
	fmt.Fprintf(w, "Source:\t%s\n", resp.State.Source)
	if resp.Phase != "" {
		fmt.Fprintf(w, "Phase:\t%s\n", phaseLabel(resp.Phase))
	}
	fmt.Fprintf(w, "Checked:\t%s\n", formatTime(resp.State.CheckedAt))
	if resp.ValidUntil != nil {
		fmt.Fprintf(w, "Valid until:\t%s\n", formatTime(*resp.ValidUntil))
	}
	if resp.State.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, "Failures:\t%s\n", warnFmt(resp.State.ConsecutiveFailures))
	}
	if resp.State.Err != "" {
		fmt.Fprintf(w, "Last error:\t%s %s\n", errFmt(resp.State.Kind), resp.State.Err)
	}
	if resp.Grace != nil {
		fmt.Fprintf(w, "Grace until:\t%s\n", warnFmt(formatTime(resp.Grace.Deadline)))
	}
	w.Flush()
}

func printHistory(out io.Writer, states []authstate.State) {
	if len(states) == 0 {
		fmt.Fprintln(out, "No state transitions recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKED\tAUTHENTICATED\tCONFIDENCE\tSOURCE\tFAILURES\tERROR")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			formatTime(s.CheckedAt), authLabel(s), s.Confidence, s.Source, s.ConsecutiveFailures, s.Kind)
	}
	w.Flush()
}

func authLabel(s authstate.State) string {
	switch {
	case s.Confidence == authstate.ConfidenceNone:
		return dimFmt("unknown")
	case s.Authenticated:
		return okFmt("yes")
	default:
		return warnFmt("no")
	}
}

func phaseLabel(p authstate.Phase) string {
	switch p {
	case authstate.PhaseDegraded:
		return errFmt(p)
	case authstate.PhaseReadyAuthenticated, authstate.PhaseReadyAnonymous:
		return okFmt(p)
	default:
		return dimFmt(p)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
