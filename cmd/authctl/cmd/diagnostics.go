package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/valinor-ai/authguard/internal/diagnostics"
)

func newDiagnosticsCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "diagnostics",
		Aliases: []string{"diag"},
		Short:   "Export request diagnostics",
		Long: `Export error statistics and the most recent tracked requests.

Examples:
  authctl diagnostics
  authctl diagnostics --limit 10
  authctl diagnostics -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			export, err := opts.client().Diagnostics(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := formatOutput(out, opts.output, export); done {
				return err
			}
			printDiagnostics(out, export)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Newest records to include (0 for all)")
	return cmd
}

func printDiagnostics(out io.Writer, export diagnostics.Export) {
	s := export.Stats
	fmt.Fprintf(out, "Requests: %d  Errors: %d  Denied: %d  Success: %.1f%%  Avg: %.1fms  Pending: %d\n",
		s.Total, s.ErrorCount, s.DeniedCount, s.SuccessRate*100, s.AvgDurationMs, export.Pending)

	if len(export.Records) == 0 {
		fmt.Fprintln(out, "No requests recorded.")
		return
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMETHOD\tTARGET\tSTATUS\tDURATION\tKIND\tCAUSES")
	for _, r := range export.Records {
		kind := okFmt("ok")
		if r.Failed() {
			kind = errFmt(r.Kind)
		}
		causes := "-"
		if len(r.Causes) > 0 {
			causes = r.Causes[0].Code
			if len(r.Causes) > 1 {
				causes = fmt.Sprintf("%s (+%d)", causes, len(r.Causes)-1)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1fms\t%s\t%s\n",
			formatTime(r.StartedAt), r.Method, r.Target, r.Status, r.DurationMs, kind, causes)
	}
	w.Flush()
}
