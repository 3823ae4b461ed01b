package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Record a completed login",
		Long: `Tell the daemon a login just completed so it reports authenticated
without waiting for its next network check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Login(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := formatOutput(out, opts.output, resp); done {
				return err
			}
			fmt.Fprintf(out, "%s login recorded (confidence %s)\n", okFmt("✓"), resp.State.Confidence)
			return nil
		},
	}
}

func newLogoutCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Reset the daemon's authorization state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s logged out\n", okFmt("✓"))
			return nil
		},
	}
}
