// Package cmd implements the authctl CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is set at build time
var Version = "0.1.0"

const defaultAddr = "http://127.0.0.1:8787"

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// options carries the global flags down to each command.
type options struct {
	addr    string
	output  string
	timeout time.Duration
}

func (o *options) client() *DaemonClient {
	return NewDaemonClient(o.addr, o.timeout)
}

// NewRootCommand builds the authctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "authctl",
		Short: "Inspect and drive a running authguard daemon",
		Long: `authctl talks to a local authguard daemon.

It reports the cached authorization state, streams state transitions,
exports request diagnostics, and records login or logout.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "table", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", opts.output)
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("AUTHCTL_ADDR", defaultAddr), "Daemon base URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		newStatusCommand(opts),
		newWatchCommand(opts),
		newDiagnosticsCommand(opts),
		newLoginCommand(opts),
		newLogoutCommand(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errFmt("error:"), err)
		return err
	}
	return nil
}

// formatOutput writes data as json or yaml. It reports false for table
// output, which each command renders itself.
func formatOutput(w io.Writer, format string, data any) (bool, error) {
	switch format {
	case "json":
		return true, outputJSON(w, data)
	case "yaml":
		return true, outputYAML(w, data)
	default:
		return false, nil
	}
}

func outputJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(w io.Writer, data any) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
