// Package main is the entrypoint for the daggy CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eugenetaranov/daggy/internal/config"
	"github.com/eugenetaranov/daggy/internal/fabric"
	"github.com/eugenetaranov/daggy/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitCode is set by the root command; cobra only knows success or failure.
var exitCode = runner.ExitOK

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(runner.ExitFailure)
	}
	os.Exit(exitCode)
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "daggy [flags] <sources-file>",
		Short: "Daggy - aggregate live command output from many hosts",
		Long: `Daggy runs a fixed set of data sources, local shell commands and
commands on remote hosts, and streams every command's output into its own
file until the session is stopped, times out or every command ends.

Remote commands to one host share a single authenticated connection.

Examples:
  daggy sources.yaml
  daggy -t 60000 -o /tmp/logs sources.yaml
  cat sources.json | daggy --stdin -f json`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 1 {
				input = args[0]
			}
			cfg := config.Load(v, input)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			exitCode = runner.Run(ctx, cfg, runner.Options{
				Stdout:  cmd.OutOrStdout(),
				Stderr:  cmd.ErrOrStderr(),
				Stdin:   cmd.InOrStdin(),
				Version: version,
			})
			return nil
		},
	}

	config.AddFlags(rootCmd.Flags())
	if err := config.Bind(v, rootCmd.Flags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newProvidersCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// newValidateCmd checks data-source files without running them.
func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate <sources-file> [sources-file ...]",
		Short: "Validate one or more data-source files",
		Long: `Parse and validate data-source files without running them.

This checks for:
  - Valid YAML, JSON or TOML syntax
  - Unique data source names and command ids
  - Non-empty commands
  - Known provider types and their settings

Examples:
  daggy validate sources.yaml
  daggy validate *.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := fabric.NewDefault()
			out := cmd.OutOrStdout()
			var hasErrors bool

			for _, path := range args {
				defs, err := runner.Check(path, format, reg)
				if err != nil {
					fmt.Fprintf(out, "FAIL: %s - %v\n", path, err)
					hasErrors = true
					continue
				}
				fmt.Fprintf(out, "OK: %s (%d data sources)\n", path, len(defs))
			}

			if hasErrors {
				return fmt.Errorf("one or more files failed validation")
			}

			fmt.Fprintf(out, "\nAll %d file(s) valid.\n", len(args))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Format of every file; inferred from the extension when empty")
	return cmd
}

// newProvidersCmd lists available provider types.
func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List available provider types",
		Long:  `Display the provider types a data source can name in its type field.`,
		Run: func(cmd *cobra.Command, args []string) {
			reg := fabric.NewDefault()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Available providers:")
			fmt.Fprintln(out)
			for _, name := range reg.Types() {
				fmt.Fprintf(out, "  - %-8s %s\n", name, reg.Describe(name))
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Total: %d providers\n", len(reg.Types()))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "daggy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
