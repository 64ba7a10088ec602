// Package cli implements the clinicsync command line: manual sync passes,
// queue and conflict inspection, backups and schema migrations.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cowebsLB/dental-clinic-software-system/internal/app"
	"github.com/cowebsLB/dental-clinic-software-system/internal/config"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	EnvFile string

	cfg config.Config

	// remote replaces the HTTP client built from REMOTE_URL (for testing).
	remote remote.Store
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the clinicsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI, reports any error in the selected format and
// returns the process exit code.
func Execute(ctx context.Context) int {
	opts := &RootOptions{Format: "text"}
	cmd := newRootCommand(opts)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	f := opts.printer(cmd)
	if !isValidFormat(f.Format) {
		f.Format = "text"
	}
	f.Error(err)
	return GetExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinicsync",
		Short: "Offline sync tooling for the dental clinic system",
		Long: `clinicsync inspects and drives the local-first sync of the clinic cache.

Writes made while offline wait in the sync queue. Use "sync" to replay them,
"conflicts" and "resolve" to settle edits the remote changed first, and
"backup" to snapshot the local cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			var envFiles []string
			if opts.EnvFile != "" {
				envFiles = append(envFiles, opts.EnvFile)
			}
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.cfg = cfg

			level := logging.ParseLevel(cfg.LogLevel)
			if opts.Verbose {
				level = logging.LevelDebug
			} else if level == logging.LevelInfo {
				// Keep stderr quiet for interactive use.
				level = logging.LevelWarn
			}
			logging.Configure(logging.Output(cfg.LogFile), level)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default .env)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRetryFailedCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// openApp wires the sync client from the loaded configuration.
func (o *RootOptions) openApp() (*app.App, error) {
	var extra []app.Option
	if o.remote != nil {
		extra = append(extra, app.WithRemote(o.remote))
	}
	a, err := app.New(o.cfg, extra...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open sync client", err)
	}
	return a, nil
}

func (o *RootOptions) printer(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// currentUser names the operator for manual resolutions.
func currentUser() string {
	if u := os.Getenv("CLINIC_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}
