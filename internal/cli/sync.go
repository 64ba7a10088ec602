package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	syncpkg "github.com/cowebsLB/dental-clinic-software-system/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Table string
	Force bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued writes against the remote",
		Long: `Run one sync pass over every table with pending writes, or over one table.

With --force, failed entries are requeued and retry backoff is ignored.

Example:
  clinicsync sync
  clinicsync sync --table clients --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Table, "table", "t", "", "sync only this table")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "requeue failed entries and ignore backoff")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	a, err := opts.openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if !a.Monitor.Check(ctx) {
		return NewExitError(ExitFailure, "remote unreachable; queued writes stay pending")
	}

	var result *syncpkg.SyncResult
	if opts.Table != "" {
		result, err = a.Manager.SyncTable(ctx, opts.Table, opts.Force)
	} else {
		result, err = a.Manager.SyncAll(ctx, opts.Force)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync pass failed", err)
	}

	return opts.printer(cmd).Success(result, func(w io.Writer) {
		printSyncResult(w, result)
	})
}

func printSyncResult(w io.Writer, r *syncpkg.SyncResult) {
	status := okStyle.Render(string(r.Status))
	if r.Failed > 0 || r.Conflicts > r.Resolved {
		status = warnStyle.Render(string(r.Status))
	}
	field(w, "Status", status)
	field(w, "Duration", r.Duration.Round(time.Millisecond))

	rows := make([][]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		rows = append(rows, []string{
			t.Table,
			fmt.Sprint(t.Synced),
			fmt.Sprint(t.Failed),
			fmt.Sprint(t.Conflicts),
			fmt.Sprint(t.Resolved),
			fmt.Sprint(t.Superseded),
			fmt.Sprint(t.Skipped),
		})
	}
	renderTable(w, "Nothing to sync.", []string{"TABLE", "SYNCED", "FAILED", "CONFLICTS", "RESOLVED", "SUPERSEDED", "SKIPPED"}, rows)
	for _, e := range r.Errors {
		fmt.Fprintln(w, warnStyle.Render("  "+e))
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			online := a.Monitor.Check(ctx)
			counts, err := a.Queue.Counts(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read the sync queue", err)
			}

			data := map[string]interface{}{
				"online": online,
				"remote": a.Config.RemoteURL,
				"queue":  counts,
			}
			return rootOpts.printer(cmd).Success(data, func(w io.Writer) {
				if online {
					field(w, "Remote", okStyle.Render("online")+" "+a.Config.RemoteURL)
				} else {
					field(w, "Remote", warnStyle.Render("offline")+" "+a.Config.RemoteURL)
				}
				for _, s := range []models.QueueStatus{
					models.StatusPending, models.StatusConflict, models.StatusResolving,
					models.StatusFailed, models.StatusSynced, models.StatusSuperseded,
				} {
					field(w, "  "+string(s), counts[s])
				}
			})
		},
	}
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Return failed queue entries to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Queue.RetryFailed(cmd.Context(), table)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to requeue entries", err)
			}
			return rootOpts.printer(cmd).Success(map[string]int64{"requeued": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %d failed entries.\n", n)
			})
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "only this table")
	return cmd
}
