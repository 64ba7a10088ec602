package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List queued writes waiting for a resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.Queue.GetConflicts(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read conflicts", err)
			}
			entries := make([]*models.SyncQueueEntry, 0, len(all))
			for _, e := range all {
				if table == "" || e.TableName == table {
					entries = append(entries, e)
				}
			}

			return rootOpts.printer(cmd).Success(entries, func(w io.Writer) {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ID,
						e.TableName,
						e.RecordID,
						string(e.Operation),
						e.LocalData.String("updated_at"),
						e.RemoteData.String("updated_at"),
					})
				}
				renderTable(w, "No conflicts.", []string{"QUEUE ID", "TABLE", "RECORD", "OP", "LOCAL UPDATED", "REMOTE UPDATED"}, rows)
			})
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "only this table")
	return cmd
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Data string
	By   string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <queue-id> <local|remote|merge>",
		Short: "Settle one conflict",
		Long: `Settle the conflict held by a queue entry.

  local   push the local version to the remote
  remote  keep the remote version and overwrite the local row
  merge   push the record given with --data and store it locally

Example:
  clinicsync resolve 0b6f... remote
  clinicsync resolve 0b6f... merge --data '{"phone":"555-0101"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd, args[0], models.Resolution(args[1]))
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "merged record as a JSON object (merge only)")
	cmd.Flags().StringVar(&opts.By, "by", "", "operator recorded in the audit log (default $CLINIC_USER or $USER)")

	return cmd
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command, queueID string, resolution models.Resolution) error {
	if !resolution.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown resolution %q: must be local, remote or merge", resolution))
	}
	var merged models.Record
	if opts.Data != "" {
		if err := json.Unmarshal([]byte(opts.Data), &merged); err != nil {
			return WrapExitError(ExitCommandError, "--data must be a JSON object", err)
		}
	}
	if resolution == models.ResolutionMerge && merged == nil {
		return NewExitError(ExitCommandError, "merge requires --data")
	}
	by := opts.By
	if by == "" {
		by = currentUser()
	}
	if by == "" {
		return NewExitError(ExitCommandError, "set --by or CLINIC_USER to record who resolved the conflict")
	}

	a, err := opts.openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.Resolver.ResolveConflict(cmd.Context(), queueID, resolution, merged, by)
	if err != nil {
		return WrapExitError(ExitFailure, "resolution failed", err)
	}
	return opts.printer(cmd).Success(entry, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s/%s resolved as %s by %s\n",
			okStyle.Render("✓"), entry.TableName, entry.RecordID, entry.Resolution, entry.ResolvedBy)
	})
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		table string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the conflict audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Audit.GetConflictHistory(cmd.Context(), table, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read conflict history", err)
			}
			return rootOpts.printer(cmd).Success(entries, func(w io.Writer) {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					by := e.ResolvedBy
					if e.Automatic() {
						by = "auto"
					}
					rows = append(rows, []string{
						e.ResolvedAt.Local().Format(timeLayout),
						e.TableName,
						e.RecordID,
						e.ConflictType,
						string(e.Resolution),
						by,
					})
				}
				renderTable(w, "No resolved conflicts.", []string{"RESOLVED AT", "TABLE", "RECORD", "TYPE", "RESOLUTION", "BY"}, rows)
			})
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "only this table")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	return cmd
}
