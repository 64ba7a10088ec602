package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cowebsLB/dental-clinic-software-system/internal/app"
	"github.com/cowebsLB/dental-clinic-software-system/internal/backup"
	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
)

// NewBackupCommand creates the backup command group.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and restore the local cache",
		Long: `Manage checksummed snapshots of the local cache in BACKUP_DIR.

Backups do not need the remote. "upload" ships a snapshot to the bucket
configured with BACKUP_S3_ENDPOINT and BACKUP_S3_BUCKET.`,
	}

	cmd.AddCommand(newBackupCreateCommand(rootOpts))
	cmd.AddCommand(newBackupListCommand(rootOpts))
	cmd.AddCommand(newBackupRestoreCommand(rootOpts))
	cmd.AddCommand(newBackupUploadCommand(rootOpts))
	return cmd
}

// openBackups opens the local cache without the sync client.
func (o *RootOptions) openBackups() (*backup.Manager, *db.DB, error) {
	database, err := app.OpenDB(o.cfg)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open local cache", err)
	}
	uploader, err := app.BackupUploader(o.cfg)
	if err != nil {
		database.Close()
		return nil, nil, WrapExitError(ExitCommandError, "invalid off-site storage settings", err)
	}
	return backup.NewManager(database, o.cfg.BackupDir, o.cfg.BackupRetention, uploader), database, nil
}

func newBackupCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var upload bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a new snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, database, err := rootOpts.openBackups()
			if err != nil {
				return err
			}
			defer database.Close()

			info, err := m.Create(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "backup failed", err)
			}
			if upload {
				if err := m.Upload(cmd.Context(), info.Name); err != nil {
					return WrapExitError(ExitFailure, "backup written but upload failed", err)
				}
			}
			return rootOpts.printer(cmd).Success(info, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (%d bytes)\n", okStyle.Render("✓"), info.Name, info.Size)
				field(w, "SHA256", info.SHA256)
			})
		},
	}
	cmd.Flags().BoolVar(&upload, "upload", false, "also upload the snapshot off-site")
	return cmd
}

func newBackupListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, database, err := rootOpts.openBackups()
			if err != nil {
				return err
			}
			defer database.Close()

			backups, err := m.List()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list backups", err)
			}
			return rootOpts.printer(cmd).Success(backups, func(w io.Writer) {
				rows := make([][]string, 0, len(backups))
				for _, b := range backups {
					sum := b.SHA256
					if len(sum) > 12 {
						sum = sum[:12]
					}
					rows = append(rows, []string{b.Name, b.CreatedAt.Local().Format(timeLayout), fmt.Sprint(b.Size), sum})
				}
				renderTable(w, "No backups.", []string{"NAME", "CREATED", "SIZE", "SHA256"}, rows)
			})
		},
	}
}

func newBackupRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name>",
		Short: "Replace the local cache with a snapshot",
		Long: `Verify a snapshot against its checksum and copy it over the local cache.

Stop the desktop app first: it holds the cache open.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, database, err := rootOpts.openBackups()
			if err != nil {
				return err
			}
			// Restore closes the database itself; Close is idempotent.
			defer database.Close()

			if err := m.Restore(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitFailure, "restore failed", err)
			}
			return rootOpts.printer(cmd).Success(map[string]string{"restored": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "%s restored %s into %s\n", okStyle.Render("✓"), args[0], rootOpts.cfg.LocalCachePath)
			})
		},
	}
}

func newBackupUploadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <name>",
		Short: "Ship a snapshot to off-site storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, database, err := rootOpts.openBackups()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := m.Upload(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitFailure, "upload failed", err)
			}
			return rootOpts.printer(cmd).Success(map[string]string{"uploaded": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "%s uploaded %s to %s\n", okStyle.Render("✓"), args[0], rootOpts.cfg.S3Bucket)
			})
		},
	}
}
