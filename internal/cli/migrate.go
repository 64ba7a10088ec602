package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
)

// MigrationStatus reports the schema state of the local cache.
type MigrationStatus struct {
	Version int            `json:"version"`
	Applied []db.Migration `json:"applied"`
	Pending []int          `json:"pending"`
}

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local cache schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(rootOpts, func(m *db.Migrator) error {
				if err := m.Up(); err != nil {
					return WrapExitError(ExitFailure, "migration failed", err)
				}
				return printMigrationStatus(rootOpts, cmd, m)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(rootOpts, func(m *db.Migrator) error {
				if err := m.Down(); err != nil {
					return WrapExitError(ExitFailure, "rollback failed", err)
				}
				return printMigrationStatus(rootOpts, cmd, m)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(rootOpts, func(m *db.Migrator) error {
				return printMigrationStatus(rootOpts, cmd, m)
			})
		},
	})

	return cmd
}

// withMigrator opens the cache without migrating it.
func withMigrator(opts *RootOptions, fn func(*db.Migrator) error) error {
	database, err := db.Open(opts.cfg.LocalCachePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open local cache", err)
	}
	defer database.Close()

	m := db.NewMigrator(database.DB, db.Migrations())
	if err := m.Initialize(); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize migrations", err)
	}
	return fn(m)
}

func printMigrationStatus(opts *RootOptions, cmd *cobra.Command, m *db.Migrator) error {
	version, err := m.CurrentVersion()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read schema version", err)
	}
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read applied migrations", err)
	}
	pending, err := m.Pending()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list pending migrations", err)
	}
	status := MigrationStatus{Version: version, Applied: applied, Pending: pending}

	return opts.printer(cmd).Success(status, func(w io.Writer) {
		field(w, "Schema version", version)
		rows := make([][]string, 0, len(applied))
		for _, mig := range applied {
			rows = append(rows, []string{fmt.Sprintf("V%d", mig.Version), mig.Description, mig.AppliedAt.Local().Format(timeLayout)})
		}
		renderTable(w, "No migrations applied.", []string{"VERSION", "DESCRIPTION", "APPLIED"}, rows)
		if len(pending) > 0 {
			fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Pending: %v", pending)))
		}
	})
}
