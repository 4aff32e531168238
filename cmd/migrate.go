package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/migrations"
	"github.com/otherjamesbrown/freightdesk/pkg/db"
)

func newMigrateCommand(deps *Deps) *cobra.Command {
	var (
		status bool
		target string
		dir    string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations.

The schema is embedded in the binary. Migrations run in file name order,
each in its own transaction, and are recorded in schema_migrations. A
Postgres advisory lock keeps concurrent runs from racing.

Flags:
  --status       Show applied, pending and drifted migrations without applying
  --target       Apply migrations up to and including this version (e.g., 003)
  --dir          Read migrations from a directory instead of the embedded set

Examples:
  freightdesk migrate
  freightdesk migrate --status
  freightdesk migrate --target 002`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var fsys fs.FS = migrations.FS
			if dir != "" {
				fsys = os.DirFS(dir)
			}
			if status {
				return runMigrateStatus(cmd.Context(), deps, cmd.OutOrStdout(), fsys)
			}
			return runMigrate(cmd.Context(), deps, cmd.OutOrStdout(), fsys, target)
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "Show migration status without applying")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Target version to migrate to")
	cmd.Flags().StringVar(&dir, "dir", "", "Migrations directory (default: embedded)")
	return cmd
}

// openPool connects without wiring the rest of the runtime.
func (d *Deps) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	creds, err := d.credentials()
	if err != nil {
		return nil, err
	}
	dbCfg, err := databaseConfig(d.Config, creds)
	if err != nil {
		return nil, err
	}
	pool, err := d.ConnectDB(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

func runMigrate(ctx context.Context, deps *Deps, w io.Writer, fsys fs.FS, target string) error {
	pool, err := deps.openPool(ctx)
	if err != nil {
		return err
	}
	defer db.Close(pool)

	result, err := db.RunMigrationsToTarget(ctx, pool, fsys, target)
	if err != nil {
		return err
	}

	return deps.render(w, result, func(w io.Writer) {
		if len(result.Applied) == 0 {
			fmt.Fprintln(w, "Database is up to date.")
			return
		}
		fmt.Fprintf(w, "Applied %d migration(s):\n", len(result.Applied))
		for _, name := range result.Applied {
			fmt.Fprintf(w, "  %s\n", name)
		}
	})
}

func runMigrateStatus(ctx context.Context, deps *Deps, w io.Writer, fsys fs.FS) error {
	pool, err := deps.openPool(ctx)
	if err != nil {
		return err
	}
	defer db.Close(pool)

	status, err := db.GetMigrationStatus(ctx, pool, fsys)
	if err != nil {
		return err
	}

	return deps.render(w, status, func(w io.Writer) {
		fmt.Fprintf(w, "Applied: %d  Pending: %d  Drift: %d\n\n", len(status.Applied), len(status.Pending), len(status.Drift))
		for _, m := range status.Applied {
			fmt.Fprintf(w, "  [x] %s  (%s)\n", m.Name, m.AppliedAt.Format("2006-01-02 15:04"))
		}
		for _, m := range status.Pending {
			fmt.Fprintf(w, "  [ ] %s\n", m.Name)
		}
		for _, m := range status.Drift {
			fmt.Fprintf(w, "  [!] %s  applied but no file\n", m.Name)
		}
	})
}
