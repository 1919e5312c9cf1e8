package commands

import (
	"github.com/spf13/cobra"

	"github.com/dotcommander/forge/internal/app"
	"github.com/dotcommander/forge/internal/output"
	"github.com/dotcommander/forge/internal/store"
)

// NewMigrateCmd wraps the store package's schema migration runner.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, err := app.GetDBPath()
			if err != nil {
				return cmdErr(err)
			}

			db, closeDB, err := openDB()
			if err != nil {
				return cmdErr(err)
			}
			defer closeDB()

			if err := store.MigrateDB(db, dbPath); err != nil {
				return cmdErr(err)
			}

			current, latest, err := store.SchemaVersion(db)
			if err != nil {
				return cmdErr(err)
			}

			type resp struct {
				Current int64 `json:"current_version"`
				Latest  int64 `json:"latest_version"`
			}
			return output.PrintSuccess(resp{Current: current, Latest: latest})
		},
	}
	return cmd
}
