package cli

import (
	"github.com/spf13/cobra"

	"citerag/internal/db"
)

var migrateReset bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	Long: `Creates the documents, fragments, chats and messages tables and their indexes.
On PostgreSQL the vector extension is enabled first.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateReset, "reset", false, "drop all tables before creating them")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	sqldb, err := db.Open(&cfg.Database)
	if err != nil {
		return err
	}
	defer sqldb.Close()

	if migrateReset {
		if err := db.DropAll(cmd.Context(), sqldb); err != nil {
			return err
		}
	}
	if err := db.InitDB(cmd.Context(), sqldb); err != nil {
		return err
	}
	cmd.Println("Schema is up to date.")
	return nil
}
