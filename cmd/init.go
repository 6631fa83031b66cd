package cmd

import (
	"log"

	"github.com/ValgulNecron/kasuki-sub002/kasuki"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and run migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable KASUKI_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable KASUKI_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		if _, err := kasuki.CreateDB(ctx, cfg.DatabaseType, cfg.Database); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()
		_, _ = out.Write(
			[]byte("Initialization complete. You can now start the bot with the 'run' subcommand.\n"),
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
