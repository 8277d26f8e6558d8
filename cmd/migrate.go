package cmd

import (
	"fmt"
	"os"

	"github.com/curaious/devicedb/internal/config"
	"github.com/curaious/devicedb/internal/db"
	"github.com/curaious/devicedb/internal/migrations"
	"github.com/curaious/devicedb/internal/telemetry"
	"github.com/jmoiron/sqlx"

	"github.com/spf13/cobra"
)

const migrationsDir = "./internal/migrations"

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run Migrations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(cmd.Help())
	},
}

// openMigrator connects to the configured database. The caller closes the
// returned connection.
func openMigrator(cmd *cobra.Command) (*migrations.Migrator, *sqlx.DB) {
	conn, err := db.NewConn(config.ReadConfig())
	if err != nil {
		fmt.Println("Unable to connect to database", err)
		os.Exit(1)
	}

	migrator, err := migrations.NewMigrator(cmd.Context(), conn)
	if err != nil {
		conn.Close()
		fmt.Println("Unable to initialize migrator", err)
		os.Exit(1)
	}

	return migrator, conn
}

func startTracing() func() {
	teardown, err := telemetry.NewProvider(config.ReadConfig())
	if err != nil {
		fmt.Println("Unable to start tracing, continuing without", err)
	}
	return teardown
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display status of each migration",
	Run: func(cmd *cobra.Command, args []string) {
		migrator, conn := openMigrator(cmd)
		defer conn.Close()

		migrator.MigrationStatus()
	},
}

var migrateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new empty migration file",
	Run: func(cmd *cobra.Command, args []string) {
		name, err := cmd.Flags().GetString("name")
		if err != nil {
			fmt.Println("Unable to read flag `name`", err)
			os.Exit(1)
		}

		migrator, conn := openMigrator(cmd)
		defer conn.Close()

		if _, err := migrator.CreateMigration(migrationsDir, name); err != nil {
			fmt.Println("Unable to create new migration file", err)
			os.Exit(1)
		}
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run up migrations",
	Long:  "Run all 'up' migrations by default.\nIf step is provided, it will run `N` 'up' migrations.\nAll migrations of one run share a single transaction.",
	Run: func(cmd *cobra.Command, args []string) {
		step, err := cmd.Flags().GetInt("step")
		if err != nil {
			fmt.Println("Unable to read flag `step`", err)
			os.Exit(1)
		}

		teardown := startTracing()
		migrator, conn := openMigrator(cmd)

		err = migrator.Up(cmd.Context(), step)
		conn.Close()
		teardown()

		if err != nil {
			fmt.Println("Unable to run `up` migrations", err)
			os.Exit(1)
		}
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Run down migrations",
	Long:  "Run all 'down' migrations by default.\nIf step is provided, it will run `N` 'down' migrations.",
	Run: func(cmd *cobra.Command, args []string) {
		step, err := cmd.Flags().GetInt("step")
		if err != nil {
			fmt.Println("Unable to read flag `step`", err)
			os.Exit(1)
		}

		teardown := startTracing()
		migrator, conn := openMigrator(cmd)

		err = migrator.Down(cmd.Context(), step)
		conn.Close()
		teardown()

		if err != nil {
			fmt.Println("Unable to run `down` migrations", err)
			os.Exit(1)
		}
	},
}

// Register the "migrate" command
func init() {
	migrateCreateCmd.Flags().StringP("name", "n", "", "Name for the migration")
	migrateCreateCmd.MarkFlagRequired("name")
	migrateCmd.AddCommand(migrateCreateCmd)

	migrateUpCmd.Flags().IntP("step", "s", 0, "Number of migrations to execute")
	migrateCmd.AddCommand(migrateUpCmd)

	migrateDownCmd.Flags().IntP("step", "s", 0, "Number of migrations to execute")
	migrateCmd.AddCommand(migrateDownCmd)

	migrateCmd.AddCommand(migrateStatusCmd)

	rootCmd.AddCommand(migrateCmd)
}
