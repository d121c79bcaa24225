package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/example/runengine/internal/config"
	"github.com/example/runengine/internal/dbmigrate"
)

const migrationsDir = "db/migrations"

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration under db/migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openMigrationDB()
			if err != nil {
				return err
			}
			defer db.Close()

			migrations, err := dbmigrate.LoadDir(migrationsDir)
			if err != nil {
				return fmt.Errorf("load migrations: %w", err)
			}

			ran, err := dbmigrate.NewRunner(db).Up(cmd.Context(), migrations)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ran) == 0 {
				fmt.Fprintln(out, "no pending migrations")
				return nil
			}
			fmt.Fprintf(out, "applied %d migration(s) against %s:\n", len(ran), cfg.Database.PrimaryDSN)
			for _, v := range ran {
				fmt.Fprintf(out, "  - %04d\n", v)
			}
			return nil
		},
	}
}

func buildMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which migrations have been applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openMigrationDB()
			if err != nil {
				return err
			}
			defer db.Close()

			migrations, err := dbmigrate.LoadDir(migrationsDir)
			if err != nil {
				return fmt.Errorf("load migrations: %w", err)
			}

			statuses, err := dbmigrate.NewRunner(db).Status(cmd.Context(), migrations)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range statuses {
				mark := "pending"
				if s.Applied {
					mark = "applied"
				}
				fmt.Fprintf(out, "%04d  %-30s  %s\n", s.Version, s.Name, mark)
			}
			return nil
		},
	}
}

func openMigrationDB() (config.Config, *sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := sql.Open("postgres", cfg.Database.PrimaryDSN)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, nil
}
