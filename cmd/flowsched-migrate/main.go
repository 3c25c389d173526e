package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/flowsched/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "flowsched-migrate"}

func newMigrate(cmd *cobra.Command) (*migrate.Migrate, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
	}
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		connStr = config.DatabaseURLFromEnv()
	}
	if connStr == "" {
		return nil, fmt.Errorf("--db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	source, _ := cmd.Flags().GetString("source")
	m, err := migrate.New(source, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m, nil
}

var upCmd = &cobra.Command{
	Use:     "up",
	Aliases: []string{"migrate"},
	Short:   "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate(cmd)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		fmt.Println("Migrations applied successfully")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate(cmd)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		fmt.Println("Rolled back one migration")
		return nil
	},
}

func main() {
	rootCmd.AddCommand(upCmd, downCmd)
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("source", "file://migrations", "Migration source URL")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
