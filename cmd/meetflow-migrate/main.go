// cmd/meetflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "meetflow-migrate"}

func connString(cmd *cobra.Command) (string, error) {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr != "" {
		return connStr, nil
	}
	if url := os.Getenv("MEETFLOW_DATABASE_URL"); url != "" {
		return url, nil
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return "", fmt.Errorf("--db flag, MEETFLOW_DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName), nil
}

func newMigrate(cmd *cobra.Command) *migrate.Migrate {
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
	}
	connStr, err := connString(cmd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	dir, _ := cmd.Flags().GetString("dir")
	m, err := migrate.New("file://"+dir, connStr)
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

var upCmd = &cobra.Command{
	Use:     "up",
	Aliases: []string{"migrate"},
	Short:   "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to revert migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migration reverted")
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if MEETFLOW_DATABASE_URL or DB_* env vars are set)")
	rootCmd.PersistentFlags().String("dir", "migrations", "Directory holding the migration files")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
