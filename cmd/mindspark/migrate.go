package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mindspark/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
			applied, err := store.ApplyMigrationsFS(ctx, db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Database is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Printf("Applied %s\n", version)
			}
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
			version, err := store.RollbackLast(ctx, db, os.DirFS(cfg.MigrationsDir))
			if errors.Is(err, store.ErrNoMigration) {
				fmt.Println("No migration to roll back")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back %s\n", version)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations not yet applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
			pending, err := store.PendingMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending migrations")
				return nil
			}
			for _, version := range pending {
				fmt.Printf("Pending %s\n", version)
			}
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Debug("connected to database", zap.String("migrations_dir", cfg.MigrationsDir))
	return fn(ctx, db)
}
