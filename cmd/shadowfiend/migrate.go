package main

import (
	"database/sql"
	"fmt"

	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/internal/migration"
	"github.com/smallbiznis/shadowfiend/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(sqlDB *sql.DB, log *zap.Logger) error {
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
				log.Info("migration.applied")
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("rollback steps must be positive, got %d", steps)
			}
			return withDatabase(func(sqlDB *sql.DB, log *zap.Logger) error {
				if err := migration.RollbackMigrations(sqlDB, steps); err != nil {
					return err
				}
				log.Info("migration.rolled_back", zap.Int("steps", steps))
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(sqlDB *sql.DB, _ *zap.Logger) error {
				v, dirty, err := migration.Version(sqlDB)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List embedded migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := migration.Migrations()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.AddCommand(up, down, version, list)
	return cmd
}

func withDatabase(fn func(*sql.DB, *zap.Logger) error) error {
	cfg := config.Load()
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("migration")

	conn, err := db.Open(db.FromConfig(cfg), log, cfg.IsDevelopment())
	if err != nil {
		return err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return fn(sqlDB, log)
}
