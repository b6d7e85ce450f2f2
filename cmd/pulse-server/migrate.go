package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"pulse/internal/server/bootstrap"
	"pulse/internal/session/postgresstore"
	"pulse/internal/session/sqlitestore"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the session store schema",
		Long: `Create or update the relay schema on the configured store backend.

serve applies the schema itself on startup; migrate exists for deploy
pipelines that run schema changes before rolling the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			if err := bindServeFlags(v, cmd); err != nil {
				return err
			}

			cfg, err := bootstrap.Load(lookupFrom(v))
			if err != nil {
				return err
			}
			return runMigrate(cmd, cfg.Store)
		},
	}

	flags := cmd.Flags()
	flags.String("store", "", "Session store backend (memory, sqlite, postgres)")
	flags.String("sqlite-path", "", "SQLite database file")
	flags.String("database-url", "", "Postgres connection string")

	return cmd
}

func runMigrate(cmd *cobra.Command, cfg bootstrap.StoreConfig) error {
	switch cfg.Kind {
	case "memory":
		cmd.Println("memory store has no schema; nothing to do")
		return nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migrate sqlite %s: %w", cfg.SQLitePath, err)
		}
		if err := store.Close(); err != nil {
			return err
		}
		cmd.Printf("sqlite schema current: %s\n", cfg.SQLitePath)
		return nil
	case "postgres":
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		if err := postgresstore.New(pool).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		cmd.Println("postgres schema current")
		return nil
	default:
		return fmt.Errorf("unknown store %q", cfg.Kind)
	}
}
