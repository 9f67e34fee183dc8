package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQLite schema migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := sqliteadapter.NewMigrator(db).Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintf(out, "schema up to date: db=%s\n", cfg.DBPath)
		return nil
	}
	fmt.Fprintf(out, "migrations applied: %s db=%s\n", strings.Join(applied, ","), cfg.DBPath)
	return nil
}
