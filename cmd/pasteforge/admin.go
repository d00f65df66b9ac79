package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pasteforge/cfg"
	"pasteforge/pkg/domain"
	"pasteforge/svc/db"
	"pasteforge/svc/svc"
)

func init() {
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Exit 0 when the database answers a ping",
		Long:  "Container health probe. Reads DATABASE_PATH only and never migrates.",
		Args:  cobra.NoArgs,
		Run:   runHealth,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrateUp,
	}
	migrateDownCmd := &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations, all of them when steps is omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMigrateDown,
	}
	migrateVersionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE:  runMigrateVersion,
	}
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired pastes and stale tokens once",
		Args:  cobra.NoArgs,
		RunE:  runPurge,
	}

	promoteCmd := &cobra.Command{
		Use:   "promote <username> [role]",
		Short: "Set a user's role (admin by default)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPromote,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd, healthCmd, migrateCmd, purgeCmd, promoteCmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "pasteforge.db"
	}
	store, err := db.NewSQLite(path, db.DefaultOptions())
	if err != nil {
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		os.Exit(1)
	}
}

// openStore opens the configured database without migrating it.
func openStore() (*cfg.Cfg, *db.SQLite, error) {
	c, err := loadCfg()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.NewSQLite(c.DatabasePath, db.Options{
		MaxOpenConns: c.DBMaxOpenConns,
		MaxIdleConns: c.DBMaxIdleConns,
		QueryTimeout: c.DBQueryTimeout,
	})
	if err != nil {
		c.Wipe()
		return nil, nil, err
	}
	return c, store, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	c, store, err := openStore()
	if err != nil {
		return err
	}
	defer c.Wipe()
	defer store.Close()
	if err := db.MigrateUp(store.DB()); err != nil {
		return err
	}
	return printVersion(cmd, store)
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	steps := 0
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("steps must be a positive integer, got %q", args[0])
		}
		steps = n
	}
	c, store, err := openStore()
	if err != nil {
		return err
	}
	defer c.Wipe()
	defer store.Close()
	if err := db.MigrateDown(store.DB(), steps); err != nil {
		return err
	}
	return printVersion(cmd, store)
}

func runMigrateVersion(cmd *cobra.Command, args []string) error {
	c, store, err := openStore()
	if err != nil {
		return err
	}
	defer c.Wipe()
	defer store.Close()
	return printVersion(cmd, store)
}

func printVersion(cmd *cobra.Command, store *db.SQLite) error {
	v, dirty, err := db.SchemaVersion(store.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	c, err := loadCfg()
	if err != nil {
		return err
	}
	defer c.Wipe()
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	a, err := bootstrap(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()
	n, err := a.purger.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d pastes\n", n)
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	role := domain.RoleAdmin
	if len(args) == 2 {
		role = args[1]
	}
	c, store, err := openStore()
	if err != nil {
		return err
	}
	defer c.Wipe()
	defer store.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := svc.NewUsers(store, nil, nil).Promote(ctx, args[0], role); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], role)
	return nil
}
