package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/flowrun/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles `flowrun migrate <subcommand>`
func runMigrate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	sub := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	if sub == "help" {
		printMigrateUsage(stdout)
		return nil
	}
	if sub == "reset" {
		sub, args = "down", append(args, "--all")
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	all := fs.Bool("all", false, "With down: roll back every migration")
	if err := fs.Parse(reorderFlags(args)); err != nil {
		// flag 已把错误写到 stderr
		return errUsage
	}

	m, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	subArgs := fs.Args()
	if *all {
		subArgs = append([]string{"--all"}, subArgs...)
	}

	cli := migration.NewCLI(m)
	cli.SetOutput(stdout)
	return cli.Run(ctx, sub, subArgs)
}

// createMigrator uses --db-type/--db-url when both are set, the config
// file's database section otherwise.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  flowrun migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations (default)
  down        Rollback the last migration (--all for every migration)
  steps <n>   Apply n migrations, or roll back -n
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show migration summary
  reset       Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}
