// Package main applies the database schema with golang-migrate. Connection
// settings come from the same environment variables as the server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/welldanyogia/jobportal-auth/internal/config"
	"github.com/welldanyogia/jobportal-auth/internal/logger"
)

const defaultMigrationsPath = "migrations"

type options struct {
	databaseURL    string
	migrationsPath string
	timeout        time.Duration
}

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: "text", Output: "stderr"})

	var opts options
	flag.StringVar(&opts.migrationsPath, "path", envOr("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Lock and connect timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [arg]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]     Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]   Roll back N migrations (default 1)\n")
		fmt.Fprintf(os.Stderr, "  goto V     Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V    Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version    Print the current version\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.databaseURL = cfg.Database.URL()

	if err := run(opts, args[0], args[1:], log); err != nil {
		log.Error("migration failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(opts options, cmd string, args []string, log *slog.Logger) error {
	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	from, dirty, verr := m.Version()

	switch cmd {
	case "version":
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info("no migrations applied")
			return nil
		}
		if verr != nil {
			return fmt.Errorf("read version: %w", verr)
		}
		log.Info("current version", slog.Uint64("version", uint64(from)), slog.Bool("dirty", dirty))
		return nil
	case "up":
		n, err := optionalInt(args, 0)
		if err != nil {
			return err
		}
		if n > 0 {
			err = m.Steps(n)
		} else {
			err = m.Up()
		}
		return report(log, m, from, err)
	case "down":
		n, err := optionalInt(args, 1)
		if err != nil {
			return err
		}
		return report(log, m, from, m.Steps(-n))
	case "goto":
		v, err := requiredInt(args, "goto")
		if err != nil {
			return err
		}
		return report(log, m, from, m.Migrate(uint(v)))
	case "force":
		v, err := requiredInt(args, "force")
		if err != nil {
			return err
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force: %w", err)
		}
		log.Warn("version forced", slog.Int("version", v))
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func report(log *slog.Logger, m *migrate.Migrate, from uint, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no change", slog.Uint64("version", uint64(from)))
		return nil
	}
	if err != nil {
		return err
	}
	to, _, _ := m.Version()
	log.Info("migration completed", slog.Uint64("from", uint64(from)), slog.Uint64("to", uint64(to)))
	return nil
}

func optionalInt(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

func requiredInt(args []string, cmd string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s requires a version number", cmd)
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version: %s", args[0])
	}
	return v, nil
}

func newMigrate(opts options) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	db, err := sql.Open("pgx", opts.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	path, err := filepath.Abs(opts.migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.LockTimeout = opts.timeout
	return m, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
