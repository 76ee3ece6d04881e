// Command daygent-migrate manages the Daygent database schema with
// golang-migrate, running the migration pairs embedded in the binary.
//
// Usage:
//
//	daygent-migrate [-database <url>] up
//	daygent-migrate [-database <url>] down [steps]
//	daygent-migrate [-database <url>] version
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/daygent/daygent/internal/platform/migrations"
)

func main() {
	// A .env file is a development convenience, not a requirement.
	_ = godotenv.Load()

	databaseURL := flag.String("database", os.Getenv("DATABASE_URL"), "postgres connection URL")
	flag.Parse()

	logger, err := zap.NewProductionConfig().Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *databaseURL == "" {
		logger.Fatal("database URL required via -database or DATABASE_URL")
	}
	if flag.NArg() == 0 {
		logger.Fatal("missing command: up, down or version")
	}

	src, err := iofs.New(migrations.FS, "sql")
	if err != nil {
		logger.Fatal("load embedded migrations", zap.Error(err))
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, *databaseURL)
	if err != nil {
		logger.Fatal("open migrator", zap.Error(err))
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("close migrator", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("schema already current")
				return
			}
			logger.Fatal("migrate up", zap.Error(err))
		}
		logger.Info("migrations applied")

	case "down":
		steps := 1
		if flag.NArg() > 1 {
			n, err := strconv.Atoi(flag.Arg(1))
			if err != nil || n < 1 {
				logger.Fatal("down takes a positive step count", zap.String("arg", flag.Arg(1)))
			}
			steps = n
		}
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("nothing to roll back")
				return
			}
			logger.Fatal("migrate down", zap.Error(err))
		}
		logger.Info("rolled back", zap.Int("steps", steps))

	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migrations applied yet")
			return
		}
		if err != nil {
			logger.Fatal("read version", zap.Error(err))
		}
		logger.Info("schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))

	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
}
