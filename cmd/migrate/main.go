// Command migrate applies or rolls back the booking schema.
//
//	migrate up [-seed]
//	migrate down
//	migrate to <version>
//	migrate version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"milabs-booking/internal/config"
	"milabs-booking/internal/database"
	"milabs-booking/internal/database/migrations"
	"milabs-booking/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	log := logger.New(os.Stdout)

	seed := flag.Bool("seed", false, "also load the demo lab catalog")
	dir := flag.String("dir", "", "migrations directory (defaults to MIGRATIONS_DIR)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	opts := migrations.DefaultOptions()
	opts.MigrationsDir = cfg.Database.MigrationsDir
	if *dir != "" {
		opts.MigrationsDir = *dir
	}
	opts.SeedData = *seed

	sqldb, err := database.OpenPostgres(context.Background(), cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer sqldb.Close()

	runner := migrations.NewRunner(sqldb, opts, log)
	if err := runner.Initialize(); err != nil {
		log.Fatal("MIGRATION", err.Error())
	}
	defer runner.Close()

	cmd := flag.Arg(0)
	switch cmd {
	case "", "up":
		err = runner.RunMigrations()
	case "down":
		err = runner.MigrateDown()
	case "to":
		var v uint64
		v, err = strconv.ParseUint(flag.Arg(1), 10, 32)
		if err == nil {
			err = runner.MigrateTo(uint(v))
		}
	case "version":
	default:
		log.Fatal("MIGRATION", fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		log.Fatal("MIGRATION", err.Error())
	}

	version, dirty, err := runner.Version()
	if err != nil {
		log.Fatal("MIGRATION", err.Error())
	}
	log.Info("MIGRATION", fmt.Sprintf("Schema at version %d (dirty=%t)", version, dirty))
}
