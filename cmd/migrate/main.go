package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ms-reservations/internal/config"
	"ms-reservations/internal/database"
	"ms-reservations/internal/database/migrations"
	"ms-reservations/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	action := flag.String("action", "up", "up, down, to or seed")
	version := flag.Uint("version", 0, "target version for -action=to")
	seed := flag.Bool("seed", false, "insert sample data after migrating up")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewWithWriter(os.Stdout)

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}

	runner := migrations.NewRunner(db, migrations.MigrateOptions{SeedData: *seed}, log)
	defer runner.Close()

	switch *action {
	case "up":
		err = runner.RunMigrations(ctx)
	case "down":
		err = runner.MigrateDown()
	case "to":
		err = runner.MigrateTo(*version)
	case "seed":
		err = migrations.Seed(ctx, db, log)
	default:
		err = fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("%s done", *action))
}
