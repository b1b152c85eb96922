package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
)

//go:embed sql/*.sql
var files embed.FS

type MigrateOptions struct {
	// AutoMigrate applies pending migrations when a service starts.
	AutoMigrate bool
	// SeedData inserts a sample event with tickets and a voucher into an empty database.
	SeedData bool
}

func DefaultOptions() MigrateOptions {
	return MigrateOptions{
		AutoMigrate: true,
		SeedData:    false,
	}
}

// Runner applies the embedded schema migrations to Postgres.
type Runner struct {
	bunDB    *bun.DB
	options  MigrateOptions
	logger   *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(bunDB *bun.DB, opts MigrateOptions, log *logger.Logger) *Runner {
	return &Runner{
		bunDB:   bunDB,
		options: opts,
		logger:  log,
	}
}

func (r *Runner) Initialize() error {
	driver, err := postgres.WithInstance(r.bunDB.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	source, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	r.migrator = migrator
	return nil
}

// RunMigrations applies pending migrations, repairs a dirty version and
// seeds sample data when enabled.
func (r *Runner) RunMigrations(ctx context.Context) error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		r.logger.Warn("MIGRATE", fmt.Sprintf("Detected dirty migration at version %d, forcing previous version", version))
		previous := int(version) - 1
		if previous < 1 {
			previous = -1 // nil version, re-run from the first file
		}
		if err := r.migrator.Force(previous); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}

	if err := r.MigrateUp(); err != nil {
		return err
	}

	version, _, err = r.migrator.Version()
	if err == nil {
		r.logger.Info("MIGRATE", fmt.Sprintf("Current schema version: %d", version))
	} else if !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if r.options.SeedData {
		return Seed(ctx, r.bunDB, r.logger)
	}
	return nil
}

func (r *Runner) MigrateUp() error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (r *Runner) MigrateDown() error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

func (r *Runner) MigrateTo(version uint) error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	if err := r.migrator.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

// Close releases the migrator. The postgres driver closes the *sql.DB it
// was given, so the bun handle passed to NewRunner is unusable afterwards.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}

// Seed inserts one sample event with two ticket types and a voucher. It
// does nothing if any event already exists.
func Seed(ctx context.Context, db bun.IDB, log *logger.Logger) error {
	count, err := db.NewSelect().Model((*models.Event)(nil)).Count(ctx)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if count > 0 {
		log.Info("MIGRATE", "Seed skipped, events already present")
		return nil
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		event := &models.Event{Name: "Sample Concert", StartsAt: now.AddDate(0, 1, 0), CreatedAt: now}
		if _, err := tx.NewInsert().Model(event).Exec(ctx); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		tickets := []models.Ticket{
			{EventID: event.ID, Name: "Regular", Price: 150000, Stock: 100},
			{EventID: event.ID, Name: "VIP", Price: 500000, Stock: 20},
		}
		if _, err := tx.NewInsert().Model(&tickets).Exec(ctx); err != nil {
			return fmt.Errorf("insert tickets: %w", err)
		}

		voucher := &models.Voucher{EventID: event.ID, Code: "EARLYBIRD", DiscountValue: 25000, RemainingStock: 50}
		if _, err := tx.NewInsert().Model(voucher).Exec(ctx); err != nil {
			return fmt.Errorf("insert voucher: %w", err)
		}

		log.Info("MIGRATE", fmt.Sprintf("Seeded event %d with %d ticket types", event.ID, len(tickets)))
		return nil
	})
}
