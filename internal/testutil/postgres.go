package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"ms-reservations/internal/database/migrations"
	"ms-reservations/internal/logger"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// NewPostgresDB starts a throwaway Postgres container and applies the
// embedded migrations. Skipped in -short mode or when Docker is missing.
func NewPostgresDB(t *testing.T) *bun.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "reservations",
				"POSTGRES_PASSWORD": "reservations",
				"POSTGRES_DB":       "reservations",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping Postgres integration test, container unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://reservations:reservations@%s:%s/reservations?sslmode=disable", host, port.Port())

	// The migration driver closes its handle, so it gets its own pool.
	migrationDB, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open migration db: %v", err)
	}
	runner := migrations.NewRunner(bun.NewDB(migrationDB, pgdialect.New()), migrations.MigrateOptions{}, logger.NewWithWriter(testWriter{t}))
	if err := runner.RunMigrations(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	runner.Close()

	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqldb.SetMaxOpenConns(16)
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { db.Close() })
	return db
}

// testWriter routes log output through t.Log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
