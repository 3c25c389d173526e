// Package testutil starts a throwaway PostgreSQL container with the
// flowsched migrations applied.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultImage = "postgres:15"
	dbUser       = "flowsched"
	dbPassword   = "flowsched"
	dbName       = "flowsched_test"
)

// TestDB is a migrated database that lives as long as the test.
type TestDB struct {
	DB *sqlx.DB
}

// SetupTestDB starts PostgreSQL, applies migrations/ and registers cleanup.
// It skips when FLOWSCHED_SKIP_CONTAINERS is set, in -short mode, or when no
// container runtime is reachable. FLOWSCHED_TEST_POSTGRES_IMAGE overrides the
// image.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	_ = godotenv.Load()
	if os.Getenv("FLOWSCHED_SKIP_CONTAINERS") != "" || testing.Short() {
		t.Skip("container tests disabled")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	image := os.Getenv("FLOWSCHED_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultImage
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     dbUser,
				"POSTGRES_PASSWORD": dbPassword,
				"POSTGRES_DB":       dbName,
			},
			// postgres restarts once after init, so the line shows up twice
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPassword, host, port.Port(), dbName)

	m, err := migrate.New(migrationsURL(t), connStr)
	require.NoError(t, err, "initialize migrations")
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		require.NoError(t, err, "apply migrations")
	}
	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)

	db, err := sqlx.Connect("postgres", connStr)
	require.NoError(t, err, "connect to test database")
	t.Cleanup(func() { _ = db.Close() })
	return &TestDB{DB: db}
}

// migrationsURL locates migrations/ relative to this file, so callers in any
// package directory share it.
func migrationsURL(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "locate testutil source")
	return "file://" + filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
