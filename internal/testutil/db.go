package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultPostgresImage is used unless TEST_POSTGRES_IMAGE is set.
const DefaultPostgresImage = "postgres:15"

// TestDB is a migrated PostgreSQL database running in a container.
type TestDB struct {
	DB      *sqlx.DB
	ConnStr string
}

type dbEnv struct {
	user, password, name, host string
}

func readDBEnv(t *testing.T) dbEnv {
	t.Helper()
	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file loaded (%v), using the process environment", err)
	}
	env := dbEnv{
		user:     os.Getenv("DB_USERNAME"),
		password: os.Getenv("DB_PASSWORD"),
		name:     os.Getenv("DB_NAME"),
		host:     os.Getenv("DB_HOST"),
	}
	if env.user == "" || env.password == "" || env.name == "" || env.host == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD, DB_NAME and DB_HOST are required for database tests")
	}
	return env
}

// SetupTestDB starts PostgreSQL, applies the migrations in migrationsDir
// (relative to the calling package) and returns a connected DB. Everything
// is torn down when the test ends. The test is skipped when the DB_*
// environment is not configured.
func SetupTestDB(t *testing.T, migrationsDir string) *TestDB {
	t.Helper()
	env := readDBEnv(t)
	ctx := context.Background()

	image := os.Getenv("TEST_POSTGRES_IMAGE")
	if image == "" {
		image = DefaultPostgresImage
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     env.user,
				"POSTGRES_PASSWORD": env.password,
				"POSTGRES_DB":       env.name,
			},
			// postgres restarts once after initdb
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to resolve mapped port: %v", err)
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		env.user, env.password, env.host, port.Port(), env.name)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test DB: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close DB connection: %v", err)
		}
	})

	m, err := migrate.New("file://"+migrationsDir, connStr)
	if err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return &TestDB{DB: db, ConnStr: connStr}
}
