package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testDB connects to the database named by TEST_DATABASE_URL, skipping
// the test when the variable is unset. The schema is expected to be
// migrated; each test truncates the tables it touches.
func testDB(t *testing.T) *PostgresDB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database-backed test")
	}

	pool, err := pgxpool.New(testContext(t), url)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return &PostgresDB{pool: pool}
}

func truncate(t *testing.T, db *PostgresDB, tables ...string) {
	t.Helper()
	ctx := testContext(t)
	for _, table := range tables {
		if _, err := db.Pool().Exec(ctx, "TRUNCATE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
