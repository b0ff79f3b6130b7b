package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestConnectRejectsEmptyDSN(t *testing.T) {
	if _, err := Connect(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	for _, name := range []string{
		"migrations/000001_operator_audit.up.sql",
		"migrations/000001_operator_audit.down.sql",
		"migrations/000002_operator_audit_indexes.up.sql",
		"migrations/000002_operator_audit_indexes.down.sql",
	} {
		if _, err := migrationFS.ReadFile(name); err != nil {
			t.Errorf("embedded %s missing: %v", name, err)
		}
	}
}

func TestMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	// The fallback path must be repeatable.
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	assertTable(t, db, "operator_audit", true)
}
