package db

import (
	"context"
	"database/sql"
	"testing"
)

// cleanDatabase drops the audit table and migration history to start fresh.
func cleanDatabase(t *testing.T, ctx context.Context, database *sql.DB) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS operator_audit CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations CASCADE`,
	} {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
	}
}

// assertTable checks whether the named table exists in the current schema.
func assertTable(t *testing.T, database *sql.DB, name string, want bool) {
	t.Helper()
	var exists bool
	if err := database.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		name,
	).Scan(&exists); err != nil {
		t.Fatalf("lookup table %s: %v", name, err)
	}
	if exists != want {
		t.Errorf("table %s exists = %v, want %v", name, exists, want)
	}
}
