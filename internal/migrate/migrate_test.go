package migrate_test

import (
	"testing"

	"draftline/internal/db"
	"draftline/internal/migrate"
)

func TestMigrateFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	version, err := migrate.Applied(conn)
	if err != nil {
		t.Fatal(err)
	}
	if version < 1 {
		t.Fatalf("expected at least one applied migration, got version %d", version)
	}
	for _, table := range []string{"tasks", "task_status_history"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migrate: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	before, err := migrate.Applied(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	after, err := migrate.Applied(conn)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("rerun changed schema version: %d -> %d", before, after)
	}
}
