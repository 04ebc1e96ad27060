package migrations_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-agent/migrations"
)

func TestMigrations_ApplyAndRollBack(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "agent.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"entities", "recovery_records"} {
		var name string
		if err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Every migration can be rolled back, newest first.
	for i := len(applied) - 1; i >= 0; i-- {
		version, err := db.MigrateDown(ctx, migrations.FS)
		if err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
		if version != applied[i] {
			t.Errorf("MigrateDown() = %q, want %q", version, applied[i])
		}
	}
	st, err := db.Status(ctx, migrations.FS)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Pending) != len(applied) {
		t.Errorf("pending = %d after full rollback, want %d", len(st.Pending), len(applied))
	}
}
