// Package database provides the agent's SQLite storage.
//
// One database file holds the entity registry and the recovery records of
// in-flight operations, so both survive an agent restart together. The
// connection runs in WAL mode with a busy timeout and a single pooled
// connection. Open runs SQLite's quick check, so a file damaged by a power
// cut stops the agent at startup instead of failing operations later.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are YYYYMMDD_HHMMSS_description.up.sql files, each with an
// optional .down.sql counterpart. They are additive: new columns are
// nullable or carry a default, so an older agent binary can still open a
// migrated file after a rolled back self-update. Status lists such
// versions as Unknown, and MigrateDown (the --migrate-down flag) reverts
// the latest known one.
package database
