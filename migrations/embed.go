// Package migrations embeds the agent's SQL migrations: the entity
// registry and the recovery records of in-flight operations.
package migrations

import "embed"

// FS holds the migration files at its root, ready for database.Migrate.
//
//go:embed *.sql
var FS embed.FS
