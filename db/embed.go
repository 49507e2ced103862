// Package db embeds the goose migrations for every supported dialect.
package db

import "embed"

// Migrations holds migrations/postgres/*.sql and migrations/sqlite/*.sql.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var Migrations embed.FS

const (
	PostgresDir = "migrations/postgres"
	SQLiteDir   = "migrations/sqlite"
)
