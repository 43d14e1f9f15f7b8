package db

import "embed"

// SQLiteMigrations holds the schema for the on-device store.
//
//go:embed sqlite/*.sql
var SQLiteMigrations embed.FS

// PostgresMigrations holds the schema for the Postgres store.
//
//go:embed postgres/*.sql
var PostgresMigrations embed.FS
