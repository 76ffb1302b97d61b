package migrations

import "embed"

// FS holds the goose migrations for the relational store.
//
//go:embed sql/*.sql
var FS embed.FS

const Dir = "sql"
