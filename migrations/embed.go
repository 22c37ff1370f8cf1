// Package migrations holds the goose SQL migrations for the SQLite rule store.
package migrations

import "embed"

// FS contains all migration files.
//
//go:embed *.sql
var FS embed.FS
