package migrations

import "embed"

// FS contains embedded SQLite migrations for the offline archive index.
//
//go:embed *.sql
var FS embed.FS
