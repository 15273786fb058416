// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem containing every .sql file
// in this directory, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
