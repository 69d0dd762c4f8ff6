// Package migrations embeds the SQLite schema of the archive database.
package migrations

import "embed"

// FS holds the golang-migrate source files.
//
//go:embed *.sql
var FS embed.FS
