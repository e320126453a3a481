// Package migrations embeds the ledger SQLite schema.
package migrations

import "embed"

// FS holds the *.sql migrations applied by the sqlite ledger store.
//
//go:embed *.sql
var FS embed.FS
