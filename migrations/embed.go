// Package migrations embeds the goose migrations that create the
// flag_documents table and its change notification trigger.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS
