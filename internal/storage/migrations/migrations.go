// Package migrations embeds the schema applied at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Ordered lists the migrations in the order they must run.
var Ordered = []string{
	"001_refresh_tokens.up.sql",
	"002_turns.up.sql",
}
