// Package migrations embeds the goose schema migrations for the broker's
// SQLite database.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
