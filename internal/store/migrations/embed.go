// Package migrations embeds the goose SQL migrations for the credential and
// share tables. The SQL is shared by the sqlite and postgres dialects.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
