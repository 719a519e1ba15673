package migrations

import "embed"

// PostgresFS embeds the settlement schema migrations.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS
