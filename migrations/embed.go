// Package migrations embeds the SQL schema so the binary can migrate a
// database without a checkout.
package migrations

import "embed"

// FS holds every migration file, named NNN_description.sql.
//
//go:embed *.sql
var FS embed.FS
