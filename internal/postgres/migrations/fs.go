// Package migrations embeds the SQL schema files applied by the migrate
// subcommand.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in application order.
var Files = []string{
	"001_create_tasks.sql",
}
