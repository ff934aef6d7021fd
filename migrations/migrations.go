// Package migrations embeds the PostgreSQL schema for the library store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
