// Package migrations holds the Postgres schema for the knowledge store.
// storage.DB.RunMigrations applies the files in name order, once each.
package migrations

import "embed"

// FS contains every .sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
