// Package migrations carries the SQL schema and seed files, embedded so
// the migrate binary runs from any working directory.
package migrations

import "embed"

// Files holds the numbered *.up.sql / *.down.sql pairs and the seed
// files under seeds/.
//
//go:embed *.sql seeds/*.sql
var Files embed.FS
