// Package migrations embeds the SQL schema for every supported database driver.
package migrations

import "embed"

// FS holds one directory per driver name ("postgres", "sqlite").
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
