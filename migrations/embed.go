// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
// The sqlite/ and postgres/ subdirectories hold the dialect-specific schema.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
