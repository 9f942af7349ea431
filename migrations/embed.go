// Package migrations embeds the goose SQL migrations applied by pkg/database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Dir is the directory goose.Up/Down/Status operate against inside FS.
const Dir = "."
