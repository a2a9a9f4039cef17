// Package migrations embeds the goose SQL migrations for the media-flow schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
