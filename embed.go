package devloop

import "embed"

// EmbeddedConfigFS provides the default settings and the starter task file.
//
//go:embed config
var EmbeddedConfigFS embed.FS
