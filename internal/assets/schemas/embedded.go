// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library validate
// manifests regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// SceneManifestSchema is the embedded scene-manifest JSON schema.
//
//go:embed scene-manifest.schema.json
var SceneManifestSchema []byte
