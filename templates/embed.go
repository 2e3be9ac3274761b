// Package templates holds the files written by `conductor init`.
package templates

import "embed"

//go:embed conductor.yaml
var FS embed.FS
