// Package web holds the operator UI served at the root path.
package web

import "embed"

// FS contains the embedded UI assets.
//
//go:embed index.html style.css app.js
var FS embed.FS
