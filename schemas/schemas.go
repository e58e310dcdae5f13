// Package schemas embeds the built-in Mangle schema.
package schemas

import _ "embed"

// Pilot declares the facts pilot sessions emit and the rules derived from them.
//
//go:embed pilot.mg
var Pilot []byte
