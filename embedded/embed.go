// Package embedded bundles data that ships inside the compiled binary
// instead of being read from disk at runtime.
package embedded

import _ "embed"

//go:embed targets.yaml
var targetProfiles []byte

// TargetProfiles returns the raw YAML describing every known chip's register
// table, magic value and capability flags. internal/target parses this once
// at package init.
func TargetProfiles() []byte {
	return targetProfiles
}
