// Package version exposes the build version of tileconv.
package version

// version is set at build time with
// -ldflags "-X github.com/Fralo/trento-tree-detection/pkg/version.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // Set via ldflags

// GetVersion returns the build version, or "dev" for local builds.
func GetVersion() string {
	return version
}
