// Package version exposes build metadata stamped at link time.
package version

var (
	// Version is the semantic version, overridden by the release build.
	Version = "0.1.0-dev"
	// Commit is the VCS revision, overridden by the release build.
	Commit = "unknown"
)
