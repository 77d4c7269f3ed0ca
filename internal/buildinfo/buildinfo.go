// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import "fmt"

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/dispatch/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/dispatch/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp in RFC 3339.
	// Set via: -ldflags "-X github.com/terrpan/dispatch/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String formats the build info for `dispatch version`.
func String() string {
	return fmt.Sprintf("dispatch %s (commit %s, built %s)", Version, Commit, BuildTime)
}
