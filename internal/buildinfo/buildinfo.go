// Package buildinfo holds version details stamped in at link time.
package buildinfo

// Set with -ldflags "-X github.com/terrpan/agentpool/internal/buildinfo.<Name>=<value>".
var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)
