// Package version holds build information set via -ldflags.
package version

// Build information. Release builds override these with
// -X github.com/bissquit/contest-sync/internal/version.Version=... and friends.
var (
	Version   = "0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
