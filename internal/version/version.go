// Package version provides a single source of truth for the engine version.
// Version can be set at build time via ldflags: -ldflags '-X github.com/tad-europe/rvguard/internal/version.Version=26500.181'
package version

// Major and Minor are reported verbatim in the heartbeat snapshot so the
// agent can detect a version-skewed engine before trusting it.
const (
	Major uint32 = 26500
	Minor uint32 = 181
)

// Version is set at build time; default for local builds.
var Version = "26500.181"
