// Package version holds build information for the rlm binary.
package version

import "fmt"

// Build information, set at link time:
// go build -ldflags "-X rlm/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version, or "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information on one line.
func String() string {
	return fmt.Sprintf("rlm %s (commit %s, built %s)", Version, Commit, Date)
}
