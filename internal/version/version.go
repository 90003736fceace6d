// Package version holds build metadata injected via ldflags.
package version

import "fmt"

var (
	// Version is the current application version, set with
	// -ldflags "-X github.com/ManuGH/streamrec/internal/version.Version=...".
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("streamrec %s (commit %s, built %s)", Version, Commit, Date)
}
