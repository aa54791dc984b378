// Package version contains build version information.
package version

import "fmt"

// Build information, set at build time via ldflags:
//
//	-X github.com/bissquit/trackbuffer/internal/version.Version=1.2.0
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String formats the build information for humans.
func String() string {
	return fmt.Sprintf("trackbufferd %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
