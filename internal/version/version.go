// Package version holds build metadata set through -ldflags, e.g.
// -X git.home.luguber.info/inful/ondemand/internal/version.Version=v0.3.0.
package version

import "fmt"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the version line printed by --version.
func String() string {
	return fmt.Sprintf("ondemand %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
