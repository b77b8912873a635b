// Package version carries build information injected with ldflags, for example
// go build -ldflags "-X codepipe/pkg/version.Version=v0.3.0".
package version

import "fmt"

//nolint:gochecknoglobals // set via ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build for --version and startup logs.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
