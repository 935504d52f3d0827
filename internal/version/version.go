// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/rts.bridge/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	// Version is the release tag of the bridge
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build metadata on one line for -version and logs.
func String() string {
	return fmt.Sprintf("rtsbridge %s (%s, built %s)", Version, GitSHA, BuildTime)
}
