// Package version reports the simhost build.
// Variables are set via ldflags at build time.
package version

import (
	"fmt"
	"runtime"
)

// Example: go build -ldflags "-X github.com/spin-stack/simhost/internal/version.Version=v0.3.0"
var (
	// Version is the semantic version (e.g., "v0.3.0" or "dev").
	Version = "dev"

	// GitCommit is the git commit SHA.
	GitCommit = "unknown"

	// BuildDate is the build timestamp in RFC3339 format.
	BuildDate = "unknown"
)

// Build describes the running binary. It is served by the /version endpoint.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information of the running binary.
func Get() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

func (b Build) String() string {
	return fmt.Sprintf("simhostd %s (commit: %s, built: %s, go: %s)",
		b.Version, b.GitCommit, b.BuildDate, b.GoVersion)
}
