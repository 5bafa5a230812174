// Package buildinfo exposes version metadata stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/nugget/avfallsor-mqtt/internal/buildinfo.Version=1.0.0"
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set at link time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// Info is a snapshot of the build and runtime metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// UserAgent is the User-Agent sent to the schedule provider.
func UserAgent() string {
	return "Avfallsor/" + Version + " (+https://github.com/nugget/avfallsor-mqtt)"
}

func (i Info) String() string {
	return fmt.Sprintf("avfallsor %s (%s@%s, built %s, %s %s)",
		i.Version, i.GitCommit, i.GitBranch, i.BuildTime, i.GoVersion, i.Platform)
}
