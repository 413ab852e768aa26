// Package buildinfo exposes the version metadata baked into the
// gateway binary. Release builds stamp the variables below through
// ldflags; plain `go build` falls back to the VCS details the Go
// toolchain embeds on its own.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped via -ldflags "-X github.com/mcpgate/mcpgate/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" {
				GitCommit = s.Value
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		}
	}
}

// Info returns build and runtime metadata keyed for the version
// command and the /v1/version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// UserAgent identifies the gateway on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("mcpgate/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// Uptime reports how long the process has been running, rounded to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String renders the one-line build summary logged at startup.
func String() string {
	return fmt.Sprintf("mcpgate %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
