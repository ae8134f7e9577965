// Package version reports build information for mapscrape.
//
// Release builds set the variables below with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/mapscrape/internal/version.Version=1.0.0 ..."
//
// Other builds fall back to the VCS stamp recorded by the Go toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	Dirty     = "false"
	BuildDate = "unknown"
)

// Info is the structured build information, as served by /healthz.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns build information, filling unset fields from the VCS stamp.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Dirty:     Dirty == "true",
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildInfo(&info, bi)
	}
	return info
}

func applyBuildInfo(info *Info, bi *debug.BuildInfo) {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = strings.TrimPrefix(bi.Main.Version, "v")
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				info.Dirty = true
			}
		}
	}
}

// String returns the version, suffixed with -dirty for modified trees.
func String() string {
	info := Get()
	if info.Dirty {
		return info.Version + "-dirty"
	}
	return info.Version
}

// Full returns a multi-line description for the version command.
func Full() string {
	info := Get()
	commit := info.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "mapscrape %s\n", String())
	fmt.Fprintf(&sb, "  Commit:     %s\n", commit)
	fmt.Fprintf(&sb, "  Built:      %s\n", info.BuildDate)
	fmt.Fprintf(&sb, "  Go version: %s\n", info.GoVersion)
	fmt.Fprintf(&sb, "  OS/Arch:    %s", info.Platform)
	return sb.String()
}
