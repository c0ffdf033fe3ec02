// Package version reports what build of telelink is running.
//
// Release builds stamp the variables with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/telelink/internal/version.Version=0.1.0 \
//	                   -X github.com/rickgao/telelink/internal/version.Commit=$(git rev-parse --short HEAD)"
//
// Anything left unstamped is filled from the VCS settings the toolchain
// embeds in the binary.
package version

import (
	"log/slog"
	"runtime"
	"runtime/debug"
)

const unknown = "unknown"

var (
	Version   = "dev"
	Commit    = unknown
	BuildTime = unknown
)

// Info describes the running binary. It is served on /health and attached
// to the startup log line of both binaries.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	Go        string `json:"go"`
}

// Get returns the build info, preferring ldflags over embedded VCS data.
func Get() Info {
	var settings []debug.BuildSetting
	if bi, ok := debug.ReadBuildInfo(); ok {
		settings = bi.Settings
	}
	return resolve(Version, Commit, BuildTime, settings)
}

func resolve(ver, commit, built string, settings []debug.BuildSetting) Info {
	info := Info{Version: ver, Commit: commit, BuildTime: built, Go: runtime.Version()}
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == unknown && s.Value != "" {
				info.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if info.BuildTime == unknown && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// String returns a one-line summary, e.g. "0.1.0 (3f2a9c1-dirty) built 2026-10-01T12:00:00Z".
func (i Info) String() string {
	commit := i.Commit
	if i.Modified {
		commit += "-dirty"
	}
	return i.Version + " (" + commit + ") built " + i.BuildTime
}

// LogValue groups the build info under a single log attribute.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", i.Commit),
		slog.Bool("modified", i.Modified),
		slog.String("go", i.Go),
	)
}

// String is shorthand for Get().String().
func String() string {
	return Get().String()
}
