// Package version reports build metadata for the devloop binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"devloop/internal/protocol"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Major = "0"
var Minor = "0"
var Patch = "0"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	Protocol  int    `json:"protocol"`
	GoVersion string `json:"go_version"`
}

func GetVersionInfo() VersionInfo {
	commit := GitCommit
	if commit == "" {
		commit = vcsRevision()
	}
	return VersionInfo{
		Version:   Version,
		Major:     parseInt(Major),
		Minor:     parseInt(Minor),
		Patch:     parseInt(Patch),
		Built:     Built,
		GitCommit: commit,
		Protocol:  protocol.Version,
		GoVersion: runtime.Version(),
	}
}

// String is the one-line form printed by `devloop version`.
func (info VersionInfo) String() string {
	var builder strings.Builder
	builder.WriteString("devloop ")
	builder.WriteString(info.Version)
	if info.GitCommit != "" {
		commit := info.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		builder.WriteString(" (" + commit + ")")
	}
	if info.Built != "" {
		builder.WriteString(" built " + info.Built)
	}
	builder.WriteString(" protocol v" + strconv.Itoa(info.Protocol))
	return builder.String()
}

// vcsRevision falls back to the revision the go tool stamped into the binary.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

func parseInt(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
