package version

import (
	"strings"
	"testing"

	"devloop/internal/protocol"
)

func setBuildVars(t *testing.T, version, major, minor, patch, built, commit string) {
	t.Helper()
	previous := []string{Version, Major, Minor, Patch, Built, GitCommit}
	Version, Major, Minor, Patch, Built, GitCommit = version, major, minor, patch, built, commit
	t.Cleanup(func() {
		Version, Major, Minor, Patch, Built, GitCommit = previous[0], previous[1], previous[2], previous[3], previous[4], previous[5]
	})
}

func TestGetVersionInfo(t *testing.T) {
	setBuildVars(t, "1.2.3", "1", "2", "3", "2026-01-11T12:34:56Z", "abc123")

	info := GetVersionInfo()
	if info.Version != "1.2.3" {
		t.Fatalf("expected version to be 1.2.3, got %q", info.Version)
	}
	if info.Major != 1 || info.Minor != 2 || info.Patch != 3 {
		t.Fatalf("expected 1.2.3, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.GitCommit != "abc123" {
		t.Fatalf("expected git commit to be preserved, got %q", info.GitCommit)
	}
	if info.Protocol != protocol.Version {
		t.Fatalf("expected protocol %d, got %d", protocol.Version, info.Protocol)
	}
	if info.GoVersion == "" {
		t.Fatalf("expected go version")
	}
}

func TestVersionInfoString(t *testing.T) {
	setBuildVars(t, "1.2.3", "x", "2", "3", "", "0123456789abcdef")

	info := GetVersionInfo()
	if info.Major != 0 {
		t.Fatalf("expected unparsable major to be 0, got %d", info.Major)
	}
	got := info.String()
	if !strings.HasPrefix(got, "devloop 1.2.3 (0123456789ab)") {
		t.Fatalf("unexpected version line %q", got)
	}
	if strings.Contains(got, "built") {
		t.Fatalf("expected no build time, got %q", got)
	}
	if !strings.HasSuffix(got, "protocol v1") {
		t.Fatalf("expected protocol suffix, got %q", got)
	}
}
