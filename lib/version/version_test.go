// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"strings"
	"testing"
)

func setBuildInfo(t *testing.T, commit, dirty, built string) {
	t.Helper()
	saved := []string{GitCommit, GitDirty, BuildTime}
	GitCommit, GitDirty, BuildTime = commit, dirty, built
	t.Cleanup(func() {
		GitCommit, GitDirty, BuildTime = saved[0], saved[1], saved[2]
	})
}

func TestInfo(t *testing.T) {
	tests := []struct {
		name  string
		dirty string
		want  string
	}{
		{"clean", "false", Version + " (abc1234, 2026-03-01T00:00:00Z)"},
		{"dirty", "true", Version + " (abc1234-dirty, 2026-03-01T00:00:00Z)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuildInfo(t, "abc1234", tt.dirty, "2026-03-01T00:00:00Z")
			if got := Info(); got != tt.want {
				t.Errorf("Info() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFull(t *testing.T) {
	setBuildInfo(t, "abc1234", "false", "now")
	full := Full()
	for _, want := range []string{Info(), "Bundle protocol: 7", runtime.Version(), runtime.GOOS + "/" + runtime.GOARCH} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() = %q, missing %q", full, want)
		}
	}
}

func TestShortAndCommit(t *testing.T) {
	setBuildInfo(t, "def5678", "false", "now")
	if Short() != Version {
		t.Errorf("Short() = %q", Short())
	}
	if Commit() != "def5678" {
		t.Errorf("Commit() = %q", Commit())
	}
}
