package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})

	Version = "1.2.3"
	Commit = "abc123"
	Date = "2026-08-01"

	info := Info()
	for _, want := range []string{"version=1.2.3", "commit=abc123", "date=2026-08-01", "go=go"} {
		if !strings.Contains(info, want) {
			t.Fatalf("info missing %q: %s", want, info)
		}
	}
}
