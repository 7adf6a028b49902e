package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/gridlock/core/infra/logging"
)

// Set at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log writes the build summary for the named service.
func Log(service string) {
	logging.Info(service, "build info", "build", Info())
}
